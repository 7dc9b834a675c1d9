package maintenance

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sde-tools/gdbmaint/pkg/history"
	"github.com/sde-tools/gdbmaint/pkg/logging"
	"github.com/sde-tools/gdbmaint/pkg/models"
	"github.com/sde-tools/gdbmaint/pkg/retry"
	"github.com/sde-tools/gdbmaint/pkg/timing"
	"github.com/sde-tools/gdbmaint/pkg/toolkit"
	"github.com/sde-tools/gdbmaint/pkg/tracing"
)

// Config describes one maintenance run.
type Config struct {
	AdminDSN  string   // administrative connection (compress, block, kick, system analyze)
	OwnerDSNs []string // one connection per data owner

	Modes     models.ModeSet
	IDPattern *regexp.Regexp // extracts the short id from a DSN for timer labels

	// IndividualAnalyze analyzes one dataset at a time and logs each
	// duration, for hunting down the dataset that makes analyze slow.
	IndividualAnalyze bool

	// DryRun logs the plan without executing any toolkit operation.
	DryRun bool

	Retry retry.Config
}

// OpenFunc opens a toolkit for a DSN. Tests substitute fakes here.
type OpenFunc func(cfg toolkit.Config) (toolkit.Toolkit, error)

// Runner sequences the maintenance phases over the configured connections
// and brackets every phase with timer events.
type Runner struct {
	cfg    Config
	log    *logging.Logger
	store  history.Store    // optional
	tracer *tracing.Provider // optional
	open   OpenFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore persists the run and its phase timings.
func WithStore(s history.Store) Option {
	return func(r *Runner) { r.store = s }
}

// WithTracer wraps every phase in a span.
func WithTracer(p *tracing.Provider) Option {
	return func(r *Runner) { r.tracer = p }
}

// WithOpenFunc overrides how toolkits are opened.
func WithOpenFunc(open OpenFunc) Option {
	return func(r *Runner) { r.open = open }
}

// NewRunner creates a runner. The default toolkit is PostgreSQL-backed.
func NewRunner(cfg Config, log *logging.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg: cfg,
		log: log,
		open: func(tc toolkit.Config) (toolkit.Toolkit, error) {
			return toolkit.NewPostgres(tc)
		},
	}
	if r.cfg.Retry.MaxRetries == 0 && r.cfg.Retry.InitialBackoff == 0 {
		r.cfg.Retry = retry.DefaultConfig()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// connection is one opened owner connection with its short id.
type connection struct {
	id       string
	dsn      string
	tk       toolkit.Toolkit
	datasets []string
}

// Result is the outcome of one maintenance run.
type Result struct {
	Run    *models.Run
	Report *timing.Report
	// RebuildErrors lists datasets whose index rebuild failed after
	// retries. They do not fail the run; one locked layer must never kill
	// the whole batch.
	RebuildErrors []error
}

// Run performs the maintenance sequence. The returned Result is non-nil
// whenever a run was started, even if it failed partway.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	rec := timing.NewRecorder()
	modes := r.cfg.Modes

	hostname := r.preflight()

	ids := make([]string, 0, len(r.cfg.OwnerDSNs))
	for _, dsn := range r.cfg.OwnerDSNs {
		ids = append(ids, models.ConnID(r.cfg.IDPattern, dsn))
	}

	run := models.NewRun(hostname, modes.List(), ids)
	result := &Result{Run: run}

	if r.store != nil {
		if err := r.store.CreateRun(run); err != nil {
			return nil, fmt.Errorf("record run start: %w", err)
		}
	}

	err := r.execute(ctx, rec, run, result)

	result.Report = rec.Report()
	if modes.WantsReport() {
		report := result.Report.String()
		run.Report = report
		r.log.Info("Time profile report:\n" + report)
	}

	run.CompletedAt = time.Now()
	if err != nil {
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
	} else {
		run.Status = models.RunStatusCompleted
	}

	if r.store != nil {
		if serr := r.store.RecordPhases(run.ID, phaseResults(run.ID, result.Report)); serr != nil {
			r.log.Error("Failed to persist phase timings", map[string]interface{}{"error": serr.Error()})
		}
		if serr := r.store.CompleteRun(run.ID, run.Status, run.Error, run.Report); serr != nil {
			r.log.Error("Failed to persist run completion", map[string]interface{}{"error": serr.Error()})
		}
	}

	r.log.Info(fmt.Sprintf("End time: %s", run.CompletedAt.Format(time.RFC3339)))
	r.log.Info(fmt.Sprintf("Run duration: %s", run.Duration().Round(time.Millisecond)))

	return result, err
}

// execute runs the mode-gated sequence. Split out so the caller can finish
// the report and persistence uniformly on both success and failure.
func (r *Runner) execute(ctx context.Context, rec *timing.Recorder, run *models.Run, result *Result) error {
	modes := r.cfg.Modes

	r.log.Info(" * Geodatabase maintenance - start *")
	r.log.Info(fmt.Sprintf("   Start time: %s", run.StartedAt.Format(time.RFC3339)))
	r.log.Info(fmt.Sprintf("   Admin connection: %s", models.ConnID(r.cfg.IDPattern, r.cfg.AdminDSN)))
	r.log.Info(fmt.Sprintf("   Owner connections: %v", run.Connections))
	r.log.Info(fmt.Sprintf("   Modes: %v", run.Modes))

	admin, err := r.open(toolkit.Config{DSN: r.cfg.AdminDSN, Admin: true})
	if err != nil {
		return fmt.Errorf("open admin connection: %w", err)
	}
	defer admin.Close()

	owners := make([]*connection, 0, len(r.cfg.OwnerDSNs))
	for _, dsn := range r.cfg.OwnerDSNs {
		tk, err := r.open(toolkit.Config{DSN: dsn})
		if err != nil {
			return fmt.Errorf("open owner connection %s: %w", models.ConnID(r.cfg.IDPattern, dsn), err)
		}
		defer tk.Close()
		owners = append(owners, &connection{
			id:  models.ConnID(r.cfg.IDPattern, dsn),
			dsn: dsn,
			tk:  tk,
		})
	}

	// Version check happens inside the Initialize bracket: open edit
	// versions pin state rows and prevent optimal compression, so the
	// report should say so up front.
	rec.Start("Initialize", "Start of run")
	for _, own := range owners {
		r.logVersions(ctx, own)
	}
	rec.Stop("Initialize", "Start of run")

	if modes.WantsBlock() {
		if err := r.toolkitOp(ctx, "block connections", func() error {
			return admin.AcceptConnections(ctx, false)
		}); err != nil {
			return err
		}
		// Whatever happens below, the database must come back up.
		defer func() {
			if err := r.toolkitOp(context.WithoutCancel(ctx), "unblock connections", func() error {
				return admin.AcceptConnections(context.WithoutCancel(ctx), true)
			}); err != nil {
				r.log.Error("Failed to re-accept connections", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	if modes.WantsKick() {
		if err := r.toolkitOp(ctx, "disconnect sessions", func() error {
			return admin.DisconnectAll(ctx)
		}); err != nil {
			return err
		}
	}

	rec.Start("main", "")
	defer rec.Stop("main", "")

	if modes.WantsDatasets() {
		r.log.Info("   1. Get list of datasets")
		if err := r.phase(ctx, rec, "list_data", func(ctx context.Context) error {
			for _, own := range owners {
				if r.cfg.DryRun {
					continue
				}
				datasets, err := own.tk.ListDatasets(ctx)
				if err != nil {
					return fmt.Errorf("list datasets for %s: %w", own.id, err)
				}
				own.datasets = datasets
				r.log.Debug(fmt.Sprintf("      %s: %d datasets", own.id, len(datasets)))
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if modes.WantsFirstAnalyze() {
		r.log.Info("   1b. Analyze (pre-compress)")
		if err := r.analyzePass(ctx, rec, admin, owners, "analyze1"); err != nil {
			return err
		}
	}

	if modes.WantsCompress() {
		r.log.Info("   2. Compress")
		if err := r.phase(ctx, rec, "compress", func(ctx context.Context) error {
			if r.cfg.DryRun {
				return nil
			}
			return admin.Compress(ctx)
		}); err != nil {
			return err
		}
	}

	if modes.WantsRebuild() {
		r.log.Info("   3. Rebuild indexes")
		r.rebuildPass(ctx, rec, admin, owners, result)
	}

	if modes.WantsSecondAnalyze() {
		r.log.Info("   4. Analyze (post-compress)")
		if err := r.analyzePass(ctx, rec, admin, owners, "analyze2"); err != nil {
			return err
		}
	}

	return nil
}

// analyzePass refreshes statistics for every owner connection and then for
// the repository itself on the admin connection. pass is the label prefix
// ("analyze1" before compress, "analyze2" after).
func (r *Runner) analyzePass(ctx context.Context, rec *timing.Recorder, admin toolkit.Toolkit, owners []*connection, pass string) error {
	for _, own := range owners {
		if len(own.datasets) == 0 && !r.cfg.DryRun {
			r.log.Info("Skipping empty data: " + own.id)
			continue
		}
		if err := r.phase(ctx, rec, pass+"_"+own.id, func(ctx context.Context) error {
			if r.cfg.DryRun {
				return nil
			}
			if r.cfg.IndividualAnalyze {
				for _, ds := range own.datasets {
					start := time.Now()
					if err := own.tk.AnalyzeDatasets(ctx, []string{ds}, false); err != nil {
						return fmt.Errorf("analyze %s in %s: %w", ds, own.id, err)
					}
					r.log.Debug(fmt.Sprintf("Duration of %s in %s: %s", ds, own.id, time.Since(start).Round(time.Millisecond)))
				}
				return nil
			}
			return own.tk.AnalyzeDatasets(ctx, own.datasets, false)
		}); err != nil {
			return err
		}
	}

	return r.phase(ctx, rec, pass+"_sde", func(ctx context.Context) error {
		if r.cfg.DryRun {
			return nil
		}
		return admin.AnalyzeDatasets(ctx, nil, true)
	})
}

// rebuildPass rebuilds indexes per connection. Failures are retried while
// they look like lock contention and otherwise collected, never fatal.
func (r *Runner) rebuildPass(ctx context.Context, rec *timing.Recorder, admin toolkit.Toolkit, owners []*connection, result *Result) {
	for _, own := range owners {
		if len(own.datasets) == 0 && !r.cfg.DryRun {
			r.log.Info("Skipping empty data: " + own.id)
			continue
		}
		var failed error
		_ = r.phase(ctx, rec, "rebuild_index_"+own.id, func(ctx context.Context) error {
			if r.cfg.DryRun {
				return nil
			}
			failed = r.rebuildWithRetry(ctx, own.tk, own.datasets, false)
			return nil
		})
		if failed != nil {
			result.RebuildErrors = append(result.RebuildErrors, fmt.Errorf("rebuild %s: %w", own.id, failed))
			r.log.Error(fmt.Sprintf("      > Rebuild failed for %s: %v", own.id, failed))
			continue
		}
		r.log.Info(fmt.Sprintf("      > Rebuild successful: %s", own.id))
	}

	var failed error
	_ = r.phase(ctx, rec, "rebuild_index_sde", func(ctx context.Context) error {
		if r.cfg.DryRun {
			return nil
		}
		failed = r.rebuildWithRetry(ctx, admin, nil, true)
		return nil
	})
	if failed != nil {
		result.RebuildErrors = append(result.RebuildErrors, fmt.Errorf("rebuild system tables: %w", failed))
		r.log.Error(fmt.Sprintf("      > Rebuild failed for system tables: %v", failed))
	}
}

// rebuildWithRetry retries lock-contention failures and returns the first
// permanent failure unchanged.
func (r *Runner) rebuildWithRetry(ctx context.Context, tk toolkit.Toolkit, datasets []string, system bool) error {
	var permanent error
	err := retry.Do(ctx, r.cfg.Retry, func() error {
		err := tk.RebuildIndexes(ctx, datasets, system)
		if err != nil && !retry.IsRetryable(err) {
			permanent = err
			return nil
		}
		return err
	})
	if permanent != nil {
		return permanent
	}
	return err
}

// phase brackets fn with start/stop timer events and an optional span. The
// stop event is recorded even when fn fails so the pair stays balanced.
func (r *Runner) phase(ctx context.Context, rec *timing.Recorder, label string, fn func(context.Context) error) error {
	spanCtx := ctx
	if r.tracer != nil {
		var end func()
		spanCtx, end = r.startSpan(ctx, label)
		defer end()
	}

	rec.Start(label, "")
	defer rec.Stop(label, "")

	if err := fn(spanCtx); err != nil {
		if r.tracer != nil {
			tracing.SetError(spanCtx, err)
		}
		return err
	}
	return nil
}

func (r *Runner) startSpan(ctx context.Context, label string) (context.Context, func()) {
	spanCtx, span := r.tracer.StartPhase(ctx, label,
		attribute.String("maintenance.label", label),
		attribute.Bool("maintenance.dry_run", r.cfg.DryRun),
	)
	return spanCtx, func() { span.End() }
}

// toolkitOp wraps a single non-timed toolkit call with dry-run handling.
func (r *Runner) toolkitOp(ctx context.Context, name string, fn func() error) error {
	if r.cfg.DryRun {
		r.log.Info("dry-run: skipping " + name)
		return nil
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// logVersions warns when a connection sees edit versions besides DEFAULT.
func (r *Runner) logVersions(ctx context.Context, own *connection) {
	if r.cfg.DryRun {
		return
	}
	versions, err := own.tk.ListVersions(ctx)
	if err != nil {
		r.log.Warn(fmt.Sprintf("Could not list versions for %s: %v", own.id, err))
		return
	}
	if len(versions) > 1 {
		names := make([]string, 0, len(versions))
		for _, v := range versions {
			names = append(names, v.Name)
		}
		r.log.Info(fmt.Sprintf("        Current versions (any but DEFAULT will prevent optimal compression): %v", names))
	} else {
		r.log.Info(fmt.Sprintf("        No edit versions for %s.", own.id))
	}
}

// preflight logs where and under what conditions the run executes.
func (r *Runner) preflight() string {
	hostname, _ := os.Hostname()
	if info, err := host.Info(); err == nil {
		hostname = info.Hostname
		r.log.Info(fmt.Sprintf("Running maintenance on %s (%s %s, up %s)",
			info.Hostname, info.Platform, info.PlatformVersion,
			(time.Duration(info.Uptime) * time.Second).Round(time.Minute)))
	}
	if n, err := cpu.Counts(true); err == nil {
		r.log.Debug(fmt.Sprintf("CPUs: %d logical", n))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.log.Debug(fmt.Sprintf("Memory: %.1f%% used of %d MB", vm.UsedPercent, vm.Total/1024/1024))
		if vm.UsedPercent > 90 {
			r.log.Warn("Memory pressure is high; maintenance may be slow")
		}
	}
	return hostname
}

// phaseResults converts the timing report into persistable rows.
func phaseResults(runID string, rep *timing.Report) []models.PhaseResult {
	out := make([]models.PhaseResult, 0, len(rep.Results))
	for _, lr := range rep.Results {
		out = append(out, models.PhaseResult{
			RunID:        runID,
			Label:        lr.Label,
			Seconds:      lr.Total.Seconds(),
			Pairs:        lr.Pairs,
			SkippedPairs: lr.SkippedPairs,
			Skipped:      lr.Skipped,
			Reason:       string(lr.Reason),
		})
	}
	return out
}
