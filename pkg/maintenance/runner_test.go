package maintenance

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sde-tools/gdbmaint/pkg/history"
	"github.com/sde-tools/gdbmaint/pkg/logging"
	"github.com/sde-tools/gdbmaint/pkg/models"
	"github.com/sde-tools/gdbmaint/pkg/retry"
	"github.com/sde-tools/gdbmaint/pkg/toolkit"
)

// fakeToolkit records invocations in a shared call log so tests can assert
// on sequencing across connections.
type fakeToolkit struct {
	id    string
	calls *[]string

	datasets    []string
	versions    []toolkit.Version
	compressErr error
	rebuildErr  error
	analyzeErr  error
}

func (f *fakeToolkit) record(op string) {
	*f.calls = append(*f.calls, f.id+"."+op)
}

func (f *fakeToolkit) ListDatasets(ctx context.Context) ([]string, error) {
	f.record("ListDatasets")
	return f.datasets, nil
}

func (f *fakeToolkit) ListVersions(ctx context.Context) ([]toolkit.Version, error) {
	f.record("ListVersions")
	if f.versions == nil {
		return []toolkit.Version{{Name: "DEFAULT", Owner: "sde"}}, nil
	}
	return f.versions, nil
}

func (f *fakeToolkit) AnalyzeDatasets(ctx context.Context, datasets []string, system bool) error {
	f.record(fmt.Sprintf("Analyze(system=%t)", system))
	return f.analyzeErr
}

func (f *fakeToolkit) Compress(ctx context.Context) error {
	f.record("Compress")
	return f.compressErr
}

func (f *fakeToolkit) RebuildIndexes(ctx context.Context, datasets []string, system bool) error {
	f.record(fmt.Sprintf("Rebuild(system=%t)", system))
	return f.rebuildErr
}

func (f *fakeToolkit) AcceptConnections(ctx context.Context, accept bool) error {
	f.record(fmt.Sprintf("AcceptConnections(%t)", accept))
	return nil
}

func (f *fakeToolkit) DisconnectAll(ctx context.Context) error {
	f.record("DisconnectAll")
	return nil
}

func (f *fakeToolkit) Close() error { return nil }

type fixture struct {
	calls  []string
	admin  *fakeToolkit
	owners map[string]*fakeToolkit
}

func newFixture() *fixture {
	fx := &fixture{owners: make(map[string]*fakeToolkit)}
	fx.admin = &fakeToolkit{id: "sde", datasets: nil}
	return fx
}

func (fx *fixture) owner(id string, datasets ...string) {
	fx.owners[id] = &fakeToolkit{id: id, datasets: datasets}
}

func (fx *fixture) open(cfg toolkit.Config) (toolkit.Toolkit, error) {
	var tk *fakeToolkit
	if cfg.Admin {
		tk = fx.admin
	} else {
		tk = fx.owners[cfg.DSN]
		if tk == nil {
			return nil, fmt.Errorf("no fake for %s", cfg.DSN)
		}
	}
	tk.calls = &fx.calls
	return tk, nil
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1.0,
	}
}

func testRunner(t *testing.T, fx *fixture, modes []string, opts ...Option) *Runner {
	t.Helper()
	set, err := models.ParseModes(modes)
	if err != nil {
		t.Fatalf("ParseModes: %v", err)
	}
	owners := make([]string, 0, len(fx.owners))
	for id := range fx.owners {
		owners = append(owners, id)
	}
	cfg := Config{
		AdminDSN:  "sde",
		OwnerDSNs: owners,
		Modes:     set,
		Retry:     fastRetry(),
	}
	log := logging.NewLogger(logging.FATAL, false)
	opts = append(opts, WithOpenFunc(fx.open))
	return NewRunner(cfg, log, opts...)
}

func TestRunCRASequence(t *testing.T) {
	fx := newFixture()
	fx.owner("base", "geo.roads", "geo.rivers")

	result, err := testRunner(t, fx, []string{"cra", "report"}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{
		"base.ListVersions",
		"base.ListDatasets",
		"sde.Compress",
		"base.Rebuild(system=false)",
		"sde.Rebuild(system=true)",
		"base.Analyze(system=false)",
		"sde.Analyze(system=true)",
	}
	if got := strings.Join(fx.calls, ","); got != strings.Join(want, ",") {
		t.Errorf("call sequence:\n got %v\nwant %v", fx.calls, want)
	}

	if result.Run.Status != models.RunStatusCompleted {
		t.Errorf("status = %s, want completed", result.Run.Status)
	}

	// Every phase pairs cleanly into the report.
	for _, label := range []string{"Initialize", "main", "list_data", "compress",
		"rebuild_index_base", "rebuild_index_sde", "analyze2_base", "analyze2_sde"} {
		res, ok := result.Report.Result(label)
		if !ok {
			t.Errorf("missing report label %s", label)
			continue
		}
		if res.Skipped || res.Pairs == 0 {
			t.Errorf("label %s did not pair: %+v", label, res)
		}
	}
	if result.Run.Report == "" {
		t.Error("report mode should render the timer report onto the run")
	}
}

func TestRunACRAIncludesFirstAnalyze(t *testing.T) {
	fx := newFixture()
	fx.owner("base", "geo.roads")

	result, err := testRunner(t, fx, []string{"acra"}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, ok := result.Report.Result("analyze1_base"); !ok {
		t.Error("acra mode should run the pre-compress analyze")
	}
	if _, ok := result.Report.Result("analyze1_sde"); !ok {
		t.Error("acra mode should analyze system tables pre-compress")
	}

	analyzes := 0
	for _, c := range fx.calls {
		if strings.Contains(c, "Analyze") {
			analyzes++
		}
	}
	if analyzes != 4 {
		t.Errorf("expected 4 analyze calls (2 passes x 2 connections), got %d: %v", analyzes, fx.calls)
	}
}

func TestRunACASkipsRebuild(t *testing.T) {
	fx := newFixture()
	fx.owner("base", "geo.roads")

	result, err := testRunner(t, fx, []string{"aca"}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, c := range fx.calls {
		if strings.Contains(c, "Rebuild") {
			t.Errorf("aca mode must not rebuild indexes, saw %s", c)
		}
	}
	if _, ok := result.Report.Result("rebuild_index_base"); ok {
		t.Error("no rebuild label expected in aca mode")
	}
}

func TestRunReportOnlyTouchesNothing(t *testing.T) {
	fx := newFixture()
	fx.owner("base", "geo.roads")

	result, err := testRunner(t, fx, []string{"report"}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, c := range fx.calls {
		if !strings.HasSuffix(c, "ListVersions") {
			t.Errorf("report-only run must not run maintenance, saw %s", c)
		}
	}
	// Initialize and main still pair, so the report is not empty.
	if result.Run.Report == "" {
		t.Error("report-only run should still produce a timer report")
	}
}

func TestRunBlockWrapsRunAndUnblocksOnFailure(t *testing.T) {
	fx := newFixture()
	fx.owner("base", "geo.roads")
	fx.admin.compressErr = errors.New("compress exploded")

	result, err := testRunner(t, fx, []string{"cra", "block"}).Run(context.Background())
	if err == nil {
		t.Fatal("expected run failure")
	}
	if result.Run.Status != models.RunStatusFailed {
		t.Errorf("status = %s, want failed", result.Run.Status)
	}

	var sawBlock, sawUnblock bool
	for _, c := range fx.calls {
		switch c {
		case "sde.AcceptConnections(false)":
			sawBlock = true
		case "sde.AcceptConnections(true)":
			if !sawBlock {
				t.Error("unblock before block")
			}
			sawUnblock = true
		}
	}
	if !sawBlock || !sawUnblock {
		t.Errorf("block/unblock missing from %v", fx.calls)
	}
	if fx.calls[len(fx.calls)-1] != "sde.AcceptConnections(true)" {
		t.Errorf("unblock should be the final operation, got %v", fx.calls)
	}
}

func TestRunKickDisconnectsSessions(t *testing.T) {
	fx := newFixture()
	fx.owner("base", "geo.roads")

	if _, err := testRunner(t, fx, []string{"compress", "kick"}).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	found := false
	for i, c := range fx.calls {
		if c == "sde.DisconnectAll" {
			found = true
			for _, later := range fx.calls[:i] {
				if later == "sde.Compress" {
					t.Error("kick must happen before compress")
				}
			}
		}
	}
	if !found {
		t.Errorf("DisconnectAll not called: %v", fx.calls)
	}
}

func TestRunRebuildFailureDoesNotAbort(t *testing.T) {
	fx := newFixture()
	fx.owner("base", "geo.roads")
	fx.owners["base"].rebuildErr = errors.New("relation is locked by another session")

	result, err := testRunner(t, fx, []string{"cra"}).Run(context.Background())
	if err != nil {
		t.Fatalf("a failed rebuild must not fail the run: %v", err)
	}
	if len(result.RebuildErrors) != 1 {
		t.Fatalf("expected 1 rebuild error, got %v", result.RebuildErrors)
	}
	if result.Run.Status != models.RunStatusCompleted {
		t.Errorf("status = %s, want completed", result.Run.Status)
	}

	// The second analyze still ran after the failed rebuild.
	sawAnalyze := false
	for _, c := range fx.calls {
		if c == "base.Analyze(system=false)" {
			sawAnalyze = true
		}
	}
	if !sawAnalyze {
		t.Errorf("post-rebuild analyze missing: %v", fx.calls)
	}
}

func TestRunSkipsOwnersWithoutDatasets(t *testing.T) {
	fx := newFixture()
	fx.owner("empty") // no datasets

	result, err := testRunner(t, fx, []string{"cra"}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, c := range fx.calls {
		if c == "empty.Analyze(system=false)" || c == "empty.Rebuild(system=false)" {
			t.Errorf("empty connection should be skipped, saw %s", c)
		}
	}
	if _, ok := result.Report.Result("analyze2_empty"); ok {
		t.Error("no analyze label expected for a dataset-less connection")
	}
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	fx := newFixture()
	fx.owner("base", "geo.roads")

	set, _ := models.ParseModes([]string{"acra", "block", "kick", "report"})
	cfg := Config{
		AdminDSN:  "sde",
		OwnerDSNs: []string{"base"},
		Modes:     set,
		DryRun:    true,
		Retry:     fastRetry(),
	}
	runner := NewRunner(cfg, logging.NewLogger(logging.FATAL, false), WithOpenFunc(fx.open))

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(fx.calls) != 0 {
		t.Errorf("dry run must not call the toolkit, saw %v", fx.calls)
	}
	// The phase labels still appear so the operator can preview the plan.
	if _, ok := result.Report.Result("compress"); !ok {
		t.Error("dry run should still produce phase labels")
	}
}

func TestRunPersistsToStore(t *testing.T) {
	fx := newFixture()
	fx.owner("base", "geo.roads")

	store, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	result, err := testRunner(t, fx, []string{"cra", "report"}, WithStore(store)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stored, err := store.GetRun(result.Run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != models.RunStatusCompleted {
		t.Errorf("stored status = %s", stored.Status)
	}
	if stored.Report == "" {
		t.Error("stored run should carry the rendered report")
	}

	phases, err := store.GetPhases(result.Run.ID)
	if err != nil {
		t.Fatalf("GetPhases: %v", err)
	}
	if len(phases) == 0 {
		t.Fatal("no phases persisted")
	}

	hasCompress := false
	for _, p := range phases {
		if p.Label == "compress" && p.Pairs == 1 {
			hasCompress = true
		}
	}
	if !hasCompress {
		t.Errorf("compress phase missing from %v", phases)
	}
}

func TestConnIDPatternInLabels(t *testing.T) {
	fx := newFixture()
	fx.owners["../conns/sys_s50.sde"] = &fakeToolkit{id: "s50conn", datasets: []string{"t"}}

	set, _ := models.ParseModes([]string{"rebuild"})
	cfg := Config{
		AdminDSN:  "sde",
		OwnerDSNs: []string{"../conns/sys_s50.sde"},
		Modes:     set,
		IDPattern: regexp.MustCompile(`sys_(BASE|s\d+m?)`),
		Retry:     fastRetry(),
	}
	runner := NewRunner(cfg, logging.NewLogger(logging.FATAL, false), WithOpenFunc(fx.open))

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, ok := result.Report.Result("rebuild_index_s50"); !ok {
		t.Errorf("expected rebuild_index_s50 label, report: %+v", result.Report.Results)
	}
	if result.Run.Connections[0] != "s50" {
		t.Errorf("run connections = %v, want short ids", result.Run.Connections)
	}
}
