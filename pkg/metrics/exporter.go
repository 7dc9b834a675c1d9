package metrics

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/sde-tools/gdbmaint/pkg/history"
	"github.com/sde-tools/gdbmaint/pkg/models"
)

// Exporter serves Prometheus metrics derived from the run history, so a
// scrape shows when maintenance last ran, whether it succeeded and how long
// each phase took.
type Exporter struct {
	store     history.Store
	startTime time.Time
}

// NewExporter creates a Prometheus exporter over the history store.
func NewExporter(s history.Store) *Exporter {
	return &Exporter{store: s, startTime: time.Now()}
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP gdbmaint_uptime_seconds Time since the status server started\n")
	fmt.Fprintf(w, "# TYPE gdbmaint_uptime_seconds gauge\n")
	fmt.Fprintf(w, "gdbmaint_uptime_seconds %d\n", int64(time.Since(e.startTime).Seconds()))

	runs, err := e.store.ListRuns(200)
	if err != nil {
		fmt.Fprintf(w, "# Error listing runs: %v\n", err)
		return
	}

	runsByStatus := map[models.RunStatus]int{
		models.RunStatusRunning:   0,
		models.RunStatusCompleted: 0,
		models.RunStatusFailed:    0,
	}
	for _, run := range runs {
		runsByStatus[run.Status]++
	}

	fmt.Fprintf(w, "\n# HELP gdbmaint_runs_total Recent maintenance runs by status\n")
	fmt.Fprintf(w, "# TYPE gdbmaint_runs_total gauge\n")
	for status, count := range runsByStatus {
		fmt.Fprintf(w, "gdbmaint_runs_total{status=\"%s\"} %d\n", status, count)
	}

	e.writeLastRun(w)
	e.writeDefaultRegistry(w)
}

func (e *Exporter) writeLastRun(w http.ResponseWriter) {
	last, err := e.store.LastRun()
	if errors.Is(err, history.ErrRunNotFound) {
		return
	}
	if err != nil {
		fmt.Fprintf(w, "# Error fetching last run: %v\n", err)
		return
	}

	fmt.Fprintf(w, "\n# HELP gdbmaint_last_run_timestamp_seconds Start time of the most recent run\n")
	fmt.Fprintf(w, "# TYPE gdbmaint_last_run_timestamp_seconds gauge\n")
	fmt.Fprintf(w, "gdbmaint_last_run_timestamp_seconds %d\n", last.StartedAt.Unix())

	fmt.Fprintf(w, "\n# HELP gdbmaint_last_run_success Whether the most recent run completed\n")
	fmt.Fprintf(w, "# TYPE gdbmaint_last_run_success gauge\n")
	success := 0
	if last.Status == models.RunStatusCompleted {
		success = 1
	}
	fmt.Fprintf(w, "gdbmaint_last_run_success %d\n", success)

	if !last.CompletedAt.IsZero() {
		fmt.Fprintf(w, "\n# HELP gdbmaint_last_run_duration_seconds Wall time of the most recent run\n")
		fmt.Fprintf(w, "# TYPE gdbmaint_last_run_duration_seconds gauge\n")
		fmt.Fprintf(w, "gdbmaint_last_run_duration_seconds %.1f\n", last.Duration().Seconds())
	}

	phases, err := e.store.GetPhases(last.ID)
	if err != nil {
		fmt.Fprintf(w, "# Error fetching phases: %v\n", err)
		return
	}
	if len(phases) == 0 {
		return
	}

	fmt.Fprintf(w, "\n# HELP gdbmaint_phase_duration_seconds Accumulated duration per phase of the most recent run\n")
	fmt.Fprintf(w, "# TYPE gdbmaint_phase_duration_seconds gauge\n")
	for _, p := range phases {
		if p.Skipped {
			continue
		}
		fmt.Fprintf(w, "gdbmaint_phase_duration_seconds{phase=%q} %.3f\n", p.Label, p.Seconds)
	}

	skipped := 0
	for _, p := range phases {
		if p.Skipped {
			skipped++
		}
	}
	fmt.Fprintf(w, "\n# HELP gdbmaint_phase_skipped_total Phases dropped from the last report (unbalanced timer events)\n")
	fmt.Fprintf(w, "# TYPE gdbmaint_phase_skipped_total gauge\n")
	fmt.Fprintf(w, "gdbmaint_phase_skipped_total %d\n", skipped)
}

// writeDefaultRegistry appends anything registered with the default
// prometheus registry (Go runtime and process collectors included).
func (e *Exporter) writeDefaultRegistry(w http.ResponseWriter) {
	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering registry metrics: %v\n", err)
		return
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}
