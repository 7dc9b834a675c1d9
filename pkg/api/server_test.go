package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sde-tools/gdbmaint/pkg/history"
	"github.com/sde-tools/gdbmaint/pkg/logging"
	"github.com/sde-tools/gdbmaint/pkg/models"
)

func testHandler(t *testing.T) (*Handler, history.Store) {
	t.Helper()
	store, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewHandler(store, logging.NewLogger(logging.FATAL, false)), store
}

func seedRun(t *testing.T, store history.Store, report string) *models.Run {
	t.Helper()
	run := models.NewRun("gisbatch01", []string{"cra", "report"}, []string{"BASE"})
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.CompleteRun(run.ID, models.RunStatusCompleted, "", report); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if err := store.RecordPhases(run.ID, []models.PhaseResult{
		{RunID: run.ID, Label: "compress", Seconds: 12.5, Pairs: 1},
	}); err != nil {
		t.Fatalf("RecordPhases: %v", err)
	}
	return run
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := testHandler(t)
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestListRuns(t *testing.T) {
	h, store := testHandler(t)
	seedRun(t, store, "")

	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Count int           `json:"count"`
		Runs  []*models.Run `json:"runs"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || len(resp.Runs) != 1 {
		t.Errorf("count = %d, runs = %d", resp.Count, len(resp.Runs))
	}
	if resp.Runs[0].Host != "gisbatch01" {
		t.Errorf("host = %q", resp.Runs[0].Host)
	}
}

func TestListRunsBadLimit(t *testing.T) {
	h, _ := testHandler(t)
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=bogus", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestLatestReport(t *testing.T) {
	h, store := testHandler(t)
	seedRun(t, store, "compress: 12.5 seconds\nmain: 60.0 seconds")

	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/runs/latest/report", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "compress: 12.5 seconds") {
		t.Errorf("report body = %q", rr.Body.String())
	}
}

func TestLatestReportEmptyStore(t *testing.T) {
	h, _ := testHandler(t)
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/runs/latest/report", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestGetRunAndPhases(t *testing.T) {
	h, store := testHandler(t)
	run := seedRun(t, store, "")

	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get run status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID+"/phases", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get phases status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"compress"`) {
		t.Errorf("phases body = %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/runs/unknown", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, store := testHandler(t)
	seedRun(t, store, "")

	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"gdbmaint_runs_total",
		"gdbmaint_last_run_success 1",
		`gdbmaint_phase_duration_seconds{phase="compress"} 12.500`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
