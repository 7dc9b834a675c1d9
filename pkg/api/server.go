package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sde-tools/gdbmaint/pkg/history"
	"github.com/sde-tools/gdbmaint/pkg/logging"
	"github.com/sde-tools/gdbmaint/pkg/metrics"
	"github.com/sde-tools/gdbmaint/pkg/ratelimit"
)

// Handler exposes run history and metrics over HTTP so dashboards and
// on-call can check maintenance state without a database client.
type Handler struct {
	store   history.Store
	log     *logging.Logger
	limiter *ratelimit.Limiter
}

// NewHandler creates the status API handler.
func NewHandler(store history.Store, log *logging.Logger) *Handler {
	return &Handler{
		store:   store,
		log:     log,
		limiter: ratelimit.NewLimiter(10, 20),
	}
}

// Router builds the HTTP router with all routes registered.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(h.limiter.Middleware)

	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.NewExporter(h.store)).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runs", h.handleListRuns).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runs/latest", h.handleLatestRun).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runs/latest/report", h.handleLatestReport).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runs/{id}", h.handleGetRun).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runs/{id}/phases", h.handleGetPhases).Methods(http.MethodGet)
	return router
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			h.writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(limit)
	if err != nil {
		h.log.Error("list runs failed", map[string]interface{}{"error": err.Error()})
		h.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

func (h *Handler) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.LastRun()
	if errors.Is(err, history.ErrRunNotFound) {
		h.writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.LastRun()
	if errors.Is(err, history.ErrRunNotFound) {
		h.writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(run.Report))
	if run.Report != "" {
		w.Write([]byte("\n"))
	}
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.store.GetRun(id)
	if errors.Is(err, history.ErrRunNotFound) {
		h.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleGetPhases(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetRun(id); errors.Is(err, history.ErrRunNotFound) {
		h.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	phases, err := h.store.GetPhases(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to fetch phases")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"phases": phases, "count": len(phases)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encode response failed", map[string]interface{}{"error": err.Error()})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
