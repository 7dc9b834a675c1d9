package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus tracks the lifecycle of one maintenance run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one maintenance run across a set of database connections.
type Run struct {
	ID          string    `json:"id"`
	Host        string    `json:"host"`
	Modes       []string  `json:"modes"`
	Connections []string  `json:"connections"` // short connection ids, not DSNs
	Status      RunStatus `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty"`
	Report      string    `json:"report,omitempty"` // rendered timer report
}

// NewRun creates a run in the running state with a fresh id.
func NewRun(host string, modes, connections []string) *Run {
	return &Run{
		ID:          uuid.New().String(),
		Host:        host,
		Modes:       modes,
		Connections: connections,
		Status:      RunStatusRunning,
		StartedAt:   time.Now(),
	}
}

// Duration returns the wall time of the run so far, or the final duration
// once completed.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// PhaseResult is the persisted per-label timing outcome for a run.
type PhaseResult struct {
	RunID        string  `json:"run_id"`
	Label        string  `json:"label"`
	Seconds      float64 `json:"seconds"`
	Pairs        int     `json:"pairs"`
	SkippedPairs int     `json:"skipped_pairs"`
	Skipped      bool    `json:"skipped"`
	Reason       string  `json:"reason,omitempty"`
}
