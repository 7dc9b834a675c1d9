package history

import (
	"errors"
	"time"

	"github.com/sde-tools/gdbmaint/pkg/models"
)

// Store persists maintenance runs and their per-phase timings.
// Both SQLite and PostgreSQL implement this interface.
type Store interface {
	// CreateRun inserts a run in the running state.
	CreateRun(run *models.Run) error
	// CompleteRun records the final status, error text and rendered report.
	CompleteRun(id string, status models.RunStatus, errMsg, report string) error
	// RecordPhases attaches the per-label timing results to a run.
	RecordPhases(runID string, phases []models.PhaseResult) error

	GetRun(id string) (*models.Run, error)
	LastRun() (*models.Run, error)
	ListRuns(limit int) ([]*models.Run, error)
	GetPhases(runID string) ([]models.PhaseResult, error)

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds database configuration for the history store.
type Config struct {
	Type string // "sqlite" or "postgres"
	DSN  string // connection string (postgres) or file path (sqlite)

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SQLite specific
	Path string
}

var (
	ErrRunNotFound         = errors.New("history: run not found")
	ErrUnsupportedDatabase = errors.New("history: unsupported database type")
)

// NewStore creates a store based on configuration, defaulting to SQLite.
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "gdbmaint.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
