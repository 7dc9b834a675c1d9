package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sde-tools/gdbmaint/pkg/models"
)

// PostgresStore implements Store using PostgreSQL, for sites that want run
// history next to the geodatabase instead of a local file.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed history store.
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("history: PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(5)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		modes JSONB NOT NULL,
		connections JSONB,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		error TEXT,
		report TEXT
	);

	CREATE TABLE IF NOT EXISTS run_phases (
		run_id TEXT NOT NULL REFERENCES runs(id),
		label TEXT NOT NULL,
		seconds DOUBLE PRECISION NOT NULL,
		pairs INTEGER NOT NULL,
		skipped_pairs INTEGER NOT NULL,
		skipped BOOLEAN NOT NULL,
		reason TEXT,
		PRIMARY KEY (run_id, label)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a run in the running state.
func (s *PostgresStore) CreateRun(run *models.Run) error {
	modes, err := json.Marshal(run.Modes)
	if err != nil {
		return fmt.Errorf("history: marshal modes: %w", err)
	}
	conns, err := json.Marshal(run.Connections)
	if err != nil {
		return fmt.Errorf("history: marshal connections: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, host, modes, connections, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Host, string(modes), string(conns), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}
	return nil
}

// CompleteRun records the final status, error text and rendered report.
func (s *PostgresStore) CompleteRun(id string, status models.RunStatus, errMsg, report string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = $1, completed_at = $2, error = $3, report = $4
		WHERE id = $5`,
		string(status), time.Now(), errMsg, report, id,
	)
	if err != nil {
		return fmt.Errorf("history: complete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecordPhases attaches the per-label timing results to a run.
func (s *PostgresStore) RecordPhases(runID string, phases []models.PhaseResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("history: begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO run_phases (run_id, label, seconds, pairs, skipped_pairs, skipped, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, label) DO UPDATE
		SET seconds = EXCLUDED.seconds, pairs = EXCLUDED.pairs,
		    skipped_pairs = EXCLUDED.skipped_pairs, skipped = EXCLUDED.skipped,
		    reason = EXCLUDED.reason`)
	if err != nil {
		return fmt.Errorf("history: prepare phase insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range phases {
		if _, err := stmt.Exec(runID, p.Label, p.Seconds, p.Pairs, p.SkippedPairs, p.Skipped, p.Reason); err != nil {
			return fmt.Errorf("history: insert phase %s: %w", p.Label, err)
		}
	}
	return tx.Commit()
}

// GetRun fetches one run by id.
func (s *PostgresStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, host, modes, connections, status, started_at, completed_at, error, report
		FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// LastRun fetches the most recently started run.
func (s *PostgresStore) LastRun() (*models.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, host, modes, connections, status, started_at, completed_at, error, report
		FROM runs ORDER BY started_at DESC LIMIT 1`)
	return scanRun(row)
}

// ListRuns fetches the most recent runs, newest first.
func (s *PostgresStore) ListRuns(limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, host, modes, connections, status, started_at, completed_at, error, report
		FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetPhases fetches the phase results of a run, ordered by label.
func (s *PostgresStore) GetPhases(runID string) ([]models.PhaseResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, label, seconds, pairs, skipped_pairs, skipped, reason
		FROM run_phases WHERE run_id = $1 ORDER BY label`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: get phases: %w", err)
	}
	defer rows.Close()
	return scanPhases(rows)
}

// HealthCheck verifies the store is reachable.
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
