package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sde-tools/gdbmaint/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the history store. It is
// the default: one file next to the tool, nothing to provision.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL plus a busy timeout so a report command can read while a run is
	// writing; single writer to avoid SQLITE_BUSY on inserts.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		modes TEXT NOT NULL,
		connections TEXT,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		error TEXT,
		report TEXT
	);

	CREATE TABLE IF NOT EXISTS run_phases (
		run_id TEXT NOT NULL,
		label TEXT NOT NULL,
		seconds REAL NOT NULL,
		pairs INTEGER NOT NULL,
		skipped_pairs INTEGER NOT NULL,
		skipped BOOLEAN NOT NULL,
		reason TEXT,
		PRIMARY KEY (run_id, label),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a run in the running state.
func (s *SQLiteStore) CreateRun(run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Host, string(modes), string(conns), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}
	return nil
}

// CompleteRun records the final status, error text and rendered report.
func (s *SQLiteStore) CompleteRun(id string, status models.RunStatus, errMsg, report string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = ?, error = ?, report = ?
		WHERE id = ?`,
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
func (s *SQLiteStore) RecordPhases(runID string, phases []models.PhaseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("history: begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO run_phases (run_id, label, seconds, pairs, skipped_pairs, skipped, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
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
func (s *SQLiteStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, host, modes, connections, status, started_at, completed_at, error, report
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// LastRun fetches the most recently started run.
func (s *SQLiteStore) LastRun() (*models.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, host, modes, connections, status, started_at, completed_at, error, report
		FROM runs ORDER BY started_at DESC LIMIT 1`)
	return scanRun(row)
}

// ListRuns fetches the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, host, modes, connections, status, started_at, completed_at, error, report
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
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
func (s *SQLiteStore) GetPhases(runID string) ([]models.PhaseResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, label, seconds, pairs, skipped_pairs, skipped, reason
		FROM run_phases WHERE run_id = ? ORDER BY label`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: get phases: %w", err)
	}
	defer rows.Close()
	return scanPhases(rows)
}

// HealthCheck verifies the store is reachable.
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
