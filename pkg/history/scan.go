package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sde-tools/gdbmaint/pkg/models"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run         models.Run
		modes       string
		conns       sql.NullString
		status      string
		completedAt sql.NullTime
		errMsg      sql.NullString
		report      sql.NullString
	)
	err := row.Scan(&run.ID, &run.Host, &modes, &conns, &status,
		&run.StartedAt, &completedAt, &errMsg, &report)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: scan run: %w", err)
	}

	if err := json.Unmarshal([]byte(modes), &run.Modes); err != nil {
		return nil, fmt.Errorf("history: unmarshal modes: %w", err)
	}
	if conns.Valid && conns.String != "" {
		if err := json.Unmarshal([]byte(conns.String), &run.Connections); err != nil {
			return nil, fmt.Errorf("history: unmarshal connections: %w", err)
		}
	}
	run.Status = models.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time
	}
	run.Error = errMsg.String
	run.Report = report.String
	return &run, nil
}

func scanPhases(rows *sql.Rows) ([]models.PhaseResult, error) {
	var phases []models.PhaseResult
	for rows.Next() {
		var (
			p      models.PhaseResult
			reason sql.NullString
		)
		if err := rows.Scan(&p.RunID, &p.Label, &p.Seconds, &p.Pairs,
			&p.SkippedPairs, &p.Skipped, &reason); err != nil {
			return nil, fmt.Errorf("history: scan phase: %w", err)
		}
		p.Reason = reason.String
		phases = append(phases, p)
	}
	return phases, rows.Err()
}
