package toolkit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresToolkit implements Toolkit against an enterprise geodatabase
// hosted on PostgreSQL. Statistics, compression and index maintenance map
// onto ANALYZE, VACUUM and REINDEX; version bookkeeping is read from the
// sde repository schema when present.
type PostgresToolkit struct {
	db    *sql.DB
	admin bool
}

// Config holds connection settings for one toolkit instance.
type Config struct {
	DSN   string
	Admin bool // administrative connection (compress, block, kick)

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgres opens a toolkit over a PostgreSQL DSN.
func NewPostgres(cfg Config) (*PostgresToolkit, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("toolkit: DSN is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("toolkit: open connection: %w", err)
	}

	// Maintenance statements serialize anyway; a small pool is plenty.
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(2)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("toolkit: ping: %w", err)
	}

	return &PostgresToolkit{db: db, admin: cfg.Admin}, nil
}

// ListDatasets returns the tables owned by the current user, schema-qualified.
func (t *PostgresToolkit) ListDatasets(ctx context.Context) ([]string, error) {
	const q = `
		SELECT schemaname, tablename
		FROM pg_tables
		WHERE tableowner = current_user
		  AND schemaname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY schemaname, tablename`

	rows, err := t.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("toolkit: list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []string
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return nil, fmt.Errorf("toolkit: scan dataset row: %w", err)
		}
		datasets = append(datasets, schema+"."+table)
	}
	return datasets, rows.Err()
}

// ListVersions reads the sde repository's version table. A database without
// the repository schema reports just the implicit DEFAULT version.
func (t *PostgresToolkit) ListVersions(ctx context.Context) ([]Version, error) {
	var present bool
	err := t.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_tables WHERE schemaname = 'sde' AND tablename = 'sde_versions')`,
	).Scan(&present)
	if err != nil {
		return nil, fmt.Errorf("toolkit: probe version table: %w", err)
	}
	if !present {
		return []Version{{Name: "DEFAULT", Owner: "sde"}}, nil
	}

	rows, err := t.db.QueryContext(ctx, `SELECT name, owner FROM sde.sde_versions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("toolkit: list versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.Name, &v.Owner); err != nil {
			return nil, fmt.Errorf("toolkit: scan version row: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// AnalyzeDatasets refreshes planner statistics. System mode analyzes the sde
// repository tables and requires the administrative connection.
func (t *PostgresToolkit) AnalyzeDatasets(ctx context.Context, datasets []string, system bool) error {
	if system {
		if !t.admin {
			return ErrNotAdmin
		}
		if _, err := t.db.ExecContext(ctx, `ANALYZE`); err != nil {
			return fmt.Errorf("toolkit: analyze system: %w", err)
		}
		return nil
	}

	for _, ds := range datasets {
		stmt := fmt.Sprintf(`ANALYZE %s`, quoteQualified(ds))
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("toolkit: analyze %s: %w", ds, err)
		}
	}
	return nil
}

// Compress reclaims storage across the database.
func (t *PostgresToolkit) Compress(ctx context.Context) error {
	if !t.admin {
		return ErrNotAdmin
	}
	if _, err := t.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("toolkit: compress: %w", err)
	}
	return nil
}

// RebuildIndexes rebuilds indexes per dataset so one locked dataset fails
// alone instead of aborting the batch; the caller decides whether to retry.
func (t *PostgresToolkit) RebuildIndexes(ctx context.Context, datasets []string, system bool) error {
	if system {
		if !t.admin {
			return ErrNotAdmin
		}
		if _, err := t.db.ExecContext(ctx, `REINDEX SYSTEM`); err != nil {
			return fmt.Errorf("toolkit: reindex system: %w", err)
		}
		return nil
	}

	for _, ds := range datasets {
		stmt := fmt.Sprintf(`REINDEX TABLE %s`, quoteQualified(ds))
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("toolkit: reindex %s: %w", ds, err)
		}
	}
	return nil
}

// AcceptConnections toggles new sessions for the current database.
func (t *PostgresToolkit) AcceptConnections(ctx context.Context, accept bool) error {
	if !t.admin {
		return ErrNotAdmin
	}
	var dbname string
	if err := t.db.QueryRowContext(ctx, `SELECT current_database()`).Scan(&dbname); err != nil {
		return fmt.Errorf("toolkit: current database: %w", err)
	}
	stmt := fmt.Sprintf(`ALTER DATABASE %s WITH ALLOW_CONNECTIONS %t`, quoteIdent(dbname), accept)
	if _, err := t.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("toolkit: accept connections %t: %w", accept, err)
	}
	return nil
}

// DisconnectAll terminates every other session on the current database.
func (t *PostgresToolkit) DisconnectAll(ctx context.Context) error {
	if !t.admin {
		return ErrNotAdmin
	}
	const q = `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = current_database()
		  AND pid <> pg_backend_pid()`
	if _, err := t.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("toolkit: disconnect sessions: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (t *PostgresToolkit) Close() error {
	return t.db.Close()
}

// quoteQualified quotes a possibly schema-qualified name part by part.
func quoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
