package toolkit

import (
	"context"
	"errors"
)

// Version is one named edit version in the geodatabase. Any version besides
// the DEFAULT version pins state rows and prevents full compression.
type Version struct {
	Name  string
	Owner string
}

// Toolkit is the set of maintenance operations the runner sequences. The
// operations are opaque: latency and storage side effects belong to the
// backing system, the runner only cares about ordering and errors.
//
// One Toolkit wraps one database connection; the runner holds one per
// configured connection plus one for the administrative connection.
type Toolkit interface {
	// ListDatasets enumerates the datasets owned by the connection's user.
	ListDatasets(ctx context.Context) ([]string, error)

	// ListVersions enumerates edit versions visible to the connection.
	ListVersions(ctx context.Context) ([]Version, error)

	// AnalyzeDatasets refreshes statistics. With system set, the repository's
	// own system tables are analyzed instead of the named datasets; that
	// requires an administrative connection.
	AnalyzeDatasets(ctx context.Context, datasets []string, system bool) error

	// Compress reclaims storage. Must run on the administrative connection.
	Compress(ctx context.Context) error

	// RebuildIndexes rebuilds indexes for the named datasets, or for the
	// repository system tables when system is set.
	RebuildIndexes(ctx context.Context, datasets []string, system bool) error

	// AcceptConnections toggles whether the database accepts new sessions.
	AcceptConnections(ctx context.Context, accept bool) error

	// DisconnectAll terminates every other session on the database.
	DisconnectAll(ctx context.Context) error

	Close() error
}

var (
	// ErrNotAdmin is returned by operations that need an administrative
	// connection when invoked on an owner connection.
	ErrNotAdmin = errors.New("toolkit: operation requires the administrative connection")
)
