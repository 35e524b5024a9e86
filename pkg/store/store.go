// Package store is the persistence layer of the pipeline. It owns the
// durable tables (requests, packages, package status, scans, licence
// policy, audit log) and exposes entity-scoped operations instead of
// raw SQL. All status mutation goes through compare-and-set
// transitions so that concurrent workers make at most one forward
// step per stage.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrStatusConflict is returned when a CAS transition finds the row
	// in a different status than expected. Workers treat it as "another
	// worker won" and skip silently.
	ErrStatusConflict = errors.New("status changed concurrently")
	// ErrIllegalTransition is returned for transitions the state
	// machine does not permit at all.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrDuplicate is returned when a uniqueness constraint would be
	// violated.
	ErrDuplicate = errors.New("duplicate entity")
)

// timeLayout is a fixed-width RFC3339 variant (zero-padded
// nanoseconds, UTC only) so that stored timestamps compare
// lexicographically in the same order as chronologically. The stuck
// sweep relies on this.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the single persistence abstraction shared by the HTTP
// surface (request-scoped calls) and the stage workers (three-phase
// claim/work/commit protocol). It speaks Postgres in production and
// SQLite for tests and single-node deployments.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		// Worker pools share this handle; SQLite permits one writer.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, driver: driver}, nil
}

// NewWithDB wraps an existing handle. Used by tests (sqlmock).
func NewWithDB(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Backdate rewrites a package's updated_at, simulating a worker that
// claimed the row and died. Test helper; production code never moves
// updated_at backwards.
func (s *Store) Backdate(ctx context.Context, packageID string, to time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE package_status SET updated_at = ? WHERE package_id = ?`,
		fmtTime(to), packageID)
	return err
}

// rebind rewrites ?-placeholders to $N for Postgres. Queries in this
// package are written with ? and never contain a literal question
// mark.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// fmtTime formats t for storage.
func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp, tolerating plain RFC3339 for
// rows written by external tooling.
func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}
