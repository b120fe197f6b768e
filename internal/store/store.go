// Package store implements the DbQuery effect backend: a single
// *pgxpool.Pool dialed once at startup, never per-request.
//
// DbQuery is schema-agnostic: the SQL text and bind parameters arrive
// from the step layer via Effect params, and the result set is
// re-encoded as JSON for the destination slot rather than scanned into
// a domain struct.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a Postgres connection pool for the DbQuery effect handler.
type Store struct {
	pool *pgxpool.Pool
}

// New dials dsn and verifies connectivity before returning.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pgxpool.Pool for the connpool lease
// wrapper (the "effector workers only" rule is enforced by the
// effect dispatcher, not here).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Row is one result row, keyed by column name, ready for json.Marshal.
type Row map[string]any

// Querier is satisfied by both *pgxpool.Pool and *pgxpool.Conn, so Query
// can run against either a pool directly or a single leased connection.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Query runs sql with positional args and returns every row re-keyed by
// column name. Binary/complex pgx types are returned as whatever pgx's
// default type mapping produces — this is a generic JSON-relay path, not
// a typed ORM.
func Query(ctx context.Context, q Querier, sql string, args []any) ([]Row, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = string(f.Name)
	}

	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if i < len(vals) {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Exec runs a statement that returns no rows (INSERT/UPDATE/DELETE
// without RETURNING) and reports the affected row count.
func Exec(ctx context.Context, pool *pgxpool.Pool, sql string, args []any) (int64, error) {
	tag, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ErrNoRows re-exports pgx.ErrNoRows so callers need not import pgx
// directly for this one comparison.
var ErrNoRows = pgx.ErrNoRows
