package prefs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationServerPreferences is the SQL DDL for the server_preferences
// table. It is safe to execute multiple times (uses IF NOT EXISTS); the
// serve command runs it at startup when a database is configured.
const MigrationServerPreferences = `
CREATE TABLE IF NOT EXISTS server_preferences (
    session_key TEXT PRIMARY KEY,
    endpoint    TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface required by PGStore. Both
// *pgxpool.Pool (via a thin adapter) and test mocks implement it.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGStore is a PostgreSQL-backed Store. Preferences survive process
// restarts, so a returning session lands on the server it used last.
type PGStore struct {
	db pgConn
}

// NewPGStore creates a PG-backed store. The db parameter must satisfy the
// pgConn interface -- use NewPGStoreFromPool to wrap a *pgxpool.Pool, or
// pass a mock in tests.
func NewPGStore(db pgConn) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the server_preferences table if it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.Exec(ctx, MigrationServerPreferences); err != nil {
		return fmt.Errorf("ensure server_preferences schema: %w", err)
	}
	return nil
}

// ActiveEndpoint implements Store.
func (s *PGStore) ActiveEndpoint(ctx context.Context, sessionKey string) (string, error) {
	const query = `SELECT endpoint FROM server_preferences WHERE session_key = $1`

	var endpoint string
	if err := s.db.QueryRow(ctx, query, sessionKey).Scan(&endpoint); err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("get server preference: %w", err)
	}
	return endpoint, nil
}

// SetActiveEndpoint implements Store. It inserts or replaces (upsert) the
// session's preference.
func (s *PGStore) SetActiveEndpoint(ctx context.Context, sessionKey, endpoint string) error {
	const query = `INSERT INTO server_preferences (session_key, endpoint, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (session_key) DO UPDATE SET endpoint   = EXCLUDED.endpoint,
                                        updated_at = now()`

	if err := s.db.Exec(ctx, query, sessionKey, endpoint); err != nil {
		return fmt.Errorf("save server preference: %w", err)
	}
	return nil
}

// PruneStale deletes preferences not touched within maxAge. Session cookies
// expire client-side, so rows for long-gone sessions only accumulate; the
// serve command prunes them at startup.
func (s *PGStore) PruneStale(ctx context.Context, maxAge time.Duration) error {
	const query = `DELETE FROM server_preferences WHERE updated_at < $1`

	cutoff := time.Now().Add(-maxAge)
	if err := s.db.Exec(ctx, query, cutoff); err != nil {
		return fmt.Errorf("prune server preferences: %w", err)
	}
	return nil
}

// isNoRows returns true when the error represents a "no rows" condition.
// It works with both pgx (pgx.ErrNoRows) and the mock used in tests.
func isNoRows(err error) bool {
	if err == pgx.ErrNoRows {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// pgxPoolWrapper wraps a *pgxpool.Pool so it satisfies the pgConn interface.
// The adapter is necessary because pgxpool.Pool.Exec returns
// (pgconn.CommandTag, error) whereas pgConn.Exec returns only error.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}

// NewPGStoreFromPool creates a PG-backed store directly from a
// *pgxpool.Pool. This is the constructor production code uses.
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	return &PGStore{db: &pgxPoolWrapper{pool: pool}}
}
