// Package postgres provides a PostgreSQL-backed implementation of
// [memory.Store]: the conversation log and the settings table share a single
// [pgxpool.Pool].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.WriteEntry(ctx, entry)
//	_ = store.PutSetting(ctx, "audioPermissionGranted", "true", 24*time.Hour)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessionEntries = `
CREATE TABLE IF NOT EXISTS session_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    name        TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_entries_session_id
    ON session_entries (session_id, id);

CREATE INDEX IF NOT EXISTS idx_session_entries_timestamp
    ON session_entries (timestamp);
`

const ddlSettings = `
CREATE TABLE IF NOT EXISTS settings (
    key         TEXT         PRIMARY KEY,
    value       TEXT         NOT NULL,
    expires_at  TIMESTAMPTZ,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures all required tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessionEntries, ddlSettings} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
