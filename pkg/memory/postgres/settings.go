package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetSetting implements [memory.SettingsStore]. Expired rows are treated as
// absent and left for the next PutSetting or DeleteSetting to overwrite.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	const q = `
		SELECT value FROM settings
		WHERE  key = $1
		  AND  (expires_at IS NULL OR expires_at > now())`

	var value string
	err := s.pool.QueryRow(ctx, q, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("settings: get %q: %w", key, err)
	}
	return value, true, nil
}

// PutSetting implements [memory.SettingsStore].
func (s *Store) PutSetting(ctx context.Context, key, value string, ttl time.Duration) error {
	const q = `
		INSERT INTO settings (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`

	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	if _, err := s.pool.Exec(ctx, q, key, value, expires); err != nil {
		return fmt.Errorf("settings: put %q: %w", key, err)
	}
	return nil
}

// DeleteSetting implements [memory.SettingsStore].
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, key); err != nil {
		return fmt.Errorf("settings: delete %q: %w", key, err)
	}
	return nil
}
