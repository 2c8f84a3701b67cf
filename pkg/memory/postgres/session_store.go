package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/opendialogue/pkg/memory"
	"github.com/MrWong99/opendialogue/pkg/types"
)

// WriteEntry implements [memory.SessionStore].
func (s *Store) WriteEntry(ctx context.Context, entry types.LogEntry) error {
	if entry.SessionID == "" {
		return memory.ErrEmptySessionID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	const q = `
		INSERT INTO session_entries (session_id, role, name, content, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		entry.SessionID,
		entry.Message.Role,
		entry.Message.Name,
		entry.Message.Content,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("session store: write entry: %w", err)
	}
	return nil
}

// GetRecent implements [memory.SessionStore]. The newest limit rows are
// selected in descending id order and re-sorted ascending.
func (s *Store) GetRecent(ctx context.Context, sessionID string, limit int) ([]types.LogEntry, error) {
	if sessionID == "" {
		return nil, memory.ErrEmptySessionID
	}

	q := `
		SELECT session_id, role, name, content, timestamp FROM (
		    SELECT id, session_id, role, name, content, timestamp
		    FROM   session_entries
		    WHERE  session_id = $1
		    ORDER  BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += "\n\t\t    LIMIT $2"
		args = append(args, limit)
	}
	q += `
		) recent
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: get recent: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [memory.SessionStore]. Matching is a case-insensitive
// substring test, which works for Japanese text where the english full-text
// configuration would not.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]types.LogEntry, error) {
	args := []any{"%" + escapeLike(query) + "%"}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{`content ILIKE $1 ESCAPE '\'`}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(opts.Role))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = memory.DefaultSearchLimit
	}

	q := "SELECT session_id, role, name, content, timestamp\n" +
		"FROM   session_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY id\n" +
		"LIMIT  " + next(limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: search: %w", err)
	}
	return collectEntries(rows)
}

// ClearSession implements [memory.SessionStore].
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return memory.ErrEmptySessionID
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_entries WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("session store: clear session: %w", err)
	}
	return nil
}

// collectEntries scans pgx rows into a slice of LogEntry values.
func collectEntries(rows pgx.Rows) ([]types.LogEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.LogEntry, error) {
		var e types.LogEntry
		if err := row.Scan(
			&e.SessionID,
			&e.Message.Role,
			&e.Message.Name,
			&e.Message.Content,
			&e.Timestamp,
		); err != nil {
			return types.LogEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []types.LogEntry{}
	}
	return entries, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
