package conversation

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/opendialogue/pkg/memory"
	"github.com/MrWong99/opendialogue/pkg/types"
)

// LogGuard wraps a [memory.SessionStore] and makes all operations
// non-fatal. If the underlying store fails, operations return defaults
// and log warnings instead of propagating errors, so a turn keeps going
// while the log backend is unavailable. [LogGuard.IsDegraded] reports
// whether the most recent operation failed.
//
// All methods are safe for concurrent use.
type LogGuard struct {
	store    memory.SessionStore
	degraded atomic.Bool
}

// NewLogGuard creates a new [LogGuard] wrapping store.
func NewLogGuard(store memory.SessionStore) *LogGuard {
	return &LogGuard{store: store}
}

func (g *LogGuard) track(err error) bool {
	g.degraded.Store(err != nil)
	return err == nil
}

// WriteEntry appends entry to the underlying store. On failure the error is
// logged and swallowed.
func (g *LogGuard) WriteEntry(ctx context.Context, entry types.LogEntry) error {
	if !g.track(g.store.WriteEntry(ctx, entry)) {
		slog.Warn("conversation: log write failed, entry dropped",
			"session_id", entry.SessionID, "role", entry.Message.Role)
	}
	return nil
}

// GetRecent reads the newest limit entries. On failure an empty slice is
// returned.
func (g *LogGuard) GetRecent(ctx context.Context, sessionID string, limit int) ([]types.LogEntry, error) {
	entries, err := g.store.GetRecent(ctx, sessionID, limit)
	if !g.track(err) {
		slog.Warn("conversation: log read failed, continuing without history",
			"session_id", sessionID, "err", err)
		return []types.LogEntry{}, nil
	}
	return entries, nil
}

// Search runs a keyword search. On failure an empty slice is returned.
func (g *LogGuard) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]types.LogEntry, error) {
	entries, err := g.store.Search(ctx, query, opts)
	if !g.track(err) {
		slog.Warn("conversation: log search failed, returning empty", "query", query, "err", err)
		return []types.LogEntry{}, nil
	}
	return entries, nil
}

// ClearSession deletes the session's entries. On failure the error is logged
// and swallowed.
func (g *LogGuard) ClearSession(ctx context.Context, sessionID string) error {
	if err := g.store.ClearSession(ctx, sessionID); !g.track(err) {
		slog.Warn("conversation: log clear failed", "session_id", sessionID, "err", err)
	}
	return nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *LogGuard) IsDegraded() bool {
	return g.degraded.Load()
}

var _ memory.SessionStore = (*LogGuard)(nil)
