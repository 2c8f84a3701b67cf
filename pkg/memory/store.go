// Package memory defines the persistence contracts used by opendialogue.
//
// Two concerns are covered:
//
//   - [SessionStore]: the append-only conversation log of one or more chat
//     sessions. Entries are returned in chronological order.
//   - [SettingsStore]: small key/value settings with an optional expiry, such
//     as the persisted playback permission grant.
//
// Backends live in sub-packages (memory/inmem, memory/postgres,
// memory/redisstore). All interfaces are public so that external packages can
// supply alternative backends without depending on opendialogue internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/opendialogue/pkg/types"
)

// ErrEmptySessionID is returned by [SessionStore] methods called without a
// session id.
var ErrEmptySessionID = errors.New("memory: empty session id")

// SearchOpts configures a keyword search over logged entries.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// After filters entries recorded after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// Role restricts results to one message role.
	Role string

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// DefaultSearchLimit is applied by backends when [SearchOpts.Limit] is zero.
const DefaultSearchLimit = 50

// SessionStore is the conversation log.
type SessionStore interface {
	// WriteEntry appends entry to the log of entry.SessionID. A zero
	// Timestamp is replaced with the current time.
	WriteEntry(ctx context.Context, entry types.LogEntry) error

	// GetRecent returns the last limit entries of sessionID, oldest first.
	// A limit of zero or less returns the whole session.
	// Returns an empty (non-nil) slice when the session has no entries.
	GetRecent(ctx context.Context, sessionID string, limit int) ([]types.LogEntry, error)

	// Search returns entries whose content contains query, oldest first.
	// Returns an empty (non-nil) slice when nothing matches.
	Search(ctx context.Context, query string, opts SearchOpts) ([]types.LogEntry, error)

	// ClearSession removes every entry of sessionID. Clearing an unknown
	// session is not an error.
	ClearSession(ctx context.Context, sessionID string) error
}

// SettingsStore holds string settings with an optional time-to-live.
type SettingsStore interface {
	// GetSetting returns the value of key. ok is false when the key is absent
	// or expired.
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)

	// PutSetting stores value under key. A ttl of zero or less never expires.
	PutSetting(ctx context.Context, key, value string, ttl time.Duration) error

	// DeleteSetting removes key. Deleting an absent key is not an error.
	DeleteSetting(ctx context.Context, key string) error
}

// Store bundles both concerns behind one backend.
type Store interface {
	SessionStore
	SettingsStore

	// Close releases the backend's resources.
	Close() error
}

// Tail returns the last limit entries of entries. A limit of zero or less
// returns entries unchanged.
func Tail(entries []types.LogEntry, limit int) []types.LogEntry {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	return entries[len(entries)-limit:]
}
