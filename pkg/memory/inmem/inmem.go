// Package inmem provides a process-local [memory.Store]. Nothing survives a
// restart; it is the default backend for the console and for tests.
package inmem

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/opendialogue/pkg/memory"
	"github.com/MrWong99/opendialogue/pkg/types"
)

var _ memory.Store = (*Store)(nil)

type setting struct {
	value   string
	expires time.Time // zero: never
}

// Store is an in-memory [memory.Store]. The zero value is not usable; call
// [New].
type Store struct {
	mu       sync.RWMutex
	entries  []types.LogEntry // all sessions, in write order
	settings map[string]setting
	now      func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{settings: make(map[string]setting), now: time.Now}
}

// WriteEntry implements [memory.SessionStore].
func (s *Store) WriteEntry(_ context.Context, entry types.LogEntry) error {
	if entry.SessionID == "" {
		return memory.ErrEmptySessionID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return nil
}

// GetRecent implements [memory.SessionStore].
func (s *Store) GetRecent(_ context.Context, sessionID string, limit int) ([]types.LogEntry, error) {
	if sessionID == "" {
		return nil, memory.ErrEmptySessionID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.LogEntry{}
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return memory.Tail(out, limit), nil
}

// Search implements [memory.SessionStore].
func (s *Store) Search(_ context.Context, query string, opts memory.SearchOpts) ([]types.LogEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = memory.DefaultSearchLimit
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.LogEntry{}
	for _, e := range s.entries {
		if len(out) == limit {
			break
		}
		switch {
		case opts.SessionID != "" && e.SessionID != opts.SessionID,
			opts.Role != "" && e.Message.Role != opts.Role,
			!opts.After.IsZero() && !e.Timestamp.After(opts.After),
			!opts.Before.IsZero() && !e.Timestamp.Before(opts.Before),
			!strings.Contains(strings.ToLower(e.Message.Content), needle):
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ClearSession implements [memory.SessionStore].
func (s *Store) ClearSession(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return memory.ErrEmptySessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	clear(s.entries[len(kept):])
	s.entries = kept
	return nil
}

// GetSetting implements [memory.SettingsStore].
func (s *Store) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	if !ok || (!v.expires.IsZero() && !s.now().Before(v.expires)) {
		return "", false, nil
	}
	return v.value, true, nil
}

// PutSetting implements [memory.SettingsStore].
func (s *Store) PutSetting(_ context.Context, key, value string, ttl time.Duration) error {
	v := setting{value: value}
	if ttl > 0 {
		v.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.settings[key] = v
	s.mu.Unlock()
	return nil
}

// DeleteSetting implements [memory.SettingsStore].
func (s *Store) DeleteSetting(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.settings, key)
	s.mu.Unlock()
	return nil
}

// Close implements [memory.Store]. It is a no-op.
func (s *Store) Close() error { return nil }
