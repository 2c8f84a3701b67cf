// Package mock provides a test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported *Err fields that force failures. Successful calls are served by an
// in-memory backend, so reads observe earlier writes. The mock is safe for
// concurrent use.
//
// Typical usage:
//
//	store := mock.New()
//	store.PutSettingErr = errors.New("disk full")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("PutSetting"); got != 1 {
//	    t.Errorf("expected 1 PutSetting call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/opendialogue/pkg/memory"
	"github.com/MrWong99/opendialogue/pkg/memory/inmem"
	"github.com/MrWong99/opendialogue/pkg/types"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu      sync.Mutex
	calls   []Call
	backend *inmem.Store

	// WriteEntryErr is returned by WriteEntry when non-nil.
	WriteEntryErr error

	// GetRecentErr is returned by GetRecent when non-nil.
	GetRecentErr error

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// GetSettingErr is returned by GetSetting when non-nil.
	GetSettingErr error

	// PutSettingErr is returned by PutSetting when non-nil.
	PutSettingErr error

	// DeleteSettingErr is returned by DeleteSetting when non-nil.
	DeleteSettingErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{backend: inmem.New()}
}

func (m *Store) record(method string, args ...any) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	m.mu.Unlock()
}

func (m *Store) fail(err *error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *err
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WriteEntry implements [memory.SessionStore].
func (m *Store) WriteEntry(ctx context.Context, entry types.LogEntry) error {
	m.record("WriteEntry", entry)
	if err := m.fail(&m.WriteEntryErr); err != nil {
		return err
	}
	return m.backend.WriteEntry(ctx, entry)
}

// GetRecent implements [memory.SessionStore].
func (m *Store) GetRecent(ctx context.Context, sessionID string, limit int) ([]types.LogEntry, error) {
	m.record("GetRecent", sessionID, limit)
	if err := m.fail(&m.GetRecentErr); err != nil {
		return nil, err
	}
	return m.backend.GetRecent(ctx, sessionID, limit)
}

// Search implements [memory.SessionStore].
func (m *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]types.LogEntry, error) {
	m.record("Search", query, opts)
	if err := m.fail(&m.SearchErr); err != nil {
		return nil, err
	}
	return m.backend.Search(ctx, query, opts)
}

// ClearSession implements [memory.SessionStore].
func (m *Store) ClearSession(ctx context.Context, sessionID string) error {
	m.record("ClearSession", sessionID)
	return m.backend.ClearSession(ctx, sessionID)
}

// GetSetting implements [memory.SettingsStore].
func (m *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.record("GetSetting", key)
	if err := m.fail(&m.GetSettingErr); err != nil {
		return "", false, err
	}
	return m.backend.GetSetting(ctx, key)
}

// PutSetting implements [memory.SettingsStore].
func (m *Store) PutSetting(ctx context.Context, key, value string, ttl time.Duration) error {
	m.record("PutSetting", key, value, ttl)
	if err := m.fail(&m.PutSettingErr); err != nil {
		return err
	}
	return m.backend.PutSetting(ctx, key, value, ttl)
}

// DeleteSetting implements [memory.SettingsStore].
func (m *Store) DeleteSetting(ctx context.Context, key string) error {
	m.record("DeleteSetting", key)
	if err := m.fail(&m.DeleteSettingErr); err != nil {
		return err
	}
	return m.backend.DeleteSetting(ctx, key)
}

// Close implements [memory.Store].
func (m *Store) Close() error {
	m.record("Close")
	return nil
}
