// Package redisstore provides a Redis-backed implementation of [memory.Store].
//
// Each session log is a Redis list of JSON-encoded entries; the set of known
// sessions is tracked so that unscoped searches can visit every log. Settings
// are plain string keys whose time-to-live is delegated to Redis expiry.
package redisstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/opendialogue/pkg/memory"
	"github.com/MrWong99/opendialogue/pkg/types"
)

var _ memory.Store = (*Store)(nil)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "opendialogue:"

// Option configures a [Store].
type Option func(*Store)

// WithPrefix replaces [DefaultPrefix].
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithPassword authenticates against the server.
func WithPassword(password string) Option {
	return func(s *Store) { s.opts.Password = password }
}

// WithDB selects the logical database.
func WithDB(db int) Option {
	return func(s *Store) { s.opts.DB = db }
}

// Store is the Redis-backed [memory.Store]. It is safe for concurrent use.
type Store struct {
	rdb    *redis.Client
	opts   redis.Options
	prefix string
}

// record is the JSON shape of one list element.
type record struct {
	Role      string    `json:"role"`
	Name      string    `json:"name,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
}

// New connects to the server at addr and verifies the connection with a ping.
func New(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	s := &Store{opts: redis.Options{Addr: addr}, prefix: DefaultPrefix}
	for _, o := range opts {
		o(s)
	}
	s.rdb = redis.NewClient(&s.opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.rdb.Ping(pingCtx).Err(); err != nil {
		_ = s.rdb.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", addr, err)
	}
	return s, nil
}

func (s *Store) logKey(sessionID string) string { return s.prefix + "log:" + sessionID }
func (s *Store) sessionsKey() string           { return s.prefix + "sessions" }
func (s *Store) settingKey(key string) string  { return s.prefix + "setting:" + key }

// WriteEntry implements [memory.SessionStore].
func (s *Store) WriteEntry(ctx context.Context, entry types.LogEntry) error {
	if entry.SessionID == "" {
		return memory.ErrEmptySessionID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	data, err := json.Marshal(record{
		Role:      entry.Message.Role,
		Name:      entry.Message.Name,
		Content:   entry.Message.Content,
		Timestamp: entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("redisstore: encode entry: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.logKey(entry.SessionID), data)
		p.SAdd(ctx, s.sessionsKey(), entry.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: write entry: %w", err)
	}
	return nil
}

// GetRecent implements [memory.SessionStore].
func (s *Store) GetRecent(ctx context.Context, sessionID string, limit int) ([]types.LogEntry, error) {
	if sessionID == "" {
		return nil, memory.ErrEmptySessionID
	}
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.rdb.LRange(ctx, s.logKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get recent: %w", err)
	}
	return decode(sessionID, raw)
}

// Search implements [memory.SessionStore]. Matching is a case-insensitive
// substring test performed client side.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]types.LogEntry, error) {
	sessions := []string{opts.SessionID}
	if opts.SessionID == "" {
		var err error
		sessions, err = s.rdb.SMembers(ctx, s.sessionsKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: list sessions: %w", err)
		}
	}

	needle := strings.ToLower(query)
	out := []types.LogEntry{}
	for _, id := range sessions {
		raw, err := s.rdb.LRange(ctx, s.logKey(id), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: search %s: %w", id, err)
		}
		entries, err := decode(id, raw)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if matches(e, needle, opts) {
				out = append(out, e)
			}
		}
	}

	slices.SortStableFunc(out, func(a, b types.LogEntry) int {
		return cmp.Compare(a.Timestamp.UnixNano(), b.Timestamp.UnixNano())
	})
	limit := opts.Limit
	if limit <= 0 {
		limit = memory.DefaultSearchLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(e types.LogEntry, needle string, opts memory.SearchOpts) bool {
	if !strings.Contains(strings.ToLower(e.Message.Content), needle) {
		return false
	}
	if opts.Role != "" && e.Message.Role != opts.Role {
		return false
	}
	if !opts.After.IsZero() && !e.Timestamp.After(opts.After) {
		return false
	}
	if !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before) {
		return false
	}
	return true
}

// ClearSession implements [memory.SessionStore].
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return memory.ErrEmptySessionID
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.logKey(sessionID))
		p.SRem(ctx, s.sessionsKey(), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: clear session: %w", err)
	}
	return nil
}

// GetSetting implements [memory.SettingsStore].
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.settingKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisstore: get setting %q: %w", key, err)
	}
	return v, true, nil
}

// PutSetting implements [memory.SettingsStore].
func (s *Store) PutSetting(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, s.settingKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: put setting %q: %w", key, err)
	}
	return nil
}

// DeleteSetting implements [memory.SettingsStore].
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.settingKey(key)).Err(); err != nil {
		return fmt.Errorf("redisstore: delete setting %q: %w", key, err)
	}
	return nil
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func decode(sessionID string, raw []string) ([]types.LogEntry, error) {
	out := make([]types.LogEntry, 0, len(raw))
	for _, r := range raw {
		var rec record
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("redisstore: decode entry: %w", err)
		}
		out = append(out, types.LogEntry{
			SessionID: sessionID,
			Message:   types.Message{Role: rec.Role, Name: rec.Name, Content: rec.Content},
			Timestamp: rec.Timestamp,
		})
	}
	return out, nil
}
