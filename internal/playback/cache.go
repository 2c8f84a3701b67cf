package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MrWong99/opendialogue/internal/observe"
)

const (
	// DefaultCacheCapacity is the number of synthesized payloads kept live.
	DefaultCacheCapacity = 20

	// keyTextRunes is how much of the text participates in a cache key.
	keyTextRunes = 50
)

// Key returns the cache key for text spoken by voiceID: the voice id, a colon
// and the first 50 characters of text.
//
// Two long utterances that share a 50-character prefix and a voice alias to
// the same key; the later synthesis wins.
func Key(text, voiceID string) string {
	n := 0
	for i := range text {
		if n == keyTextRunes {
			return voiceID + ":" + text[:i]
		}
		n++
	}
	return voiceID + ":" + text
}

// Entry is one synthesized payload held by the [Cache].
type Entry struct {
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// CacheOption configures a [Cache].
type CacheOption func(*Cache)

// WithCapacity sets the maximum number of live entries.
func WithCapacity(n int) CacheOption {
	return func(c *Cache) { c.capacity = n }
}

// WithReleaseHook registers fn to run for every entry that leaves the cache,
// whether evicted or overwritten.
func WithReleaseHook(fn func(Entry)) CacheOption {
	return func(c *Cache) { c.onRelease = fn }
}

// WithCacheMetrics records evictions on m.
func WithCacheMetrics(m *observe.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// Cache is a bounded store of synthesized payloads keyed by [Key]. When full,
// the entry inserted longest ago is evicted. Reads never refresh an entry.
//
// All methods are safe for concurrent use.
type Cache struct {
	capacity  int
	onRelease func(Entry)
	metrics   *observe.Metrics
	now       func() time.Time

	mu        sync.Mutex // serialises Set
	replacing bool       // guarded by mu; an overwrite is not an eviction
	entries   *lru.Cache[string, *Entry]
}

// NewCache returns an empty Cache.
func NewCache(opts ...CacheOption) (*Cache, error) {
	c := &Cache{capacity: DefaultCacheCapacity, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.capacity <= 0 {
		return nil, fmt.Errorf("playback: cache capacity must be positive, got %d", c.capacity)
	}
	entries, err := lru.NewWithEvict(c.capacity, c.evicted)
	if err != nil {
		return nil, fmt.Errorf("playback: new cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

func (c *Cache) evicted(_ string, e *Entry) {
	if !c.replacing && c.metrics != nil {
		c.metrics.CacheEvictions.Add(context.Background(), 1)
	}
	c.release(e)
}

func (c *Cache) release(e *Entry) {
	if c.onRelease != nil {
		c.onRelease(*e)
	}
}

// Has reports whether key has a live entry.
func (c *Cache) Has(key string) bool {
	return c.entries.Contains(key)
}

// Get returns the payload stored under key.
func (c *Cache) Get(key string) ([]byte, bool) {
	e, ok := c.entries.Peek(key)
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// Set stores payload under key, replacing any previous entry, and evicts the
// oldest entries beyond capacity.
func (c *Cache) Set(key string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Remove first so the new entry counts as the most recent insertion.
	if c.entries.Contains(key) {
		c.replacing = true
		c.entries.Remove(key)
		c.replacing = false
	}
	c.entries.Add(key, &Entry{Key: key, Payload: payload, CreatedAt: c.now()})
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Keys returns the live keys from oldest to newest insertion.
func (c *Cache) Keys() []string {
	return c.entries.Keys()
}
