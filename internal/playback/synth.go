package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/pkg/provider/tts"
)

// future is one synthesis in flight. done is closed once payload or err is
// set.
type future struct {
	done    chan struct{}
	payload []byte
	err     error
}

func (f *future) wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.payload, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SynthOption configures a [Synthesizer].
type SynthOption func(*Synthesizer)

// WithInstructions sets the speaking-style instructions sent with every
// request.
func WithInstructions(s string) SynthOption {
	return func(sy *Synthesizer) { sy.instructions = s }
}

// WithSpeed sets the speaking rate sent with every request. Zero leaves the
// provider default.
func WithSpeed(v float64) SynthOption {
	return func(sy *Synthesizer) { sy.speed = v }
}

// WithSynthMetrics records lookups and synthesis latency on m.
func WithSynthMetrics(m *observe.Metrics) SynthOption {
	return func(sy *Synthesizer) { sy.metrics = m }
}

// Synthesizer resolves utterance audio through the [Cache], joining any
// synthesis already in flight for the same key so that a payload is never
// requested twice concurrently.
//
// All methods are safe for concurrent use.
type Synthesizer struct {
	provider tts.Provider
	cache    *Cache
	metrics  *observe.Metrics

	mu           sync.Mutex
	inflight     map[string]*future
	instructions string
	speed        float64
}

// NewSynthesizer returns a Synthesizer that fills cache from provider.
func NewSynthesizer(provider tts.Provider, cache *Cache, opts ...SynthOption) *Synthesizer {
	s := &Synthesizer{
		provider: provider,
		cache:    cache,
		metrics:  observe.DefaultMetrics(),
		inflight: make(map[string]*future),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetVoiceParams replaces the instructions and speed used by later requests.
func (s *Synthesizer) SetVoiceParams(instructions string, speed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = instructions
	s.speed = speed
}

// Cache returns the cache the synthesizer fills.
func (s *Synthesizer) Cache() *Cache { return s.cache }

// Cached reports whether text in voiceID already has a payload.
func (s *Synthesizer) Cached(text, voiceID string) bool {
	return s.cache.Has(Key(text, voiceID))
}

// Pending reports whether a synthesis for text in voiceID is in flight.
func (s *Synthesizer) Pending(text, voiceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[Key(text, voiceID)]
	return ok
}

// claim returns the in-flight future for key, registering a new one when
// none exists. owner reports whether the caller must run the synthesis.
func (s *Synthesizer) claim(key string) (f *future, owner bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.inflight[key]; ok {
		return f, false
	}
	// A synthesis may have completed since the caller's cache miss.
	if payload, ok := s.cache.Get(key); ok {
		f = &future{done: make(chan struct{}), payload: payload}
		close(f.done)
		return f, false
	}
	f = &future{done: make(chan struct{})}
	s.inflight[key] = f
	return f, true
}

// run performs the synthesis claimed as f, stores a successful payload and
// resolves f.
func (s *Synthesizer) run(ctx context.Context, key, text, voiceID string, f *future) {
	s.mu.Lock()
	req := tts.Request{Text: text, Voice: voiceID, Instructions: s.instructions, Speed: s.speed}
	s.mu.Unlock()

	start := time.Now()
	payload, err := s.provider.Synthesize(ctx, req)
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		f.err = fmt.Errorf("playback: synthesize %q: %w", key, err)
	} else {
		f.payload = payload
		s.cache.Set(key, payload)
	}

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
	close(f.done)
}

// Resolve returns the payload for text in voiceID: from the cache, from a
// synthesis already in flight, or from a new on-demand synthesis.
func (s *Synthesizer) Resolve(ctx context.Context, text, voiceID string) ([]byte, error) {
	key := Key(text, voiceID)
	if payload, ok := s.cache.Get(key); ok {
		s.metrics.RecordCacheLookup(ctx, "hit")
		return payload, nil
	}

	f, owner := s.claim(key)
	if owner {
		s.metrics.RecordCacheLookup(ctx, "miss")
		s.run(ctx, key, text, voiceID, f)
		return f.payload, f.err
	}

	s.metrics.RecordCacheLookup(ctx, "inflight")
	payload, err := f.wait(ctx)
	if err != nil && ctx.Err() == nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// The prefetch was cancelled by its own caller, not by ours.
		observe.Logger(ctx).Debug("playback: prefetch cancelled, synthesizing on demand", "key", key)
		return s.Resolve(ctx, text, voiceID)
	}
	return payload, err
}

// Prefetch starts a background synthesis for text in voiceID unless it is
// cached or already in flight. It reports whether a synthesis was started.
func (s *Synthesizer) Prefetch(ctx context.Context, text, voiceID string) bool {
	key := Key(text, voiceID)
	if s.cache.Has(key) {
		return false
	}
	f, owner := s.claim(key)
	if !owner {
		return false
	}
	go func() {
		s.run(ctx, key, text, voiceID, f)
		if f.err != nil && ctx.Err() == nil {
			slog.Debug("playback: prefetch failed", "key", key, "err", f.err)
		}
	}()
	return true
}
