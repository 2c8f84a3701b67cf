package resilience

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/opendialogue/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple speech backends. Each backend has its own circuit breaker.
//
// Voice identifiers are provider specific, so fallbacks should be configured
// with a voice mapping of their own (for example an OpenAI voice name in
// place of a VOICEVOX speaker number); see [TTSFallback.AddFallback].
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend. Unless cfg.CircuitBreaker.IsFailure is set, client errors reported
// as *[tts.HTTPError] (4xx other than 408 and 429) neither trip the breaker
// nor fall over.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = IsTTSFailure
	}
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional provider. voices, if non-nil, maps the
// primary's voice identifiers to this provider's; unmapped voices are sent as
// they are.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider, voices map[string]string) {
	if len(voices) > 0 {
		provider = &voiceMapped{Provider: provider, voices: voices}
	}
	f.group.AddFallback(name, provider)
}

// Synthesize renders req with the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, req)
	})
}

// Status reports the breaker state of every backend.
func (f *TTSFallback) Status() []EntryStatus { return f.group.Status() }

// Available reports whether any backend would currently accept a request.
func (f *TTSFallback) Available() bool { return f.group.Available() }

// IsTTSFailure is the default failure classifier for speech backends.
func IsTTSFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *tts.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
		return httpErr.StatusCode == http.StatusRequestTimeout || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

type voiceMapped struct {
	tts.Provider
	voices map[string]string
}

func (v *voiceMapped) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if mapped, ok := v.voices[req.Voice]; ok {
		req.Voice = mapped
	}
	return v.Provider.Synthesize(ctx, req)
}
