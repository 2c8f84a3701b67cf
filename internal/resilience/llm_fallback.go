package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/opendialogue/pkg/provider/llm"
)

// ErrEmptyCompletion is returned when a backend answers with no text. It
// counts as a failure, so the next backend is tried.
var ErrEmptyCompletion = errors.New("resilience: empty completion")

// LLMFallback implements [llm.Provider] with automatic failover across
// multiple model backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider that returns a
// non-empty reply.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return nil, ErrEmptyCompletion
		}
		return resp, nil
	})
}

// Status reports the breaker state of every backend.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// Available reports whether any backend would currently accept a request.
func (f *LLMFallback) Available() bool { return f.group.Available() }
