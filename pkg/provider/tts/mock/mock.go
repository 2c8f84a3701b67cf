// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled payloads to the playback pipeline and to
// verify which texts and voices were requested. Per-text latency and errors
// make it possible to reproduce out-of-order completion.
//
// Example:
//
//	p := &mock.Provider{
//	    Delays: map[string]time.Duration{"first": 30 * time.Millisecond},
//	    Errors: map[string]error{"second": errors.New("boom")},
//	}
//	payload, err := p.Synthesize(ctx, tts.Request{Text: "first", Voice: "8"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/opendialogue/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider. By default every request
// succeeds immediately and the payload is the request text as bytes.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Payloads overrides the returned payload per request text.
	Payloads map[string][]byte

	// Delays holds per-text latency. Synthesize honours ctx while waiting.
	Delays map[string]time.Duration

	// Errors holds per-text failures.
	Errors map[string]error

	// SynthesizeErr, if non-nil, fails every request.
	SynthesizeErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order of arrival.
	SynthesizeCalls []SynthesizeCall

	inflight    int
	maxInflight int
}

// Synthesize records the call and returns the configured payload or error.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	p.inflight++
	p.maxInflight = max(p.maxInflight, p.inflight)
	delay := p.Delays[req.Text]
	err := p.SynthesizeErr
	if e, ok := p.Errors[req.Text]; ok {
		err = e
	}
	payload, ok := p.Payloads[req.Text]
	if !ok {
		payload = []byte(req.Text)
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
	}()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), payload...), nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// CallCount returns how many times text was requested. Thread-safe.
func (p *Provider) CallCount(text string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.SynthesizeCalls {
		if c.Req.Text == text {
			n++
		}
	}
	return n
}

// MaxInflight returns the highest number of concurrent Synthesize calls seen.
func (p *Provider) MaxInflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInflight
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.maxInflight = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
