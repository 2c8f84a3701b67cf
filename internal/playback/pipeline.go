package playback

import (
	"context"
	"sync"

	"github.com/MrWong99/opendialogue/internal/dialogue"
	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/internal/roster"
	"github.com/MrWong99/opendialogue/pkg/types"
)

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithPregeneration synthesizes each batch concurrently before it is queued,
// with at most limit requests in flight (limit <= 0: unbounded).
func WithPregeneration(limit int) PipelineOption {
	return func(p *Pipeline) {
		p.pregen = true
		p.pregenLimit = limit
	}
}

// WithObservers adds observers that receive the events of every batch in
// addition to the per-call observer.
func WithObservers(obs ...Observer) PipelineOption {
	return func(p *Pipeline) { p.observers = append(p.observers, obs...) }
}

// Pipeline is the outer entry point: it checks the gate, maps utterances to
// queue items, optionally pre-generates them and waits for playback.
type Pipeline struct {
	gate        *Gate
	sched       *Scheduler
	synth       *Synthesizer
	pregen      bool
	pregenLimit int
	observers   []Observer

	mu     sync.RWMutex
	roster *roster.Roster

	// turn is cancelled by Interrupt; batches started under it never queue.
	turnMu  sync.Mutex
	turn    context.Context
	endTurn context.CancelFunc
}

// NewPipeline wires gate, scheduler and synthesizer for the speakers of r.
func NewPipeline(gate *Gate, sched *Scheduler, synth *Synthesizer, r *roster.Roster, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{gate: gate, sched: sched, synth: synth, roster: r}
	p.turn, p.endTurn = context.WithCancel(context.Background())
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetRoster replaces the roster used for voice and id mapping.
func (p *Pipeline) SetRoster(r *roster.Roster) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roster = r
}

// Items maps the assistant utterances of utts to queue items. Known speakers
// use their roster voice and id; unknown speakers use [roster.DefaultVoice]
// and [roster.UnknownIndex].
func (p *Pipeline) Items(utts []dialogue.Utterance, obs Observer) []Item {
	p.mu.RLock()
	r := p.roster
	p.mu.RUnlock()

	observer := Broadcast(append([]Observer{obs}, p.observers...)...)
	items := make([]Item, 0, len(utts))
	for _, u := range utts {
		if u.Role != types.RoleAssistant || u.Content == "" {
			continue
		}
		item := Item{
			Text:      u.Content,
			VoiceID:   roster.DefaultVoice,
			SpeakerID: roster.UnknownIndex,
			Observer:  observer,
		}
		if k, ok := u.Speaker.(roster.Known); ok {
			item.VoiceID = r.Voice(k)
			item.SpeakerID = k.Assistant.ID
		}
		items = append(items, item)
	}
	return items
}

// PlayAll speaks utts in order and returns once the last one reached a
// terminal state. Failures of individual utterances never surface here. When
// the gate is not unlocked nothing is played and [ErrNotUnlocked] is
// returned; otherwise only ctx's error can be returned.
//
// The batch is queued as one contiguous run. A batch overtaken by
// [Pipeline.Interrupt] before it was queued is dropped without events.
func (p *Pipeline) PlayAll(ctx context.Context, utts []dialogue.Utterance, obs Observer) error {
	log := observe.Logger(ctx)
	if !p.gate.IsUnlocked() {
		log.Warn("playback: output not unlocked, skipping playback", "utterances", len(utts))
		return ErrNotUnlocked
	}

	items := p.Items(utts, obs)
	if len(items) == 0 {
		return nil
	}

	p.turnMu.Lock()
	turn := p.turn
	p.turnMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "playback.PlayAll")
	defer span.End()

	if p.pregen {
		pctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(turn, cancel)
		Pregenerate(pctx, p.synth, items, p.pregenLimit)
		stop()
		cancel()
	}

	p.turnMu.Lock()
	if turn.Err() != nil {
		p.turnMu.Unlock()
		log.Debug("playback: batch interrupted before queueing", "utterances", len(items))
		return nil
	}
	last := p.sched.EnqueueBatch(ctx, items)
	p.turnMu.Unlock()

	select {
	case <-last:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt stops the current batch so a fresh turn can take over. Batches
// still pre-generating are abandoned and never reach the queue.
func (p *Pipeline) Interrupt() {
	p.turnMu.Lock()
	defer p.turnMu.Unlock()
	p.endTurn()
	p.turn, p.endTurn = context.WithCancel(context.Background())
	p.sched.Cleanup()
}

// Gate returns the pipeline's permission gate.
func (p *Pipeline) Gate() *Gate { return p.gate }

// Status returns the scheduler snapshot.
func (p *Pipeline) Status() Status { return p.sched.Status() }

// SetVoiceParams forwards to [Synthesizer.SetVoiceParams].
func (p *Pipeline) SetVoiceParams(instructions string, speed float64) {
	p.synth.SetVoiceParams(instructions, speed)
}
