package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/pkg/audio"
)

// DefaultLookahead is how many upcoming uncached items are synthesized in the
// background while earlier items play.
const DefaultLookahead = 3

// errCancelled terminates items dropped by Cleanup before they played.
var errCancelled = errors.New("playback: cancelled")

// ItemState is the lifecycle position of a queued [Item].
type ItemState int

const (
	StateQueued ItemState = iota
	StateResolving
	StateDecoding
	StatePlaying
	StateEnded
	StateFailed
)

// String returns the lower-case state name.
func (s ItemState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateResolving:
		return "resolving"
	case StateDecoding:
		return "decoding"
	case StatePlaying:
		return "playing"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Item is one utterance waiting to be spoken.
type Item struct {
	// Text is spoken with VoiceID.
	Text    string
	VoiceID string

	// SpeakerID is passed to Observer callbacks.
	SpeakerID string

	// Observer is notified when the item starts and ends. May be nil.
	Observer Observer
}

// entry is the scheduler's record of an enqueued Item.
type entry struct {
	item  Item
	key   string
	ctx   context.Context // enqueue context without cancellation, for logging
	state ItemState       // guarded by Scheduler.mu
	done  chan struct{}
	once  sync.Once
}

// Status is a snapshot of the scheduler.
type Status struct {
	// Active is the speaker id of the item being worked on, empty when idle.
	Active string

	// State is the lifecycle position of the active item.
	State ItemState

	// Pending is the number of items waiting behind the active one.
	Pending int
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithLookahead replaces [DefaultLookahead]. Zero disables background
// synthesis.
func WithLookahead(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n >= 0 {
			s.lookahead = n
		}
	}
}

// WithSchedulerMetrics records queue depth and utterance outcomes on m.
func WithSchedulerMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler plays queued items strictly in FIFO order, one at a time, through
// a shared [Output]. For each item it resolves audio through the
// [Synthesizer], decodes it on the device and plays it to completion before
// starting the next one. Failures are contained to the failing item.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out       Output
	synth     *Synthesizer
	lookahead int
	metrics   *observe.Metrics

	mu           sync.Mutex
	queue        []*entry
	active       *entry             // item owned by the dispatch goroutine, or nil
	cancelActive context.CancelFunc // cancels the active item's run
	closed       bool

	ctx     context.Context // cancelled by Close; parent of every item run
	cancel  context.CancelFunc
	notify  chan struct{} // signalled when a new item is enqueued
	done    chan struct{} // closed by Close to stop the dispatch goroutine
	stopped chan struct{} // closed when the dispatch goroutine exits
}

// NewScheduler creates a Scheduler and starts its dispatch goroutine. Call
// [Scheduler.Close] to stop it.
func NewScheduler(out Output, synth *Synthesizer, opts ...SchedulerOption) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		out:       out,
		synth:     synth,
		lookahead: DefaultLookahead,
		metrics:   observe.DefaultMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.dispatch()
	return s
}

// Enqueue appends item to the queue and returns a channel that is closed once
// the item reaches a terminal state. Enqueue never blocks on playback. Items
// enqueued after Close terminate immediately.
func (s *Scheduler) Enqueue(ctx context.Context, item Item) <-chan struct{} {
	return s.EnqueueBatch(ctx, []Item{item})
}

// EnqueueBatch appends items as one contiguous run: no item from a concurrent
// Enqueue can land between them. The returned channel is closed once the last
// item reaches a terminal state; it is already closed for an empty batch.
func (s *Scheduler) EnqueueBatch(ctx context.Context, items []Item) <-chan struct{} {
	if len(items) == 0 {
		done := make(chan struct{})
		close(done)
		return done
	}
	entries := make([]*entry, len(items))
	for i, item := range items {
		entries[i] = &entry{
			item:  item,
			key:   Key(item.Text, item.VoiceID),
			ctx:   context.WithoutCancel(ctx),
			state: StateQueued,
			done:  make(chan struct{}),
		}
	}
	last := entries[len(entries)-1].done

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, e := range entries {
			s.finish(e, ErrClosed)
		}
		return last
	}
	s.queue = append(s.queue, entries...)
	s.prefetchLocked()
	s.mu.Unlock()

	s.metrics.QueueDepth.Add(ctx, int64(len(entries)))

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return last
}

// Play enqueues item and waits until it reaches a terminal state or ctx is
// done. Item failures are contained; only ctx's error is returned.
func (s *Scheduler) Play(ctx context.Context, item Item) error {
	select {
	case <-s.Enqueue(ctx, item):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prefetchLocked starts background synthesis for the first s.lookahead
// queued items that are not cached yet. Items already in flight use up a
// slot without a second request.
func (s *Scheduler) prefetchLocked() {
	n := 0
	for _, e := range s.queue {
		if n >= s.lookahead {
			return
		}
		if s.synth.Cache().Has(e.key) {
			continue
		}
		n++
		if s.synth.Prefetch(s.ctx, e.item.Text, e.item.VoiceID) {
			observe.Logger(e.ctx).Debug("playback: prefetching", "key", e.key)
		}
	}
}

// dispatch is the single goroutine that attaches voices to the device.
func (s *Scheduler) dispatch() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for s.playNext() {
		}
	}
}

// playNext runs the head of the queue to completion. It reports false when
// the queue is empty or the scheduler is closed.
func (s *Scheduler) playNext() bool {
	s.mu.Lock()
	if s.closed || len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}
	e := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	ctx, cancel := context.WithCancel(s.ctx)
	s.active = e
	s.cancelActive = cancel
	s.prefetchLocked()
	s.mu.Unlock()

	s.metrics.QueueDepth.Add(e.ctx, -1)
	err := s.run(ctx, e)
	cancel()

	s.mu.Lock()
	s.active = nil
	s.cancelActive = nil
	s.mu.Unlock()

	s.finish(e, err)
	return true
}

func (s *Scheduler) setState(e *entry, st ItemState) {
	s.mu.Lock()
	e.state = st
	s.mu.Unlock()
}

// run resolves, decodes and plays e. The voice is always detached before run
// returns.
func (s *Scheduler) run(ctx context.Context, e *entry) error {
	log := observe.Logger(e.ctx)

	dev, gain, err := s.out.Output(ctx)
	if err != nil {
		return err
	}

	s.setState(e, StateResolving)
	payload, err := s.synth.Resolve(ctx, e.item.Text, e.item.VoiceID)
	if err != nil {
		return err
	}

	s.setState(e, StateDecoding)
	buf, err := dev.Decode(ctx, payload)
	if err != nil {
		return fmt.Errorf("playback: decode %q: %w", e.key, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	v, err := dev.Play(buf, gain)
	if err != nil {
		return fmt.Errorf("playback: play %q: %w", e.key, err)
	}
	defer v.Stop()

	s.setState(e, StatePlaying)
	log.Debug("playback: speaking", "speaker", e.item.SpeakerID, "key", e.key, "duration", buf.Duration())
	if e.item.Observer != nil {
		e.item.Observer.OnSpeakerStart(e.item.SpeakerID)
	}

	select {
	case <-v.Done():
		return v.Err()
	case <-ctx.Done():
		v.Stop()
		<-v.Done()
		return ctx.Err()
	}
}

// finish moves e to its terminal state, fires the end callback and releases
// waiters. Only the first call has an effect.
func (s *Scheduler) finish(e *entry, err error) {
	e.once.Do(func() {
		status := "played"
		switch {
		case err == nil:
			s.setState(e, StateEnded)
		case errors.Is(err, context.Canceled), errors.Is(err, audio.ErrStopped),
			errors.Is(err, errCancelled), errors.Is(err, ErrClosed):
			status = "cancelled"
			s.setState(e, StateFailed)
		default:
			status = "failed"
			s.setState(e, StateFailed)
			observe.Logger(e.ctx).Warn("playback: utterance failed",
				"speaker", e.item.SpeakerID, "key", e.key, "err", err)
		}
		s.metrics.RecordUtterance(e.ctx, e.item.SpeakerID, status)

		if e.item.Observer != nil {
			e.item.Observer.OnSpeakerEnd(e.item.SpeakerID)
		}
		close(e.done)
	})
}

// Cleanup stops the active item and terminates every pending item, firing
// their end callbacks in queue order. The scheduler stays usable; Cleanup is
// how a fresh turn takes over the output. It must not be called from an
// Observer callback.
func (s *Scheduler) Cleanup() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	var activeDone chan struct{}
	if s.active != nil {
		activeDone = s.active.done
		s.cancelActive()
	}
	s.mu.Unlock()

	if activeDone != nil {
		<-activeDone
	}
	if len(pending) > 0 {
		s.metrics.QueueDepth.Add(context.Background(), -int64(len(pending)))
	}
	for _, e := range pending {
		s.finish(e, errCancelled)
	}
}

// Status returns a snapshot of the queue.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Pending: len(s.queue)}
	if s.active != nil {
		st.Active = s.active.item.SpeakerID
		st.State = s.active.state
	}
	return st
}

// Close stops playback, terminates pending items and stops the dispatch
// goroutine. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Cleanup()
	close(s.done)
	<-s.stopped
	s.cancel()
	return nil
}
