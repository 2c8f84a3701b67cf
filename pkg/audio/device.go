// Package audio defines the output device abstraction used by the playback
// pipeline, together with the PCM helpers shared by every device backend.
//
// The primary abstractions are:
//
//   - [Device]: a shared audio output context. It starts out [StateSuspended]
//     on most backends and must be resumed before anything becomes audible.
//   - [Voice]: one buffer being played on a Device. A Voice reaches exactly one
//     terminal state: it either finishes naturally or is stopped.
//
// Backends live in sub-packages (audio/speaker, audio/discord, audio/null).
//
// This package lives under pkg/ because external code is expected to
// implement [Device] for additional output targets.
package audio

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStopped is reported by [Voice.Err] when playback was cut short by
	// [Voice.Stop] or by the device closing.
	ErrStopped = errors.New("audio: voice stopped")

	// ErrDeviceClosed is returned by Device methods after Close.
	ErrDeviceClosed = errors.New("audio: device closed")
)

// State is the hardware state of a [Device].
type State int

const (
	// StateSuspended means the device exists but produces no sound until resumed.
	StateSuspended State = iota

	// StateRunning means the device is rendering audio.
	StateRunning

	// StateClosed means the device has been released and cannot be resumed.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Buffer is decoded, playable PCM audio: interleaved little-endian int16
// samples at SampleRate with Channels channels.
type Buffer struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames held by b.
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / (2 * b.Channels)
}

// Duration returns the playback length of b.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Silence returns a zero-filled buffer holding frames sample frames.
func Silence(frames, sampleRate, channels int) *Buffer {
	return &Buffer{
		Data:       make([]byte, frames*channels*2),
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// Gain is a shared volume stage. Devices read it while rendering, so a change
// applies to audio that is already playing.
//
// The zero value is silent; use [NewGain] for unity gain.
type Gain struct {
	bits atomic.Uint64
}

// NewGain returns a Gain set to v.
func NewGain(v float64) *Gain {
	g := &Gain{}
	g.Set(v)
	return g
}

// Set changes the gain. Negative values are treated as zero.
func (g *Gain) Set(v float64) {
	if v < 0 {
		v = 0
	}
	g.bits.Store(math.Float64bits(v))
}

// Value returns the current gain. A nil Gain is unity.
func (g *Gain) Value() float64 {
	if g == nil {
		return 1
	}
	return math.Float64frombits(g.bits.Load())
}

// ApplyGain scales the int16 samples in pcm by g in place, clamping to the
// int16 range.
func ApplyGain(pcm []byte, g float64) {
	if g == 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		v := math.Round(s * g)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		n := int16(v)
		pcm[i] = byte(n)
		pcm[i+1] = byte(n >> 8)
	}
}

// Voice is a single buffer playing on a [Device].
//
// Implementations must be safe for concurrent use.
type Voice interface {
	// Done is closed once the voice reaches its terminal state.
	Done() <-chan struct{}

	// Err returns nil after natural completion, [ErrStopped] after Stop, or the
	// rendering error that ended playback. Only meaningful after Done is closed.
	Err() error

	// Stop ends playback early and detaches the voice from the device. It is
	// safe to call more than once and after natural completion.
	Stop()
}

// Device is a shared audio output context.
//
// Implementations must be safe for concurrent use, but callers are expected to
// keep at most one [Voice] attached at a time; devices do not mix.
type Device interface {
	// State reports the live hardware state. Backends may suspend
	// asynchronously, so callers must not cache the answer.
	State() State

	// Resume asks the device to start rendering. It may block until the
	// backend confirms or ctx is done.
	Resume(ctx context.Context) error

	// Decode turns an encoded payload into a playable buffer in the device's
	// native format.
	Decode(ctx context.Context, payload []byte) (*Buffer, error)

	// Play attaches buf to the device and starts rendering it through gain.
	// Playback proceeds even while the device is suspended; it is simply
	// inaudible until resumed.
	Play(buf *Buffer, gain *Gain) (Voice, error)

	// Close releases the device. Attached voices are stopped. Close is
	// idempotent.
	Close() error
}

// Track is a reusable [Voice] implementation for device backends. The backend
// calls [Track.Finish] when rendering ends; [Track.Stop] invokes the detach
// hook supplied to [NewTrack] and finishes with [ErrStopped].
type Track struct {
	done   chan struct{}
	once   sync.Once
	err    error
	detach func()
}

var _ Voice = (*Track)(nil)

// NewTrack returns a running Track. detach may be nil.
func NewTrack(detach func()) *Track {
	return &Track{done: make(chan struct{}), detach: detach}
}

// Finish moves the track to its terminal state with err. Only the first call
// has an effect.
func (t *Track) Finish(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done implements [Voice].
func (t *Track) Done() <-chan struct{} { return t.done }

// Err implements [Voice].
func (t *Track) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Stop implements [Voice].
func (t *Track) Stop() {
	select {
	case <-t.done:
		return
	default:
	}
	if t.detach != nil {
		t.detach()
	}
	t.Finish(ErrStopped)
}
