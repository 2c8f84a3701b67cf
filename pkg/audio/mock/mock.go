// Package mock provides an in-memory implementation of [audio.Device] for use
// in unit tests.
//
// The mock is safe for concurrent use. It records every call so that tests can
// assert on call counts and arguments, and exposes exported fields that the
// test sets to control behaviour.
//
// Typical usage:
//
//	dev := &mock.Device{PlayDuration: 5 * time.Millisecond}
//	dev.SetState(audio.StateSuspended)
//	buf, _ := dev.Decode(ctx, []byte("payload"))
//	v, _ := dev.Play(buf, audio.NewGain(1))
//	<-v.Done()
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/opendialogue/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

// PlayCall records a single invocation of [Device.Play].
type PlayCall struct {
	// Buffer is the buffer passed to Play.
	Buffer *audio.Buffer
	// Gain is the gain value observed when Play was called.
	Gain float64
	// StateAtPlay is the device state observed when Play was called.
	StateAtPlay audio.State
}

// Device is a mock implementation of [audio.Device]. The zero value starts in
// [audio.StateSuspended], resumes instantly to [audio.StateRunning], decodes
// every payload into a mono 48 kHz buffer holding the payload bytes, and
// finishes every voice immediately.
type Device struct {
	mu    sync.Mutex
	state audio.State

	// ResumeErr, if non-nil, is returned by Resume and the state is left alone.
	ResumeErr error

	// ResumeBlocks makes Resume wait for ctx to be done before returning
	// ctx.Err(), simulating a backend that never confirms.
	ResumeBlocks bool

	// ResumeLeavesSuspended makes Resume succeed without changing the state.
	ResumeLeavesSuspended bool

	// DecodeFunc, if set, replaces the default decoder.
	DecodeFunc func(payload []byte) (*audio.Buffer, error)

	// PlayErr, if non-nil, is returned by Play.
	PlayErr error

	// PlayDuration is how long each voice plays before finishing naturally.
	PlayDuration time.Duration

	// ResumeCalls counts invocations of Resume.
	ResumeCalls int

	// DecodeCalls records every payload passed to Decode in order.
	DecodeCalls [][]byte

	// PlayCalls records every invocation of Play in order.
	PlayCalls []PlayCall

	// CloseCalls counts invocations of Close.
	CloseCalls int

	active    int
	maxActive int
	voices    []*audio.Track
}

// SetState forces the device state, e.g. to simulate the platform suspending
// the device asynchronously.
func (d *Device) SetState(s audio.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

// State implements [audio.Device].
func (d *Device) State() audio.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Resume implements [audio.Device].
func (d *Device) Resume(ctx context.Context) error {
	d.mu.Lock()
	d.ResumeCalls++
	blocks, err := d.ResumeBlocks, d.ResumeErr
	d.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == audio.StateClosed {
		return audio.ErrDeviceClosed
	}
	if !d.ResumeLeavesSuspended {
		d.state = audio.StateRunning
	}
	return nil
}

// Decode implements [audio.Device].
func (d *Device) Decode(_ context.Context, payload []byte) (*audio.Buffer, error) {
	d.mu.Lock()
	d.DecodeCalls = append(d.DecodeCalls, append([]byte(nil), payload...))
	fn := d.DecodeFunc
	d.mu.Unlock()

	if fn != nil {
		return fn(payload)
	}
	if len(payload) == 0 {
		return nil, errors.New("mock: empty payload")
	}
	return &audio.Buffer{Data: append([]byte(nil), payload...), SampleRate: 48000, Channels: 1}, nil
}

// Play implements [audio.Device].
func (d *Device) Play(buf *audio.Buffer, gain *audio.Gain) (audio.Voice, error) {
	d.mu.Lock()
	d.PlayCalls = append(d.PlayCalls, PlayCall{Buffer: buf, Gain: gain.Value(), StateAtPlay: d.state})
	if d.PlayErr != nil {
		err := d.PlayErr
		d.mu.Unlock()
		return nil, err
	}
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	dur := d.PlayDuration
	d.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			d.mu.Lock()
			d.active--
			d.mu.Unlock()
		})
	}

	tr := audio.NewTrack(release)

	d.mu.Lock()
	d.voices = append(d.voices, tr)
	d.mu.Unlock()

	finish := func() {
		release()
		tr.Finish(nil)
	}
	if dur <= 0 {
		finish()
	} else {
		time.AfterFunc(dur, finish)
	}
	return tr, nil
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	d.CloseCalls++
	d.state = audio.StateClosed
	voices := d.voices
	d.voices = nil
	d.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	return nil
}

// MaxConcurrent returns the highest number of voices that were attached at
// the same time.
func (d *Device) MaxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

// Plays returns a copy of the recorded Play calls.
func (d *Device) Plays() []PlayCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PlayCall, len(d.PlayCalls))
	copy(out, d.PlayCalls)
	return out
}

// Resumes returns the number of Resume calls so far.
func (d *Device) Resumes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ResumeCalls
}
