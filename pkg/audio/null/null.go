// Package null provides an [audio.Device] that renders nothing but keeps real
// time: a voice finishes after the duration of its buffer. It suits headless
// servers where clients only consume speaker events.
package null

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/opendialogue/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

// Device is a silent, clock-driven [audio.Device].
type Device struct {
	mu      sync.Mutex
	running bool
	closed  bool
	timers  map[*audio.Track]*time.Timer
}

// New returns a suspended null device.
func New() *Device {
	return &Device{timers: make(map[*audio.Track]*time.Timer)}
}

// State implements [audio.Device].
func (d *Device) State() audio.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return audio.StateClosed
	case d.running:
		return audio.StateRunning
	default:
		return audio.StateSuspended
	}
}

// Resume implements [audio.Device].
func (d *Device) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	d.running = true
	return nil
}

// Decode implements [audio.Device].
func (d *Device) Decode(_ context.Context, payload []byte) (*audio.Buffer, error) {
	buf, err := audio.DecodeWAV(payload)
	if err != nil {
		return nil, fmt.Errorf("null: decode: %w", err)
	}
	return buf, nil
}

// Play implements [audio.Device].
func (d *Device) Play(buf *audio.Buffer, _ *audio.Gain) (audio.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, audio.ErrDeviceClosed
	}

	var tr *audio.Track
	tr = audio.NewTrack(func() { d.cancel(tr) })
	d.timers[tr] = time.AfterFunc(buf.Duration(), func() {
		d.mu.Lock()
		delete(d.timers, tr)
		d.mu.Unlock()
		tr.Finish(nil)
	})
	return tr, nil
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	tracks := make([]*audio.Track, 0, len(d.timers))
	for tr := range d.timers {
		tracks = append(tracks, tr)
	}
	d.mu.Unlock()

	for _, tr := range tracks {
		tr.Stop()
	}
	return nil
}

func (d *Device) cancel(tr *audio.Track) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[tr]; ok {
		t.Stop()
		delete(d.timers, tr)
	}
}
