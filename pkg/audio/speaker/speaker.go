// Package speaker provides an [audio.Device] that renders to the local sound
// card through miniaudio (github.com/gen2brain/malgo).
//
// The device is created stopped, which maps to [audio.StateSuspended];
// [Device.Resume] starts the miniaudio playback device. One voice renders at a
// time; playing a new buffer replaces the current one.
package speaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/opendialogue/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

const (
	defaultSampleRate = 48000
	defaultChannels   = 1
)

// Option is a functional option for [New].
type Option func(*Device)

// WithSampleRate sets the device sample rate in Hz. Defaults to 48000.
func WithSampleRate(hz int) Option {
	return func(d *Device) { d.format.SampleRate = hz }
}

// WithChannels sets the output channel count. Defaults to mono.
func WithChannels(n int) Option {
	return func(d *Device) { d.format.Channels = n }
}

// Device is a miniaudio playback device.
//
// Device is safe for concurrent use.
type Device struct {
	format audio.Format

	actx *ma.AllocatedContext
	dev  *ma.Device

	mu     sync.Mutex
	cur    *voice
	closed bool
}

type voice struct {
	pcm   []byte
	pos   int
	gain  *audio.Gain
	track *audio.Track
}

// New initialises miniaudio and opens the default playback device in the
// stopped state.
func New(opts ...Option) (*Device, error) {
	d := &Device{format: audio.Format{SampleRate: defaultSampleRate, Channels: defaultChannels}}
	for _, o := range opts {
		o(d)
	}
	if d.format.SampleRate <= 0 || d.format.Channels <= 0 {
		return nil, fmt.Errorf("speaker: invalid format %s", d.format)
	}

	actx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		slog.Debug("speaker: miniaudio", "message", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("speaker: init context: %w", err)
	}
	d.actx = actx

	cfg := ma.DefaultDeviceConfig(ma.Playback)
	cfg.SampleRate = uint32(d.format.SampleRate)
	cfg.Playback.Format = ma.FormatS16
	cfg.Playback.Channels = uint32(d.format.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(d.format.SampleRate / 50) // 20 ms
	cfg.Periods = 4

	dev, err := ma.InitDevice(actx.Context, cfg, ma.DeviceCallbacks{Data: d.render})
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		return nil, fmt.Errorf("speaker: init device: %w", err)
	}
	d.dev = dev
	return d, nil
}

// State implements [audio.Device].
func (d *Device) State() audio.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return audio.StateClosed
	case d.dev.IsStarted():
		return audio.StateRunning
	default:
		return audio.StateSuspended
	}
}

// Resume implements [audio.Device]. miniaudio starts synchronously, so ctx
// only guards against being called after cancellation.
func (d *Device) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.dev.IsStarted() {
		return nil
	}
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("speaker: start device: %w", err)
	}
	return nil
}

// Decode implements [audio.Device]. Payloads must be WAV; the result is
// converted to the device format.
func (d *Device) Decode(_ context.Context, payload []byte) (*audio.Buffer, error) {
	buf, err := audio.DecodeWAV(payload)
	if err != nil {
		return nil, fmt.Errorf("speaker: decode: %w", err)
	}
	return audio.Convert(buf, d.format), nil
}

// Play implements [audio.Device].
func (d *Device) Play(buf *audio.Buffer, gain *audio.Gain) (audio.Voice, error) {
	buf = audio.Convert(buf, d.format)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, audio.ErrDeviceClosed
	}
	prev := d.cur
	v := &voice{pcm: buf.Data, gain: gain}
	v.track = audio.NewTrack(func() { d.detach(v) })
	d.cur = v
	d.mu.Unlock()

	if prev != nil {
		prev.track.Finish(audio.ErrStopped)
	}
	if len(buf.Data) == 0 {
		d.detach(v)
		v.track.Finish(nil)
	}
	return v.track, nil
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cur := d.cur
	d.cur = nil
	d.mu.Unlock()

	if cur != nil {
		cur.track.Finish(audio.ErrStopped)
	}
	if d.dev.IsStarted() {
		if err := d.dev.Stop(); err != nil {
			slog.Warn("speaker: stop device", "err", err)
		}
	}
	d.dev.Uninit()
	if err := d.actx.Uninit(); err != nil {
		return fmt.Errorf("speaker: uninit context: %w", err)
	}
	d.actx.Free()
	return nil
}

func (d *Device) detach(v *voice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur == v {
		d.cur = nil
	}
}

// render is the miniaudio data callback. It copies the next chunk of the
// current voice, applies the live gain and finishes the voice once drained.
func (d *Device) render(out, _ []byte, frameCount uint32) {
	need := int(frameCount) * d.format.Channels * 2
	clear(out[:need])

	d.mu.Lock()
	v := d.cur
	if v == nil {
		d.mu.Unlock()
		return
	}
	n := copy(out[:need], v.pcm[v.pos:])
	v.pos += n
	drained := v.pos >= len(v.pcm)
	if drained {
		d.cur = nil
	}
	d.mu.Unlock()

	audio.ApplyGain(out[:n], v.gain.Value())
	if drained {
		// Finish off the audio thread so Done waiters never run inside the callback.
		go v.track.Finish(nil)
	}
}
