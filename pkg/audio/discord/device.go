// Package discord provides an [audio.Device] that speaks into a Discord voice
// channel via the bwmarrin/discordgo library, encoding PCM to Opus with gopus.
//
// The device is suspended until [Device.Resume] joins the configured voice
// channel. Buffers are converted to 48 kHz stereo, cut into 20 ms frames, run
// through the shared gain and handed to discordgo, which paces transmission.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/opendialogue/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

// Device is a Discord voice channel output.
//
// Device is safe for concurrent use.
type Device struct {
	guildID   string
	channelID string

	// join connects to the voice channel. Defaults to session.ChannelVoiceJoin;
	// overridden in tests.
	join func() (*discordgo.VoiceConnection, error)

	// leave tears the voice connection down. Defaults to vc.Disconnect;
	// overridden in tests.
	leave func(*discordgo.VoiceConnection) error

	mu     sync.Mutex
	vc     *discordgo.VoiceConnection
	enc    *opusEncoder
	cur    *audio.Track
	closed bool
}

// New creates a Device for the given guild and voice channel. The session is
// owned by the caller and must stay open for the lifetime of the device.
func New(session *discordgo.Session, guildID, channelID string) (*Device, error) {
	if session == nil {
		return nil, fmt.Errorf("discord: session must not be nil")
	}
	if guildID == "" || channelID == "" {
		return nil, fmt.Errorf("discord: guild and channel IDs are required")
	}
	return &Device{
		guildID:   guildID,
		channelID: channelID,
		join: func() (*discordgo.VoiceConnection, error) {
			// mute=false (we send audio), deaf=true (we never listen).
			return session.ChannelVoiceJoin(guildID, channelID, false, true)
		},
		leave: (*discordgo.VoiceConnection).Disconnect,
	}, nil
}

// State implements [audio.Device].
func (d *Device) State() audio.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return audio.StateClosed
	case d.vc != nil:
		return audio.StateRunning
	default:
		return audio.StateSuspended
	}
}

// Resume implements [audio.Device] by joining the voice channel.
func (d *Device) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.vc != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	enc, err := newOpusEncoder()
	if err != nil {
		return err
	}
	vc, err := d.join()
	if err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w", d.channelID, err)
	}
	d.vc = vc
	d.enc = enc
	return nil
}

// Decode implements [audio.Device]. Payloads must be WAV.
func (d *Device) Decode(_ context.Context, payload []byte) (*audio.Buffer, error) {
	buf, err := audio.DecodeWAV(payload)
	if err != nil {
		return nil, fmt.Errorf("discord: decode: %w", err)
	}
	return audio.Convert(buf, audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}), nil
}

// Play implements [audio.Device]. Frames are only sent while the device is
// joined; a suspended device cannot make progress, so Play fails instead.
func (d *Device) Play(buf *audio.Buffer, gain *audio.Gain) (audio.Voice, error) {
	pcm := audio.Convert(buf, audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}).Data

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, audio.ErrDeviceClosed
	}
	if d.vc == nil {
		return nil, fmt.Errorf("discord: not joined to a voice channel")
	}
	if d.cur != nil {
		d.cur.Stop()
	}

	stop := make(chan struct{})
	var once sync.Once
	tr := audio.NewTrack(func() { once.Do(func() { close(stop) }) })
	d.cur = tr

	go d.send(d.vc, d.enc, tr, pcm, gain, stop)
	return tr, nil
}

// Close implements [audio.Device] by stopping playback and leaving the
// voice channel.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cur, vc := d.cur, d.vc
	d.cur, d.vc = nil, nil
	d.mu.Unlock()

	if cur != nil {
		cur.Stop()
	}
	if vc == nil {
		return nil
	}
	if err := d.leave(vc); err != nil {
		return fmt.Errorf("discord: leave voice channel: %w", err)
	}
	return nil
}

// send encodes pcm frame by frame and pushes the packets to the voice
// connection until the buffer is drained or stop is closed.
func (d *Device) send(vc *discordgo.VoiceConnection, enc *opusEncoder, tr *audio.Track, pcm []byte, gain *audio.Gain, stop <-chan struct{}) {
	setSpeaking(vc, true)
	defer setSpeaking(vc, false)

	frame := make([]byte, opusFrameBytes)
	for off := 0; off < len(pcm); off += opusFrameBytes {
		n := copy(frame, pcm[off:])
		clear(frame[n:])
		audio.ApplyGain(frame, gain.Value())

		packet, err := enc.encode(frame)
		if err != nil {
			tr.Finish(err)
			return
		}
		select {
		case vc.OpusSend <- packet:
		case <-stop:
			return
		}
	}

	d.mu.Lock()
	if d.cur == tr {
		d.cur = nil
	}
	d.mu.Unlock()
	tr.Finish(nil)
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func setSpeaking(vc *discordgo.VoiceConnection, b bool) {
	if err := vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "error", err)
	}
}
