package discord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/opendialogue/pkg/audio"
)

// newTestDevice returns a Device whose join hands out a fake voice connection
// with a buffered OpusSend channel.
func newTestDevice(t *testing.T, sendBuf int) (*Device, *discordgo.VoiceConnection) {
	t.Helper()
	vc := &discordgo.VoiceConnection{OpusSend: make(chan []byte, sendBuf)}
	d := &Device{
		guildID:   "guild-test",
		channelID: "channel-test",
		join:      func() (*discordgo.VoiceConnection, error) { return vc, nil },
		leave:     func(*discordgo.VoiceConnection) error { return nil },
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, vc
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, "g", "c"); err == nil {
		t.Error("expected error for nil session")
	}
	if _, err := New(&discordgo.Session{}, "", "c"); err == nil {
		t.Error("expected error for empty guild")
	}
	d, err := New(&discordgo.Session{}, "g", "c")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.State() != audio.StateSuspended {
		t.Errorf("new device state = %v, want suspended", d.State())
	}
}

func TestDevice_ResumeJoinsOnce(t *testing.T) {
	t.Parallel()

	d, _ := newTestDevice(t, 1)
	joins := 0
	inner := d.join
	d.join = func() (*discordgo.VoiceConnection, error) {
		joins++
		return inner()
	}

	for range 2 {
		if err := d.Resume(context.Background()); err != nil {
			t.Fatalf("Resume: %v", err)
		}
	}
	if joins != 1 {
		t.Errorf("join called %d times, want 1", joins)
	}
	if d.State() != audio.StateRunning {
		t.Errorf("state = %v, want running", d.State())
	}
}

func TestDevice_ResumeJoinError(t *testing.T) {
	t.Parallel()

	d, _ := newTestDevice(t, 1)
	d.join = func() (*discordgo.VoiceConnection, error) { return nil, errors.New("no permission") }

	if err := d.Resume(context.Background()); err == nil {
		t.Fatal("expected join error")
	}
	if d.State() != audio.StateSuspended {
		t.Errorf("state = %v, want suspended", d.State())
	}
}

func TestDevice_PlayRequiresJoin(t *testing.T) {
	t.Parallel()

	d, _ := newTestDevice(t, 1)
	if _, err := d.Play(audio.Silence(960, 48000, 2), nil); err == nil {
		t.Fatal("expected error when playing before Resume")
	}
}

func TestDevice_PlaySendsOneFramePer20ms(t *testing.T) {
	t.Parallel()

	d, vc := newTestDevice(t, 16)
	if err := d.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// 50 ms of mono 24 kHz audio becomes 3 frames at 48 kHz stereo (last one padded).
	v, err := d.Play(audio.Silence(1200, 24000, 1), audio.NewGain(1))
	if err != nil {
		t.Fatalf("Play: %v", err)
	}

	select {
	case <-v.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("voice did not finish")
	}
	if v.Err() != nil {
		t.Errorf("Err() = %v, want nil", v.Err())
	}
	if got := len(vc.OpusSend); got != 3 {
		t.Errorf("sent %d packets, want 3", got)
	}
}

func TestDevice_StopUnblocksSender(t *testing.T) {
	t.Parallel()

	// Unbuffered send channel: the sender blocks on the first packet.
	d, _ := newTestDevice(t, 0)
	if err := d.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	v, err := d.Play(audio.Silence(48000, 48000, 2), audio.NewGain(1))
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	v.Stop()

	select {
	case <-v.Done():
	case <-time.After(time.Second):
		t.Fatal("Stop did not finish the voice")
	}
	if !errors.Is(v.Err(), audio.ErrStopped) {
		t.Errorf("Err() = %v, want ErrStopped", v.Err())
	}
}

func TestDevice_CloseIdempotent(t *testing.T) {
	t.Parallel()

	d, _ := newTestDevice(t, 1)
	if err := d.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	for i := range 3 {
		if err := d.Close(); err != nil {
			t.Fatalf("Close[%d]: %v", i, err)
		}
	}
	if d.State() != audio.StateClosed {
		t.Errorf("state = %v, want closed", d.State())
	}
	if err := d.Resume(context.Background()); !errors.Is(err, audio.ErrDeviceClosed) {
		t.Errorf("Resume after Close = %v, want ErrDeviceClosed", err)
	}
}
