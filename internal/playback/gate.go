// Package playback implements the turn-taking voice playback pipeline: the
// permission [Gate] that unlocks the shared audio output, the bounded
// synthesis [Cache], the strictly ordered single-voice [Scheduler], parallel
// pre-generation, and the [Pipeline] entry point that ties them together.
//
// One Gate, Scheduler and Pipeline exist per session. The hosting
// application constructs them explicitly; nothing in this package is global.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/pkg/audio"
	"github.com/MrWong99/opendialogue/pkg/memory"
)

const (
	// DefaultResumeTimeout bounds how long Unlock waits for the device to
	// confirm it is running.
	DefaultResumeTimeout = 3 * time.Second

	// DefaultPermissionTTL is how long a persisted grant stays valid.
	DefaultPermissionTTL = 24 * time.Hour

	// PermissionKey is the settings key of the persisted grant.
	PermissionKey = "audioPermissionGranted"

	// primingGain is the near-silent level of the priming buffer.
	primingGain = 0.001

	// primingRate is the sample rate of the one-frame priming buffer.
	primingRate = 22050
)

var (
	// ErrNotUnlocked is returned when playback is requested before the gate
	// has been unlocked.
	ErrNotUnlocked = errors.New("playback: output not unlocked")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("playback: closed")
)

// Opener creates the shared audio output device.
type Opener func(ctx context.Context) (audio.Device, error)

// Output is the shared output stage the [Scheduler] plays through.
type Output interface {
	// Output returns the shared device and gain, opening the device on first
	// use.
	Output(ctx context.Context) (audio.Device, *audio.Gain, error)
}

// GateOption configures a [Gate].
type GateOption func(*Gate)

// WithResumeTimeout replaces [DefaultResumeTimeout].
func WithResumeTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.timeout = d }
}

// WithRequireGesture makes Unlock refuse to run until a user gesture has been
// recorded with [Gate.OnUserGesture]. Backends that allow a single resume
// attempt per gesture need this.
func WithRequireGesture(v bool) GateOption {
	return func(g *Gate) { g.requireGesture = v }
}

// WithSettings persists successful unlocks to store for ttl so that
// [Gate.Restore] can reactivate output after a restart.
func WithSettings(store memory.SettingsStore, ttl time.Duration) GateOption {
	return func(g *Gate) {
		g.settings = store
		g.ttl = ttl
	}
}

// WithGateMetrics records unlock attempts on m.
func WithGateMetrics(m *observe.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// Gate tracks whether the shared audio output has been unlocked by a user
// gesture. It lazily opens the device and owns it together with the shared
// gain stage.
//
// The state starts locked, becomes unlocked after a confirmed resume, and
// only returns to locked through [Gate.Revoke] or the device suspending
// behind the gate's back.
//
// All methods are safe for concurrent use.
type Gate struct {
	open           Opener
	timeout        time.Duration
	requireGesture bool
	settings       memory.SettingsStore
	ttl            time.Duration
	metrics        *observe.Metrics

	mu       sync.Mutex
	dev      audio.Device
	gain     *audio.Gain
	unlocked bool
	gesture  bool
	closed   bool
}

var _ Output = (*Gate)(nil)

// NewGate returns a locked Gate that opens its device through open.
func NewGate(open Opener, opts ...GateOption) *Gate {
	g := &Gate{
		open:    open,
		timeout: DefaultResumeTimeout,
		ttl:     DefaultPermissionTTL,
		metrics: observe.DefaultMetrics(),
		gain:    audio.NewGain(1),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Unlock attempts to unlock the output and reports the resulting state.
// Failures are logged, never returned. Calling Unlock on an unlocked gate
// whose device is still running returns true without touching the device.
func (g *Gate) Unlock(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unlockLocked(ctx, false)
}

// OnUserGesture records that a genuine user interaction happened and then
// unlocks.
func (g *Gate) OnUserGesture(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gesture = true
	return g.unlockLocked(ctx, false)
}

// Restore silently unlocks the output when a non-expired grant was persisted
// by an earlier successful unlock. The gesture requirement is waived for a
// persisted grant.
func (g *Gate) Restore(ctx context.Context) bool {
	if g.settings == nil {
		return false
	}
	v, ok, err := g.settings.GetSetting(ctx, PermissionKey)
	if err != nil {
		observe.Logger(ctx).Warn("playback: read permission grant", "err", err)
		return false
	}
	if !ok || v != "true" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unlockLocked(ctx, true)
}

func (g *Gate) unlockLocked(ctx context.Context, granted bool) bool {
	log := observe.Logger(ctx)
	if g.closed {
		return false
	}
	if g.unlocked && g.dev != nil && g.dev.State() == audio.StateRunning {
		return true
	}
	if g.requireGesture && !g.gesture && !granted {
		log.Info("playback: unlock refused until a user gesture is recorded")
		g.metrics.RecordUnlock(ctx, "refused", 0)
		return false
	}

	start := time.Now()
	err := g.resumeLocked(ctx)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		log.Warn("playback: unlock failed", "err", err, "elapsed_s", elapsed)
		g.unlocked = false
		g.metrics.RecordUnlock(ctx, "failed", elapsed)
		return false
	}

	g.unlocked = true
	g.gain.Set(1)
	g.metrics.RecordUnlock(ctx, "unlocked", elapsed)
	log.Info("playback: output unlocked", "elapsed_s", elapsed)

	if g.settings != nil {
		if err := g.settings.PutSetting(ctx, PermissionKey, "true", g.ttl); err != nil {
			log.Warn("playback: persist permission grant", "err", err)
		}
	}
	return true
}

// resumeLocked primes a suspended device with a near-silent buffer and
// resumes it, waiting at most g.timeout for the running state.
func (g *Gate) resumeLocked(ctx context.Context) error {
	dev, err := g.deviceLocked(ctx)
	if err != nil {
		return err
	}
	if dev.State() == audio.StateRunning {
		return nil
	}

	if v, err := dev.Play(audio.Silence(1, primingRate, 1), audio.NewGain(primingGain)); err != nil {
		slog.Debug("playback: priming failed", "err", err)
	} else {
		defer v.Stop()
	}

	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := dev.Resume(rctx); err != nil {
		return fmt.Errorf("playback: resume: %w", err)
	}
	if s := dev.State(); s != audio.StateRunning {
		return fmt.Errorf("playback: device %s after resume", s)
	}
	return nil
}

// deviceLocked returns the shared device, opening it on first use or after
// it was closed underneath the gate.
func (g *Gate) deviceLocked(ctx context.Context) (audio.Device, error) {
	if g.closed {
		return nil, ErrClosed
	}
	if g.dev != nil && g.dev.State() != audio.StateClosed {
		return g.dev, nil
	}
	dev, err := g.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("playback: open device: %w", err)
	}
	g.dev = dev
	return dev, nil
}

// IsUnlocked reports whether the gate is unlocked and the device is running
// right now.
func (g *Gate) IsUnlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unlocked && !g.closed && g.dev != nil && g.dev.State() == audio.StateRunning
}

// Revoke withdraws the permission: the shared gain drops to zero so anything
// still queued completes silently, the gate locks, and the persisted grant
// is deleted.
func (g *Gate) Revoke(ctx context.Context) {
	g.mu.Lock()
	g.unlocked = false
	g.gesture = false
	g.gain.Set(0)
	g.mu.Unlock()

	if g.settings != nil {
		if err := g.settings.DeleteSetting(ctx, PermissionKey); err != nil {
			observe.Logger(ctx).Warn("playback: delete permission grant", "err", err)
		}
	}
	observe.Logger(ctx).Info("playback: permission revoked")
}

// Output implements [Output].
func (g *Gate) Output(ctx context.Context) (audio.Device, *audio.Gain, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dev, err := g.deviceLocked(ctx)
	if err != nil {
		return nil, nil, err
	}
	return dev, g.gain, nil
}

// Close releases the device. Close is idempotent.
func (g *Gate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.unlocked = false
	if g.dev == nil {
		return nil
	}
	return g.dev.Close()
}
