// Package app wires all opendialogue subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until its context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject implementations via functional options (WithStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/opendialogue/internal/config"
	"github.com/MrWong99/opendialogue/internal/conversation"
	"github.com/MrWong99/opendialogue/internal/dialogue"
	"github.com/MrWong99/opendialogue/internal/health"
	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/internal/playback"
	"github.com/MrWong99/opendialogue/internal/relay"
	"github.com/MrWong99/opendialogue/internal/roster"
	"github.com/MrWong99/opendialogue/internal/server"
	"github.com/MrWong99/opendialogue/pkg/memory"
	"github.com/MrWong99/opendialogue/pkg/memory/inmem"
	"github.com/MrWong99/opendialogue/pkg/memory/postgres"
	"github.com/MrWong99/opendialogue/pkg/memory/redisstore"
	"github.com/MrWong99/opendialogue/pkg/provider/llm"
)

// shutdownTimeout bounds the graceful HTTP shutdown in Run.
const shutdownTimeout = 10 * time.Second

// pinger is implemented by the networked memory backends.
type pinger interface {
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	level      *slog.LevelVar
	metrics    *observe.Metrics
	configPath string
	sessionID  string
	observers  []playback.Observer

	// Subsystems, initialised in New and torn down in Shutdown.
	store    memory.Store
	gate     *playback.Gate
	sched    *playback.Scheduler
	pipeline *playback.Pipeline
	session  *conversation.Session
	hub      *server.Hub
	server   *server.Server
	watcher  *config.Watcher
	checkers []health.Checker

	// cfgMu serialises hot reloads.
	cfgMu sync.Mutex

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a memory store instead of creating one from config. The
// caller keeps ownership; Shutdown does not close it.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLevelVar lets hot reloads change the log level of the handler built
// around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the instruments for every subsystem. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigWatch watches path and applies hot-reloadable changes.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithSessionID resumes the conversation log of id instead of starting a
// new session.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// WithObservers adds playback observers, e.g. a console printer.
func WithObservers(obs ...playback.Observer) Option {
	return func(a *App) { a.observers = append(a.observers, obs...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders] (or a test). New restores a persisted output
// permission but does not start serving; call Run for that.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.TTS == nil || providers.Audio == nil {
		return nil, errors.New("app: LLM, TTS and audio providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Memory store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Dialogue (roster, parser, prompts) ────────────────────────────
	r, parser, prompts, err := buildDialogue(cfg, providers.LLM)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init dialogue: %w", err)
	}

	// ── 3. Playback pipeline ─────────────────────────────────────────────
	if err := a.initPlayback(ctx, r); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 4. Conversation session ──────────────────────────────────────────
	a.session, err = conversation.New(conversation.Config{
		ID:               a.sessionID,
		LLM:              providers.LLM,
		Parser:           parser,
		Prompts:          prompts,
		Roster:           r,
		Log:              a.store,
		Player:           a.pipeline,
		ReflectingRounds: cfg.Conversation.ReflectingRounds,
		HistoryLimit:     cfg.Conversation.HistoryLimit,
		Metrics:          a.metrics,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init conversation: %w", err)
	}
	a.metrics.ActiveSessions.Add(ctx, 1)
	a.closers = append(a.closers, func() error {
		a.metrics.ActiveSessions.Add(context.Background(), -1)
		return nil
	})

	// ── 5. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}

	slog.Info("app initialised",
		"session", a.session.ID(),
		"assistants", r.Len(),
		"memory", cfg.Memory.Backend,
		"unlocked", a.gate.IsUnlocked(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory opens the configured backend or uses the injected store.
func (a *App) initMemory(ctx context.Context) error {
	if a.store == nil {
		mc := a.cfg.Memory
		switch mc.Backend {
		case config.MemoryPostgres:
			s, err := postgres.NewStore(ctx, mc.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
		case config.MemoryRedis:
			s, err := redisstore.New(ctx, mc.RedisAddr,
				redisstore.WithPassword(mc.RedisPassword),
				redisstore.WithDB(mc.RedisDB),
			)
			if err != nil {
				return err
			}
			a.store = s
		default:
			a.store = inmem.New()
		}
		a.closers = append(a.closers, a.store.Close)
	}

	if p, ok := a.store.(pinger); ok {
		a.checkers = append(a.checkers, health.Checker{Name: "memory", Check: p.Ping})
	}
	return nil
}

// buildDialogue derives the roster, parser and prompts from cfg. It is used
// at start-up and again on every hot reload that touches them.
func buildDialogue(cfg *config.Config, provider llm.Provider) (*roster.Roster, *dialogue.Parser, *dialogue.Prompts, error) {
	r, err := roster.New(cfg.Roster)
	if err != nil {
		return nil, nil, nil, err
	}
	var popts []dialogue.Option
	if cfg.Conversation.Inference {
		inf := dialogue.NewLLMInferrer(provider, r,
			dialogue.WithWording(cfg.Wording),
			dialogue.WithExamples(cfg.Examples),
		)
		popts = append(popts, dialogue.WithInference(inf))
	}
	return r, dialogue.NewParser(r, popts...), dialogue.NewPrompts(r, cfg.User, cfg.Wording), nil
}

// initPlayback builds gate, cache, synthesizer, scheduler and pipeline.
func (a *App) initPlayback(ctx context.Context, r *roster.Roster) error {
	pc := a.cfg.Playback

	a.gate = playback.NewGate(a.providers.Audio,
		playback.WithResumeTimeout(pc.ResumeTimeout),
		playback.WithRequireGesture(pc.RequireGesture),
		playback.WithSettings(a.store, pc.PermissionTTL),
		playback.WithGateMetrics(a.metrics),
	)

	cache, err := playback.NewCache(
		playback.WithCapacity(pc.CacheCapacity),
		playback.WithCacheMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	synth := playback.NewSynthesizer(a.providers.TTS, cache,
		playback.WithInstructions(pc.Instructions),
		playback.WithSpeed(pc.Speed),
		playback.WithSynthMetrics(a.metrics),
	)

	sopts := []playback.SchedulerOption{playback.WithSchedulerMetrics(a.metrics)}
	if pc.Lookahead != nil {
		sopts = append(sopts, playback.WithLookahead(*pc.Lookahead))
	}
	a.sched = playback.NewScheduler(a.gate, synth, sopts...)

	a.hub = server.NewHub(a.metrics)
	popts := []playback.PipelineOption{
		playback.WithObservers(append([]playback.Observer{a.hub}, a.observers...)...),
	}
	if pc.Pregenerate {
		popts = append(popts, playback.WithPregeneration(pc.PregenerateConcurrency))
	}
	a.pipeline = playback.NewPipeline(a.gate, a.sched, synth, r, popts...)

	// The scheduler stops before the device it plays on is released.
	a.closers = append(a.closers, a.gate.Close, a.sched.Close)

	if a.gate.Restore(ctx) {
		slog.Info("app: restored audio output permission")
	}
	return nil
}

// initServer builds the HTTP handler tree and the readiness checks.
func (a *App) initServer() {
	for _, p := range []struct {
		name     string
		provider any
	}{{"llm", a.providers.LLM}, {"tts", a.providers.TTS}} {
		if av, ok := p.provider.(availability); ok {
			a.checkers = append(a.checkers, health.Checker{
				Name:     p.name,
				Optional: true,
				Check: func(context.Context) error {
					if !av.Available() {
						return errors.New("all backends unavailable")
					}
					return nil
				},
			})
		}
	}

	opts := []server.Option{
		server.WithHub(a.hub),
		server.WithStatus(a.pipeline),
		server.WithMetrics(a.metrics),
		server.WithHealth(health.New(a.checkers)),
		server.WithMetricsHandler(promhttp.Handler()),
	}
	if a.cfg.Relay.Enabled {
		provider := a.providers.RelayTTS
		if provider == nil {
			provider = a.providers.TTS
		}
		opts = append(opts, server.WithRelay(relay.New(provider,
			relay.WithRateLimit(a.cfg.Relay.Rate, a.cfg.Relay.Burst),
			relay.WithMetrics(a.metrics),
		)))
	}
	a.server = server.New(a.session, a.gate, opts...)
	a.closers = append(a.closers, func() error { a.server.Close(); return nil })
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the conversation session.
func (a *App) Session() *conversation.Session { return a.session }

// Gate returns the output permission gate.
func (a *App) Gate() *playback.Gate { return a.gate }

// Pipeline returns the playback pipeline.
func (a *App) Pipeline() *playback.Pipeline { return a.pipeline }

// Handler returns the HTTP handler tree.
func (a *App) Handler() http.Handler { return a.server }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on the configured address and blocks until ctx is
// cancelled or the listener fails. It returns nil after a graceful stop.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = config.DefaultListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	slog.Info("app: serving", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	// WebSocket streams are hijacked and not tracked by Shutdown; closing
	// the hub ends them.
	a.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the watcher, background playback, the scheduler and the
// audio device, then closes the memory store. Safe to call more than once;
// only the first call does any work.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- a.closeAll() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
