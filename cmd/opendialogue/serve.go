package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/opendialogue/internal/app"
	"github.com/MrWong99/opendialogue/internal/config"
)

// shutdownTimeout bounds the teardown after a signal.
const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the conversation over HTTP: chat and reflecting turns, the
speaker event stream, the voice relay, health probes and Prometheus metrics.
The config file is watched; log level, roster, prompts and voice parameters
are applied without a restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume the conversation log of this session id")
	return cmd
}

func runServe(parent context.Context, sessionID string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	slog.Info("opendialogue starting",
		"config", configPath,
		"listen_addr", rt.cfg.Server.ListenAddr,
		"log_level", rt.cfg.Server.LogLevel,
	)
	printStartupSummary(rt.cfg)

	application, err := app.New(ctx, rt.cfg, rt.providers,
		app.WithMetrics(rt.metrics),
		app.WithLevelVar(rt.level),
		app.WithConfigWatch(configPath),
		app.WithSessionID(sessionID),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return err
	}

	slog.Info("server ready, press Ctrl+C to shut down", "session", application.Session().ID())

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}
	slog.Info("goodbye")
	return runErr
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      opendialogue: startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  TTS fallbacks   : %-19d ║\n", len(cfg.Providers.TTSFallbacks))
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	fmt.Printf("║  Assistants      : %-19d ║\n", len(cfg.Roster))
	fmt.Printf("║  Memory          : %-19s ║\n", cfg.Memory.Backend)
	if cfg.Relay.Enabled {
		fmt.Printf("║  Voice relay     : %-19s ║\n", "/api/voice")
	} else {
		fmt.Printf("║  Voice relay     : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
