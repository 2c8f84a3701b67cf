// Command opendialogue runs a multi-assistant voice conversation: an LLM
// answers as several named assistants, and every line is spoken in that
// assistant's voice, one speaker at a time.
//
// Subcommands:
//
//	serve   run the HTTP API (chat, events, relay, health, metrics)
//	chat    converse on the console, speaking through the configured device
//	say     synthesize and play a single line
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/opendialogue/internal/app"
	"github.com/MrWong99/opendialogue/internal/config"
	"github.com/MrWong99/opendialogue/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "opendialogue",
		Short:         "Multi-assistant voice conversation",
		Version:       version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.AddCommand(serveCmd(), chatCmd(), sayCmd())
	return cmd
}

// ── Shared setup ──────────────────────────────────────────────────────────────

// runtime is the state every subcommand builds before doing its work.
type runtime struct {
	cfg       *config.Config
	level     *slog.LevelVar
	providers *app.Providers
	metrics   *observe.Metrics
	shutdown  func(context.Context) error
}

// setup loads the config, installs the default logger and the OTel
// providers, and builds the configured backends.
func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "opendialogue: config file %q not found, copy configs/example.yaml to get started\n", configPath)
		}
		return nil, err
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return nil, err
	}
	// InitProvider installed the global meter provider, so the default
	// instruments export through Prometheus.
	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		_ = shutdown(ctx)
		return nil, err
	}

	return &runtime{
		cfg:       cfg,
		level:     level,
		providers: providers,
		metrics:   metrics,
		shutdown:  shutdown,
	}, nil
}

// close flushes telemetry.
func (rt *runtime) close(ctx context.Context) {
	if err := rt.shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
}
