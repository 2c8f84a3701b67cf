package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/opendialogue/internal/config"
	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/internal/playback"
	"github.com/MrWong99/opendialogue/internal/resilience"
	"github.com/MrWong99/opendialogue/pkg/audio"
	"github.com/MrWong99/opendialogue/pkg/provider/llm"
	"github.com/MrWong99/opendialogue/pkg/provider/tts"
)

// Providers holds one value per collaborator slot. Populated by
// [BuildProviders] from the config registry, or by tests directly.
type Providers struct {
	// LLM answers chat and reflecting turns. Required.
	LLM llm.Provider

	// TTS synthesizes utterances for the playback pipeline. Required.
	TTS tts.Provider

	// RelayTTS serves /api/voice. Nil reuses TTS.
	RelayTTS tts.Provider

	// Audio opens the output device. Required.
	Audio playback.Opener
}

// availability is implemented by the resilience wrappers.
type availability interface {
	Available() bool
}

// BuildProviders constructs the configured providers through reg. The LLM
// and TTS slots are wrapped in resilience fallbacks with one circuit breaker
// per backend, so a single configured backend still gets a breaker.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	var errs []error

	llmProvider, err := buildLLM(cfg.Providers, reg, m)
	if err != nil {
		errs = append(errs, err)
	}
	ttsProvider, err := buildTTS(cfg.Providers.TTS, cfg.Providers.TTSFallbacks, reg, m)
	if err != nil {
		errs = append(errs, err)
	}

	var relayTTS tts.Provider
	if cfg.Relay.Enabled && cfg.Relay.TTS != nil {
		if relayTTS, err = reg.CreateTTS(*cfg.Relay.TTS); err != nil {
			errs = append(errs, fmt.Errorf("relay tts: %w", err))
		}
	}

	if cfg.Providers.Audio.Name == "" {
		errs = append(errs, errors.New("providers.audio is not configured"))
	} else if !slices.Contains(reg.Names("audio"), cfg.Providers.Audio.Name) {
		errs = append(errs, fmt.Errorf("%w: audio/%q", config.ErrProviderNotRegistered, cfg.Providers.Audio.Name))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: build providers: %w", err)
	}

	entry := cfg.Providers.Audio
	return &Providers{
		LLM:      llmProvider,
		TTS:      ttsProvider,
		RelayTTS: relayTTS,
		Audio: func(context.Context) (audio.Device, error) {
			return reg.CreateAudio(entry)
		},
	}, nil
}

func buildLLM(pc config.ProvidersConfig, reg *config.Registry, m *observe.Metrics) (llm.Provider, error) {
	primary, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	fb := resilience.NewLLMFallback(primary, pc.LLM.Name, resilience.FallbackConfig{Metrics: m})
	for _, e := range pc.LLMFallbacks {
		p, err := reg.CreateLLM(e)
		if err != nil {
			slog.Warn("app: skipping llm fallback", "name", e.Name, "err", err)
			continue
		}
		fb.AddFallback(e.Name, p)
	}
	return fb, nil
}

func buildTTS(primaryEntry config.ProviderEntry, fallbacks []config.ProviderEntry, reg *config.Registry, m *observe.Metrics) (tts.Provider, error) {
	primary, err := reg.CreateTTS(primaryEntry)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	fb := resilience.NewTTSFallback(primary, primaryEntry.Name, resilience.FallbackConfig{Metrics: m})
	for _, e := range fallbacks {
		p, err := reg.CreateTTS(e)
		if err != nil {
			slog.Warn("app: skipping tts fallback", "name", e.Name, "err", err)
			continue
		}
		fb.AddFallback(e.Name, p, voiceMap(e.Options))
	}
	return fb, nil
}

// voiceMap reads the "voices" option of a fallback entry: a mapping from
// primary voice ids to this backend's voice ids.
func voiceMap(opts map[string]any) map[string]string {
	raw, ok := opts["voices"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}
