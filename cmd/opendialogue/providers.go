package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/opendialogue/internal/config"
	"github.com/MrWong99/opendialogue/pkg/audio"
	"github.com/MrWong99/opendialogue/pkg/audio/discord"
	"github.com/MrWong99/opendialogue/pkg/audio/null"
	"github.com/MrWong99/opendialogue/pkg/audio/speaker"
	"github.com/MrWong99/opendialogue/pkg/provider/llm"
	"github.com/MrWong99/opendialogue/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/opendialogue/pkg/provider/llm/openai"
	"github.com/MrWong99/opendialogue/pkg/provider/tts"
	"github.com/MrWong99/opendialogue/pkg/provider/tts/coqui"
	"github.com/MrWong99/opendialogue/pkg/provider/tts/elevenlabs"
	oatts "github.com/MrWong99/opendialogue/pkg/provider/tts/openai"
	"github.com/MrWong99/opendialogue/pkg/provider/tts/voicevox"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "azure_api_version"); v != "" {
			opts = append(opts, oallm.WithAzure(v))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining hosted backends share the same pattern: optional APIKey
	// plus optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("voicevox", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []voicevox.Option
		if entry.BaseURL != "" {
			opts = append(opts, voicevox.WithBaseURL(entry.BaseURL))
		}
		if v, ok := optFloat(entry.Options, "speed"); ok {
			opts = append(opts, voicevox.WithSpeed(v))
		}
		if v, ok := optFloat(entry.Options, "pitch"); ok {
			opts = append(opts, voicevox.WithPitch(v))
		}
		if v, ok := optFloat(entry.Options, "intonation_scale"); ok {
			opts = append(opts, voicevox.WithIntonationScale(v))
		}
		return voicevox.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "azure_api_version"); v != "" {
			opts = append(opts, oatts.WithAzure(v))
		}
		if s := optString(entry.Options, "instructions"); s != "" {
			opts = append(opts, oatts.WithInstructions(s))
		}
		return oatts.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("speaker", func(entry config.ProviderEntry) (audio.Device, error) {
		var opts []speaker.Option
		if v, ok := optFloat(entry.Options, "sample_rate"); ok {
			opts = append(opts, speaker.WithSampleRate(int(v)))
		}
		if v, ok := optFloat(entry.Options, "channels"); ok {
			opts = append(opts, speaker.WithChannels(int(v)))
		}
		return speaker.New(opts...)
	})

	reg.RegisterAudio("discord", newDiscordDevice)

	reg.RegisterAudio("null", func(config.ProviderEntry) (audio.Device, error) {
		return null.New(), nil
	})

	for _, kind := range []string{"llm", "tts", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// ── Discord ───────────────────────────────────────────────────────────────────

// discordDevice owns the bot session behind a [discord.Device].
type discordDevice struct {
	*discord.Device
	session *discordgo.Session
}

// Close leaves the voice channel, then closes the bot session.
func (d *discordDevice) Close() error {
	return errors.Join(d.Device.Close(), d.session.Close())
}

// newDiscordDevice opens a bot session from the api_key (the bot token) and
// targets options.guild_id / options.channel_id.
func newDiscordDevice(entry config.ProviderEntry) (audio.Device, error) {
	if entry.APIKey == "" {
		return nil, errors.New("discord: api_key (bot token) is required")
	}
	session, err := discordgo.New("Bot " + entry.APIKey)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	dev, err := discord.New(session, optString(entry.Options, "guild_id"), optString(entry.Options, "channel_id"))
	if err != nil {
		return nil, err
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return &discordDevice{Device: dev, session: session}, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int and decimals as float64; both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
