package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/opendialogue/internal/roster"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultReflectingRounds = 1
	DefaultHistoryLimit     = 100
	DefaultCacheCapacity    = 20
	DefaultLookahead        = 3
	DefaultResumeTimeout    = 3 * time.Second
	DefaultPermissionTTL    = 24 * time.Hour
	DefaultRelayBurst       = 5
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":   {"voicevox", "openai", "elevenlabs", "coqui"},
	"audio": {"speaker", "discord", "null"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = "null"
	}
	if cfg.Conversation.ReflectingRounds == 0 {
		cfg.Conversation.ReflectingRounds = DefaultReflectingRounds
	}
	if cfg.Conversation.HistoryLimit == 0 {
		cfg.Conversation.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Playback.CacheCapacity == 0 {
		cfg.Playback.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.Playback.Lookahead == nil {
		n := DefaultLookahead
		cfg.Playback.Lookahead = &n
	}
	if cfg.Playback.ResumeTimeout == 0 {
		cfg.Playback.ResumeTimeout = DefaultResumeTimeout
	}
	if cfg.Playback.PermissionTTL == 0 {
		cfg.Playback.PermissionTTL = DefaultPermissionTTL
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = MemoryInMem
	}
	if cfg.Relay.Burst == 0 {
		cfg.Relay.Burst = DefaultRelayBurst
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", fb.Name)
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.LLM.Name == "" && len(cfg.Roster) > 0 {
		slog.Warn("no LLM provider configured; the assistants will not be able to answer")
	}
	if cfg.Providers.TTS.Name == "" && len(cfg.Roster) > 0 {
		slog.Warn("no TTS provider configured; replies will not be spoken")
	}

	// Roster
	if _, err := roster.New(cfg.Roster); err != nil {
		errs = append(errs, err)
	}

	// Conversation
	if cfg.Conversation.ReflectingRounds < 0 {
		errs = append(errs, fmt.Errorf("conversation.reflecting_rounds %d must not be negative", cfg.Conversation.ReflectingRounds))
	}
	if cfg.Conversation.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("conversation.history_limit %d must not be negative", cfg.Conversation.HistoryLimit))
	}

	// Playback
	pb := cfg.Playback
	if pb.CacheCapacity < 0 {
		errs = append(errs, fmt.Errorf("playback.cache_capacity %d must not be negative", pb.CacheCapacity))
	}
	if pb.Lookahead != nil && *pb.Lookahead < 0 {
		errs = append(errs, fmt.Errorf("playback.lookahead %d must not be negative", *pb.Lookahead))
	}
	if pb.ResumeTimeout < 0 {
		errs = append(errs, fmt.Errorf("playback.resume_timeout %s must not be negative", pb.ResumeTimeout))
	}
	if pb.PermissionTTL < 0 {
		errs = append(errs, fmt.Errorf("playback.permission_ttl %s must not be negative", pb.PermissionTTL))
	}
	if pb.Speed != 0 && (pb.Speed < 0.25 || pb.Speed > 4.0) {
		errs = append(errs, fmt.Errorf("playback.speed %.2f is out of range [0.25, 4.0]", pb.Speed))
	}
	if pb.PregenerateConcurrency < 0 {
		errs = append(errs, fmt.Errorf("playback.pregenerate_concurrency %d must not be negative", pb.PregenerateConcurrency))
	}

	// Memory
	switch {
	case cfg.Memory.Backend != "" && !cfg.Memory.Backend.IsValid():
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: inmem, postgres, redis", cfg.Memory.Backend))
	case cfg.Memory.Backend == MemoryPostgres && cfg.Memory.PostgresDSN == "":
		errs = append(errs, errors.New("memory.postgres_dsn is required when memory.backend is postgres"))
	case cfg.Memory.Backend == MemoryRedis && cfg.Memory.RedisAddr == "":
		errs = append(errs, errors.New("memory.redis_addr is required when memory.backend is redis"))
	}

	// Relay
	if cfg.Relay.Rate < 0 {
		errs = append(errs, fmt.Errorf("relay.rate %.2f must not be negative", cfg.Relay.Rate))
	}
	if cfg.Relay.Enabled && cfg.Relay.TTS == nil && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("relay is enabled but neither relay.tts nor providers.tts is configured"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
