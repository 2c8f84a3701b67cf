package config

import (
	"slices"

	"github.com/MrWong99/opendialogue/internal/roster"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RosterChanged    bool            // true if any assistant was added, removed or edited
	AssistantChanges []AssistantDiff // per-assistant diffs, keyed by ID

	// PromptsChanged is set when anything feeding the system prompts changed:
	// the roster, the user profile, the wording guide or the examples.
	PromptsChanged bool

	// VoiceChanged is set when the synthesis style (speed or instructions)
	// changed. Cached audio is stale afterwards.
	VoiceChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// restart (listen address, providers, memory backend).
	RestartRequired []string
}

// IsZero reports whether d describes no change at all.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.RosterChanged && !d.PromptsChanged &&
		!d.VoiceChanged && len(d.RestartRequired) == 0
}

// AssistantDiff describes what changed for a single assistant between two
// configs.
type AssistantDiff struct {
	ID               string
	NameChanged      bool
	CharacterChanged bool
	VoiceChanged     bool
	Moved            bool // roster position changed, which renumbers persona indices
	Added            bool
	Removed          bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; the rest are
// reported in RestartRequired.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.AssistantChanges = diffRoster(old.Roster, new.Roster)
	d.RosterChanged = len(d.AssistantChanges) > 0

	d.PromptsChanged = d.RosterChanged ||
		old.User != new.User ||
		old.Wording != new.Wording ||
		!slices.Equal(old.Examples, new.Examples)

	d.VoiceChanged = old.Playback.Speed != new.Playback.Speed ||
		old.Playback.Instructions != new.Playback.Instructions

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if !sameEntry(old.Providers.TTS, new.Providers.TTS) {
		d.RestartRequired = append(d.RestartRequired, "providers.tts")
	}
	if !sameEntry(old.Providers.Audio, new.Providers.Audio) {
		d.RestartRequired = append(d.RestartRequired, "providers.audio")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}

	return d
}

// diffRoster compares two rosters by assistant ID.
func diffRoster(old, new []roster.Assistant) []AssistantDiff {
	oldPos := make(map[string]int, len(old))
	for i, a := range old {
		oldPos[a.ID] = i
	}
	newPos := make(map[string]int, len(new))
	for i, a := range new {
		newPos[a.ID] = i
	}

	var out []AssistantDiff

	// Modified and removed, in old roster order.
	for i, oa := range old {
		j, exists := newPos[oa.ID]
		if !exists {
			out = append(out, AssistantDiff{ID: oa.ID, Removed: true})
			continue
		}
		na := new[j]
		ad := AssistantDiff{
			ID:               oa.ID,
			NameChanged:      oa.Name != na.Name,
			CharacterChanged: oa.Character != na.Character,
			VoiceChanged:     oa.Voice != na.Voice,
			Moved:            i != j,
		}
		if ad.NameChanged || ad.CharacterChanged || ad.VoiceChanged || ad.Moved {
			out = append(out, ad)
		}
	}

	// Added, in new roster order.
	for _, na := range new {
		if _, exists := oldPos[na.ID]; !exists {
			out = append(out, AssistantDiff{ID: na.ID, Added: true})
		}
	}

	return out
}

func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || !comparableEqual(v, w) {
			return false
		}
	}
	return true
}

// comparableEqual compares decoded YAML scalars. Nested maps and lists are
// treated as changed.
func comparableEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}
