package app

import (
	"log/slog"

	"github.com/MrWong99/opendialogue/internal/config"
)

// applyConfig is the watcher callback. It applies the hot-reloadable part
// of the change and logs what needs a restart.
func (a *App) applyConfig(old, cur *config.Config) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	d := config.Diff(old, cur)
	if d.IsZero() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}

	if d.PromptsChanged {
		r, parser, prompts, err := buildDialogue(cur, a.providers.LLM)
		if err != nil {
			slog.Warn("app: keeping previous roster, reloaded one is invalid", "err", err)
		} else {
			a.session.Reconfigure(parser, prompts, r)
			a.pipeline.SetRoster(r)
			for _, ac := range d.AssistantChanges {
				slog.Info("app: assistant changed", "id", ac.ID,
					"added", ac.Added, "removed", ac.Removed, "moved", ac.Moved,
					"name", ac.NameChanged, "character", ac.CharacterChanged, "voice", ac.VoiceChanged)
			}
			slog.Info("app: dialogue reloaded", "assistants", r.Len())
		}
	}

	if d.VoiceChanged {
		a.pipeline.SetVoiceParams(cur.Playback.Instructions, cur.Playback.Speed)
		slog.Info("app: voice parameters changed", "speed", cur.Playback.Speed)
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes take effect after restart", "fields", d.RestartRequired)
	}
}
