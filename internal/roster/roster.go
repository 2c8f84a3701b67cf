// Package roster holds the fixed set of assistant personas that take part in
// a conversation and maps each of them to a synthesis voice.
//
// A [Roster] is immutable after [New] and safe for concurrent use. Speakers
// attributed to an utterance are represented by the closed [Speaker] sum
// type: either a [Known] roster member or an [Unknown] name the model (or
// the speaker inference) produced.
package roster

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/antzucaro/matchr"
)

// UnknownIndex is the persona index used for speakers outside the roster.
const UnknownIndex = "-1"

// similarityWarnThreshold is the Jaro-Winkler score above which two persona
// names are reported as easy to confuse.
const similarityWarnThreshold = 0.9

// Assistant is one persona of the conversation.
type Assistant struct {
	// ID is a stable identifier, unique within the roster.
	ID string `yaml:"id" json:"id"`

	// Name is the display name and the prefix the model writes before each
	// line ("後藤：..."). Unique within the roster.
	Name string `yaml:"name" json:"name"`

	// Character is a free-form persona description fed to the model.
	Character string `yaml:"character" json:"character"`

	// Voice optionally pins the synthesis voice. Empty means [VoiceFor].
	Voice string `yaml:"voice,omitempty" json:"voice,omitempty"`
}

// Roster is an ordered, validated set of assistants.
type Roster struct {
	members []Assistant
	byName  map[string]int
}

// New validates members and returns a Roster preserving their order.
//
// IDs and names must be non-empty and unique. Names that are nearly identical
// are accepted but logged, because the parser matches prefixes literally.
func New(members []Assistant) (*Roster, error) {
	var errs []error
	ids := make(map[string]bool, len(members))
	byName := make(map[string]int, len(members))

	for i, a := range members {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("assistant[%d]: id must not be empty", i))
		} else if ids[a.ID] {
			errs = append(errs, fmt.Errorf("assistant[%d]: duplicate id %q", i, a.ID))
		}
		ids[a.ID] = true

		if a.Name == "" {
			errs = append(errs, fmt.Errorf("assistant[%d]: name must not be empty", i))
			continue
		}
		if _, dup := byName[a.Name]; dup {
			errs = append(errs, fmt.Errorf("assistant[%d]: duplicate name %q", i, a.Name))
			continue
		}
		byName[a.Name] = i
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("roster: %w", errors.Join(errs...))
	}

	for i := range members {
		for j := i + 1; j < len(members); j++ {
			if s := matchr.JaroWinkler(members[i].Name, members[j].Name, false); s >= similarityWarnThreshold {
				slog.Warn("roster: assistant names are very similar",
					"first", members[i].Name, "second", members[j].Name, "similarity", s)
			}
		}
	}

	return &Roster{members: append([]Assistant(nil), members...), byName: byName}, nil
}

// Members returns a copy of the assistants in roster order.
func (r *Roster) Members() []Assistant {
	if r == nil {
		return nil
	}
	return append([]Assistant(nil), r.members...)
}

// Names returns the assistant names in roster order.
func (r *Roster) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.members))
	for i, a := range r.members {
		names[i] = a.Name
	}
	return names
}

// Len returns the number of assistants.
func (r *Roster) Len() int {
	if r == nil {
		return 0
	}
	return len(r.members)
}

// Lookup returns the assistant with the exact name.
func (r *Roster) Lookup(name string) (Assistant, bool) {
	if r == nil {
		return Assistant{}, false
	}
	i, ok := r.byName[name]
	if !ok {
		return Assistant{}, false
	}
	return r.members[i], true
}

// Resolve turns a raw speaker name into a [Speaker]: [Known] when the name
// belongs to the roster, [Unknown] otherwise.
func (r *Roster) Resolve(name string) Speaker {
	if a, ok := r.Lookup(name); ok {
		return Known{Assistant: a}
	}
	return Unknown{Raw: name}
}

// Index returns the zero-based roster position of s as a decimal string, or
// [UnknownIndex] when s is not a roster member.
func (r *Roster) Index(s Speaker) string {
	k, ok := s.(Known)
	if !ok || r == nil {
		return UnknownIndex
	}
	i, ok := r.byName[k.Assistant.Name]
	if !ok {
		return UnknownIndex
	}
	return strconv.Itoa(i)
}

// ByIndex is the inverse of [Roster.Index].
func (r *Roster) ByIndex(idx string) Speaker {
	i, err := strconv.Atoi(idx)
	if err != nil || r == nil || i < 0 || i >= len(r.members) {
		return Unknown{Raw: idx}
	}
	return Known{Assistant: r.members[i]}
}

// Voice returns the synthesis voice for s. A voice pinned on the assistant
// wins; otherwise the name goes through [VoiceFor]. Unknown speakers get
// [DefaultVoice].
func (r *Roster) Voice(s Speaker) string {
	switch sp := s.(type) {
	case Known:
		if sp.Assistant.Voice != "" {
			return sp.Assistant.Voice
		}
		return VoiceFor(sp.Assistant.Name)
	default:
		return DefaultVoice
	}
}
