package roster

// Speaker identifies who said an utterance. The only implementations are
// [Known] and [Unknown].
type Speaker interface {
	// Name returns the display name, or the raw unresolved name.
	Name() string

	speaker()
}

// Known is a speaker that belongs to the roster.
type Known struct {
	Assistant Assistant
}

// Name implements [Speaker].
func (k Known) Name() string { return k.Assistant.Name }

func (Known) speaker() {}

// Unknown is a speaker the roster does not contain. Raw holds whatever name
// was produced, possibly empty.
type Unknown struct {
	Raw string
}

// Name implements [Speaker].
func (u Unknown) Name() string { return u.Raw }

func (Unknown) speaker() {}

// IsKnown reports whether s is a roster member.
func IsKnown(s Speaker) bool {
	_, ok := s.(Known)
	return ok
}
