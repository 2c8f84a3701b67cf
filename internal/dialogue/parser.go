// Package dialogue turns free-form model output into attributed utterances
// and builds the prompts that ask the model for such output.
//
// The model is asked to answer with one "Name：line" per speaker turn. Real
// replies drift from that format: lines get wrapped in 「」, the colon is
// sometimes half-width, and now and then the name is missing. [Parser]
// accepts the documented variants and, when configured with a
// [SpeakerInferrer], recovers lines that carry no recognisable name.
package dialogue

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/opendialogue/internal/roster"
	"github.com/MrWong99/opendialogue/pkg/types"
)

// Utterance is one attributed line of dialogue.
type Utterance struct {
	// Role is types.RoleAssistant for every utterance the parser emits.
	Role string

	// Content is the trimmed, non-empty text to speak.
	Content string

	// Speaker is who said it. Never nil for parser output.
	Speaker roster.Speaker
}

// Option is a functional option for configuring a [Parser].
type Option func(*Parser)

// WithInference routes lines without a roster-name prefix to inf instead of
// dropping them.
func WithInference(inf SpeakerInferrer) Option {
	return func(p *Parser) {
		p.inferrer = inf
	}
}

// Parser extracts utterances for a fixed roster. It is safe for concurrent
// use.
type Parser struct {
	roster   *roster.Roster
	prefix   *regexp.Regexp
	inferrer SpeakerInferrer
}

// NewParser builds a parser for r. A nil or empty roster yields a parser that
// never emits anything.
func NewParser(r *roster.Roster, opts ...Option) *Parser {
	p := &Parser{roster: r}
	if names := r.Names(); len(names) > 0 {
		quoted := make([]string, len(names))
		for i, n := range names {
			quoted[i] = regexp.QuoteMeta(n)
		}
		p.prefix = regexp.MustCompile(`^(` + strings.Join(quoted, "|") + `)[：:](.+)$`)
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse splits text into utterances in input order. It never fails: lines it
// cannot attribute are dropped (lenient mode) or attributed by the inferrer,
// possibly to an [roster.Unknown] speaker.
func (p *Parser) Parse(ctx context.Context, text string) []Utterance {
	out := []Utterance{}
	if p.prefix == nil {
		return out
	}

	for _, raw := range strings.Split(text, "\n") {
		line := unquote(strings.TrimSpace(raw))
		if line == "" {
			continue
		}

		if m := p.prefix.FindStringSubmatch(line); m != nil {
			content := unquote(strings.TrimSpace(m[2]))
			if content == "" {
				continue
			}
			out = append(out, Utterance{
				Role:    types.RoleAssistant,
				Content: content,
				Speaker: p.roster.Resolve(m[1]),
			})
			continue
		}

		if p.inferrer == nil {
			slog.Debug("dialogue: dropping line without speaker", "line", line)
			continue
		}
		if u, ok := p.infer(ctx, line); ok {
			out = append(out, u)
		}
	}
	return out
}

// infer attributes a line that did not match the prefix pattern.
func (p *Parser) infer(ctx context.Context, line string) (Utterance, bool) {
	// Whatever precedes the first colon is a label, not speech, even when it
	// is not a roster name ("後藤さん：…").
	content := line
	if _, tail, ok := cutColon(line); ok {
		content = tail
	}
	content = unquote(strings.TrimSpace(content))
	if content == "" {
		return Utterance{}, false
	}

	name := NormalizeSpeaker(p.inferrer.InferSpeaker(ctx, line))
	speaker := p.roster.Resolve(name)
	if !roster.IsKnown(speaker) {
		slog.Debug("dialogue: inferred speaker is not in roster", "speaker", name, "line", line)
	}
	return Utterance{Role: types.RoleAssistant, Content: content, Speaker: speaker}, true
}

var speakerNoise = strings.NewReplacer("「", "", "」", "", "[", "", "]", "", " ", "", "　", "")

// NormalizeSpeaker strips brackets and spaces of either width from a name
// produced by the model.
func NormalizeSpeaker(s string) string {
	return speakerNoise.Replace(strings.TrimSpace(s))
}

// unquote removes one pair of enclosing 「」.
func unquote(s string) string {
	if strings.HasPrefix(s, "「") && strings.HasSuffix(s, "」") {
		return strings.TrimSuffix(strings.TrimPrefix(s, "「"), "」")
	}
	return s
}

// cutColon splits s around its first full-width or half-width colon.
func cutColon(s string) (head, tail string, ok bool) {
	i := strings.IndexAny(s, "：:")
	if i < 0 {
		return s, "", false
	}
	_, size := utf8.DecodeRuneInString(s[i:])
	return s[:i], s[i+size:], true
}
