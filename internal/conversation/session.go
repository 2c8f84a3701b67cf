// Package conversation drives the turns of one conversation: it asks the
// language model for a multi-speaker reply, parses it into utterances, keeps
// the conversation log and hands the utterances to playback.
//
// A turn is either a chat turn, answering one user input, or a reflecting
// turn in which the assistants talk among themselves for a configured number
// of rounds while the user listens.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/opendialogue/internal/dialogue"
	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/internal/playback"
	"github.com/MrWong99/opendialogue/internal/roster"
	"github.com/MrWong99/opendialogue/pkg/memory"
	"github.com/MrWong99/opendialogue/pkg/provider/llm"
	"github.com/MrWong99/opendialogue/pkg/types"
)

const (
	// Placeholder replaces the reply of a failed or empty completion. It
	// parses to no utterances.
	Placeholder = "："

	// ReflectingPrompt is the user entry that opens a reflecting turn.
	ReflectingPrompt = "リフレクティングを開始して下さい"

	// ReflectingStarted and ReflectingEnded are the system markers logged
	// around a reflecting turn.
	ReflectingStarted = "----- Reflecting Started -----"
	ReflectingEnded   = "----- Reflecting Ended -----"

	// DefaultReflectingRounds is the number of completion rounds in a
	// reflecting turn.
	DefaultReflectingRounds = 1

	// DefaultHistoryLimit is the number of log entries sent with each
	// completion.
	DefaultHistoryLimit = 100
)

var (
	// ErrEmptyInput is returned by [Session.Chat] for blank input.
	ErrEmptyInput = errors.New("conversation: empty input")

	// ErrBusy is returned when a turn is started while another one of the
	// same session is still waiting for the model.
	ErrBusy = errors.New("conversation: turn in progress")
)

// Player speaks utterances. [playback.Pipeline] is the production
// implementation.
type Player interface {
	PlayAll(ctx context.Context, utts []dialogue.Utterance, obs playback.Observer) error
	Interrupt()
}

// Config configures a [Session]. LLM, Parser, Prompts, Roster and Log are
// required.
type Config struct {
	// ID identifies the session in the log. Empty means a new random UUID.
	ID string

	// LLM produces the replies.
	LLM llm.Provider

	// Parser splits replies into utterances.
	Parser *dialogue.Parser

	// Prompts renders the persona and turn system prompts.
	Prompts *dialogue.Prompts

	// Roster maps speakers to the index logged as the message name.
	Roster *roster.Roster

	// Log persists the conversation. It is wrapped in a [LogGuard].
	Log memory.SessionStore

	// Player speaks the parsed utterances. Nil disables playback.
	Player Player

	// ReflectingRounds defaults to [DefaultReflectingRounds].
	ReflectingRounds int

	// HistoryLimit defaults to [DefaultHistoryLimit].
	HistoryLimit int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Turn is the outcome of one chat or reflecting turn.
type Turn struct {
	// Utterances are the parsed assistant lines in speaking order.
	Utterances []dialogue.Utterance

	// Reply is the reply rewritten as one "name：content" line per
	// utterance.
	Reply string
}

// Session is one conversation. Turns of a session are serialized; starting a
// turn while another is running fails with [ErrBusy].
type Session struct {
	id      string
	llm     llm.Provider
	parser  *dialogue.Parser
	prompts *dialogue.Prompts
	roster  *roster.Roster
	log     *LogGuard
	player  Player
	rounds  int
	history int
	metrics *observe.Metrics
	now     func() time.Time

	mu sync.Mutex // held for the duration of a turn

	cfgMu sync.RWMutex // guards parser, prompts and roster
}

// New validates cfg and returns a Session.
func New(cfg Config) (*Session, error) {
	var errs []error
	if cfg.LLM == nil {
		errs = append(errs, errors.New("conversation: LLM is required"))
	}
	if cfg.Parser == nil {
		errs = append(errs, errors.New("conversation: Parser is required"))
	}
	if cfg.Prompts == nil {
		errs = append(errs, errors.New("conversation: Prompts is required"))
	}
	if cfg.Roster == nil {
		errs = append(errs, errors.New("conversation: Roster is required"))
	}
	if cfg.Log == nil {
		errs = append(errs, errors.New("conversation: Log is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	s := &Session{
		id:      cfg.ID,
		llm:     cfg.LLM,
		parser:  cfg.Parser,
		prompts: cfg.Prompts,
		roster:  cfg.Roster,
		log:     NewLogGuard(cfg.Log),
		player:  cfg.Player,
		rounds:  cfg.ReflectingRounds,
		history: cfg.HistoryLimit,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.rounds <= 0 {
		s.rounds = DefaultReflectingRounds
	}
	if s.history <= 0 {
		s.history = DefaultHistoryLimit
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Degraded reports whether the conversation log is currently failing.
func (s *Session) Degraded() bool { return s.log.IsDegraded() }

// Reconfigure swaps the parser, prompts and roster used by later turns.
func (s *Session) Reconfigure(p *dialogue.Parser, prompts *dialogue.Prompts, r *roster.Roster) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.parser, s.prompts, s.roster = p, prompts, r
}

func (s *Session) current() (*dialogue.Parser, *dialogue.Prompts, *roster.Roster) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.parser, s.prompts, s.roster
}

// Chat runs one chat turn for input. The user entry and the assistant
// entries are appended to the log; playback is left to [Session.Play].
// Any playback still running from an earlier turn is interrupted.
func (s *Session) Chat(ctx context.Context, input string) (*Turn, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()

	ctx, span := observe.StartSpan(observe.WithSession(ctx, s.id), "conversation.Chat")
	defer span.End()
	s.interrupt()

	parser, prompts, r := s.current()
	s.write(ctx, types.Message{Role: types.RoleUser, Content: input})
	history := s.recent(ctx)

	reply := s.complete(ctx, prompts.Personas(), prompts.Chat(), history, "")
	utts := parser.Parse(ctx, reply)
	s.writeUtterances(ctx, r, utts)

	observe.Logger(ctx).Info("conversation: chat turn complete", "utterances", len(utts))
	return &Turn{Utterances: utts, Reply: render(utts)}, nil
}

// Reflect runs a reflecting turn: a [ReflectingPrompt] user entry and a
// [ReflectingStarted] marker are logged, then the configured number of
// completion rounds run, each seeing the lines of the rounds before, and a
// [ReflectingEnded] marker closes the turn.
func (s *Session) Reflect(ctx context.Context) (*Turn, error) {
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()

	ctx, span := observe.StartSpan(observe.WithSession(ctx, s.id), "conversation.Reflect")
	defer span.End()
	s.interrupt()

	parser, prompts, r := s.current()
	s.write(ctx, types.Message{Role: types.RoleUser, Content: ReflectingPrompt})
	s.write(ctx, types.Message{Role: types.RoleSystem, Content: ReflectingStarted})
	history := s.recent(ctx)

	var all []dialogue.Utterance
	for round := range s.rounds {
		input := ""
		if round == 0 {
			input = ReflectingPrompt
		}
		reply := s.complete(ctx, prompts.Personas(), prompts.Reflecting(), history, input)
		utts := parser.Parse(ctx, reply)
		msgs := s.writeUtterances(ctx, r, utts)
		history = append(history, msgs...)
		all = append(all, utts...)
	}
	s.write(ctx, types.Message{Role: types.RoleSystem, Content: ReflectingEnded})

	observe.Logger(ctx).Info("conversation: reflecting turn complete",
		"rounds", s.rounds, "utterances", len(all))
	return &Turn{Utterances: all, Reply: render(all)}, nil
}

// Play speaks the utterances of t and notifies obs. It returns
// [playback.ErrNotUnlocked] when output is not unlocked and otherwise only
// ctx's error. Without a player it returns nil immediately.
func (s *Session) Play(ctx context.Context, t *Turn, obs playback.Observer) error {
	if s.player == nil || t == nil {
		return nil
	}
	return s.player.PlayAll(observe.WithSession(ctx, s.id), t.Utterances, obs)
}

// History returns the newest limit log entries, oldest first. limit <= 0
// returns the configured history window.
func (s *Session) History(ctx context.Context, limit int) ([]types.LogEntry, error) {
	if limit <= 0 {
		limit = s.history
	}
	return s.log.GetRecent(ctx, s.id, limit)
}

// Search finds log entries of this session containing query.
func (s *Session) Search(ctx context.Context, query string, limit int) ([]types.LogEntry, error) {
	return s.log.Search(ctx, query, memory.SearchOpts{SessionID: s.id, Limit: limit})
}

// Clear deletes the session's log and stops playback.
func (s *Session) Clear(ctx context.Context) error {
	s.interrupt()
	return s.log.ClearSession(ctx, s.id)
}

func (s *Session) interrupt() {
	if s.player != nil {
		s.player.Interrupt()
	}
}

// complete sends one request: persona messages, the turn's system prompt,
// the history and, when non-empty, input as a trailing user message. Errors
// and empty replies become [Placeholder].
func (s *Session) complete(ctx context.Context, personas []types.Message, system string, history []types.Message, input string) string {
	msgs := make([]types.Message, 0, len(personas)+len(history)+2)
	msgs = append(msgs, personas...)
	msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: system})
	msgs = append(msgs, history...)
	if input != "" {
		msgs = append(msgs, types.Message{Role: types.RoleUser, Content: input})
	}

	start := time.Now()
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{Messages: msgs})
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	switch {
	case err != nil:
		s.metrics.RecordProviderRequest(ctx, "llm", "complete", "error")
		observe.Logger(ctx).Warn("conversation: completion failed, using placeholder", "err", err)
		return Placeholder
	case resp == nil || strings.TrimSpace(resp.Content) == "":
		s.metrics.RecordProviderRequest(ctx, "llm", "complete", "empty")
		return Placeholder
	default:
		s.metrics.RecordProviderRequest(ctx, "llm", "complete", "ok")
		return resp.Content
	}
}

// recent loads the history window as completion messages.
func (s *Session) recent(ctx context.Context) []types.Message {
	entries, _ := s.log.GetRecent(ctx, s.id, s.history)
	msgs := make([]types.Message, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return msgs
}

func (s *Session) write(ctx context.Context, m types.Message) {
	_ = s.log.WriteEntry(ctx, types.LogEntry{SessionID: s.id, Message: m, Timestamp: s.now()})
}

// writeUtterances logs utts as assistant messages named by roster index and
// returns the logged messages.
func (s *Session) writeUtterances(ctx context.Context, r *roster.Roster, utts []dialogue.Utterance) []types.Message {
	msgs := make([]types.Message, len(utts))
	for i, u := range utts {
		msgs[i] = types.Message{Role: types.RoleAssistant, Content: u.Content, Name: r.Index(u.Speaker)}
		s.write(ctx, msgs[i])
	}
	return msgs
}

// render formats utts as "name：content" lines.
func render(utts []dialogue.Utterance) string {
	var sb strings.Builder
	for i, u := range utts {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s：%s", u.Speaker.Name(), u.Content)
	}
	return sb.String()
}
