package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/opendialogue/internal/dialogue"
	"github.com/MrWong99/opendialogue/internal/playback"
	"github.com/MrWong99/opendialogue/internal/roster"
	"github.com/MrWong99/opendialogue/pkg/memory"
	memmock "github.com/MrWong99/opendialogue/pkg/memory/mock"
	"github.com/MrWong99/opendialogue/pkg/provider/llm"
	llmmock "github.com/MrWong99/opendialogue/pkg/provider/llm/mock"
	"github.com/MrWong99/opendialogue/pkg/types"
)

// fakePlayer records PlayAll and Interrupt calls.
type fakePlayer struct {
	mu         sync.Mutex
	played     [][]dialogue.Utterance
	interrupts int
	err        error
}

func (p *fakePlayer) PlayAll(_ context.Context, utts []dialogue.Utterance, _ playback.Observer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, utts)
	return p.err
}

func (p *fakePlayer) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts++
}

func (p *fakePlayer) Interrupts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupts
}

type stubInferrer string

func (s stubInferrer) InferSpeaker(context.Context, string) string { return string(s) }

func testRoster(t *testing.T) *roster.Roster {
	t.Helper()
	r, err := roster.New([]roster.Assistant{
		{ID: "goto", Name: "後藤", Character: "穏やかな精神科医"},
		{ID: "nishimura", Name: "西村", Character: "猫を飼っている看護師"},
		{ID: "yamada", Name: "山田", Character: "マラソンが趣味の心理士"},
	})
	if err != nil {
		t.Fatalf("roster.New: %v", err)
	}
	return r
}

type fixture struct {
	session *Session
	llm     *llmmock.Provider
	store   *memmock.Store
	player  *fakePlayer
}

func newFixture(t *testing.T, prov *llmmock.Provider, mutate func(*Config)) *fixture {
	t.Helper()
	r := testRoster(t)
	f := &fixture{llm: prov, store: memmock.New(), player: &fakePlayer{}}
	cfg := Config{
		ID:      "s1",
		LLM:     prov,
		Parser:  dialogue.NewParser(r),
		Prompts: dialogue.NewPrompts(r, dialogue.Profile{Name: "太郎", Gender: "男性"}, ""),
		Roster:  r,
		Log:     f.store,
		Player:  f.player,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.session = s
	return f
}

// logged returns the session log as "role/name:content" strings.
func (f *fixture) logged(t *testing.T) []string {
	t.Helper()
	entries, err := f.store.GetRecent(context.Background(), f.session.ID(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = fmt.Sprintf("%s/%s:%s", e.Message.Role, e.Message.Name, e.Message.Content)
	}
	return out
}

func last(msgs []types.Message) types.Message {
	return msgs[len(msgs)-1]
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	if err == nil {
		t.Fatal("New(Config{}) succeeded")
	}
	for _, field := range []string{"LLM", "Parser", "Prompts", "Roster", "Log"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err, field)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{}, func(c *Config) { c.ID = "" })
	if f.session.ID() == "" {
		t.Error("no session id generated")
	}
	if f.session.rounds != DefaultReflectingRounds || f.session.history != DefaultHistoryLimit {
		t.Errorf("rounds=%d history=%d, want defaults", f.session.rounds, f.session.history)
	}
}

func TestChat_ParsesAndLogs(t *testing.T) {
	t.Parallel()
	prov := &llmmock.Provider{Responses: []string{"後藤：こんにちは\n関係ない行\n西村：「元気？」"}}
	f := newFixture(t, prov, nil)
	ctx := context.Background()

	turn, err := f.session.Chat(ctx, "  最近眠れなくて  ")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got, want := turn.Reply, "後藤：こんにちは\n西村：元気？"; got != want {
		t.Errorf("Reply = %q, want %q", got, want)
	}

	want := []string{"user/:最近眠れなくて", "assistant/0:こんにちは", "assistant/1:元気？"}
	if got := f.logged(t); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("log = %v, want %v", got, want)
	}

	calls := prov.Calls()
	if len(calls) != 1 {
		t.Fatalf("completions = %d, want 1", len(calls))
	}
	msgs := calls[0].Req.Messages
	// Three personas, the chat prompt, then the history ending in the input.
	if len(msgs) != 5 {
		t.Fatalf("request has %d messages, want 5: %+v", len(msgs), msgs)
	}
	for i := range 3 {
		if msgs[i].Role != types.RoleSystem || msgs[i].Name != fmt.Sprint(i) {
			t.Errorf("message %d = %+v, want persona tagged %d", i, msgs[i], i)
		}
	}
	if msgs[3].Role != types.RoleSystem || !strings.Contains(msgs[3].Content, "カウンセラー") {
		t.Errorf("message 3 is not the chat prompt: %+v", msgs[3])
	}
	if m := last(msgs); m.Role != types.RoleUser || m.Content != "最近眠れなくて" {
		t.Errorf("last message = %+v, want the user input", m)
	}
	if f.player.Interrupts() != 1 {
		t.Errorf("interrupts = %d, want 1", f.player.Interrupts())
	}
}

func TestChat_SendsHistory(t *testing.T) {
	t.Parallel()
	prov := &llmmock.Provider{Responses: []string{"後藤：一回目", "山田：二回目"}}
	f := newFixture(t, prov, func(c *Config) { c.HistoryLimit = 2 })
	ctx := context.Background()

	if _, err := f.session.Chat(ctx, "一"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.session.Chat(ctx, "二"); err != nil {
		t.Fatal(err)
	}

	msgs := prov.Calls()[1].Req.Messages
	history := msgs[4:]
	want := "[assistant/0:一回目 user/:二]"
	got := make([]string, len(history))
	for i, m := range history {
		got[i] = fmt.Sprintf("%s/%s:%s", m.Role, m.Name, m.Content)
	}
	if fmt.Sprint(got) != want {
		t.Errorf("history = %v, want %s", got, want)
	}
}

func TestChat_FailureBecomesPlaceholder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		prov *llmmock.Provider
	}{
		{name: "error", prov: &llmmock.Provider{CompleteErr: errors.New("503")}},
		{name: "empty reply", prov: &llmmock.Provider{Responses: []string{"  \n"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.prov, nil)
			turn, err := f.session.Chat(context.Background(), "こんにちは")
			if err != nil {
				t.Fatalf("Chat: %v", err)
			}
			if len(turn.Utterances) != 0 || turn.Reply != "" {
				t.Errorf("turn = %+v, want no utterances", turn)
			}
			if got := f.logged(t); len(got) != 1 {
				t.Errorf("log = %v, want only the user entry", got)
			}
		})
	}
}

func TestChat_EmptyInput(t *testing.T) {
	t.Parallel()
	prov := &llmmock.Provider{}
	f := newFixture(t, prov, nil)
	if _, err := f.session.Chat(context.Background(), " \n "); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("err = %v, want ErrEmptyInput", err)
	}
	if len(prov.Calls()) != 0 {
		t.Error("blank input reached the model")
	}
}

func TestChat_Busy(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	entered := make(chan struct{})
	prov := &llmmock.Provider{CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		close(entered)
		<-release
		return &llm.CompletionResponse{Content: "後藤：はい"}, nil
	}}
	f := newFixture(t, prov, nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Chat(context.Background(), "一")
		done <- err
	}()
	<-entered

	if _, err := f.session.Chat(context.Background(), "二"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Chat err = %v, want ErrBusy", err)
	}
	if _, err := f.session.Reflect(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Reflect err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Chat: %v", err)
	}
}

func TestChat_InferredSpeakers(t *testing.T) {
	t.Parallel()
	prov := &llmmock.Provider{Responses: []string{"名前のない行\n後藤：ある行"}}
	f := newFixture(t, prov, func(c *Config) {
		c.Parser = dialogue.NewParser(c.Roster, dialogue.WithInference(stubInferrer("誰か")))
	})

	turn, err := f.session.Chat(context.Background(), "こんにちは")
	if err != nil {
		t.Fatal(err)
	}
	if got := turn.Reply; got != "誰か：名前のない行\n後藤：ある行" {
		t.Errorf("Reply = %q", got)
	}
	want := []string{"user/:こんにちは", "assistant/-1:名前のない行", "assistant/0:ある行"}
	if got := f.logged(t); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("log = %v, want %v", got, want)
	}
}

func TestChat_LogFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	prov := &llmmock.Provider{Responses: []string{"後藤：大丈夫"}}
	f := newFixture(t, prov, nil)
	f.store.WriteEntryErr = errors.New("disk full")
	f.store.GetRecentErr = errors.New("disk full")

	turn, err := f.session.Chat(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(turn.Utterances) != 1 {
		t.Errorf("utterances = %d, want 1", len(turn.Utterances))
	}
	if !f.session.Degraded() {
		t.Error("Degraded = false after log failures")
	}
	// Without history the request still ends with the persona prompts and
	// the turn prompt.
	if msgs := prov.Calls()[0].Req.Messages; len(msgs) != 4 {
		t.Errorf("request has %d messages, want 4", len(msgs))
	}
}

func TestReflect_RoundsAndMarkers(t *testing.T) {
	t.Parallel()
	prov := &llmmock.Provider{Responses: []string{"後藤：一巡目\n西村：そうだね", "山田：二巡目"}}
	f := newFixture(t, prov, func(c *Config) { c.ReflectingRounds = 2 })

	turn, err := f.session.Reflect(context.Background())
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(turn.Utterances) != 3 {
		t.Fatalf("utterances = %d, want 3", len(turn.Utterances))
	}

	want := []string{
		"user/:" + ReflectingPrompt,
		"system/:" + ReflectingStarted,
		"assistant/0:一巡目",
		"assistant/1:そうだね",
		"assistant/2:二巡目",
		"system/:" + ReflectingEnded,
	}
	if got := f.logged(t); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("log = %v, want %v", got, want)
	}

	calls := prov.Calls()
	if len(calls) != 2 {
		t.Fatalf("completions = %d, want 2", len(calls))
	}
	first, second := calls[0].Req.Messages, calls[1].Req.Messages
	if !strings.Contains(first[3].Content, "リフレクティング") {
		t.Errorf("round 0 prompt is not the reflecting prompt: %q", first[3].Content)
	}
	if m := last(first); m.Role != types.RoleUser || m.Content != ReflectingPrompt {
		t.Errorf("round 0 last message = %+v, want the reflecting prompt", m)
	}
	if m := last(second); m.Role != types.RoleAssistant || m.Content != "そうだね" {
		t.Errorf("round 1 last message = %+v, want the previous round's last line", m)
	}
}

func TestPlay(t *testing.T) {
	t.Parallel()
	prov := &llmmock.Provider{Responses: []string{"後藤：一\n西村：二"}}
	f := newFixture(t, prov, nil)
	ctx := context.Background()

	turn, err := f.session.Chat(ctx, "こんにちは")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.session.Play(ctx, turn, nil); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if len(f.player.played) != 1 || len(f.player.played[0]) != 2 {
		t.Errorf("played = %+v, want one batch of two", f.player.played)
	}

	f.player.err = playback.ErrNotUnlocked
	if err := f.session.Play(ctx, turn, nil); !errors.Is(err, playback.ErrNotUnlocked) {
		t.Errorf("Play err = %v, want ErrNotUnlocked", err)
	}

	silent := newFixture(t, prov, func(c *Config) { c.Player = nil })
	if err := silent.session.Play(ctx, turn, nil); err != nil {
		t.Errorf("Play without player = %v", err)
	}
}

func TestHistorySearchClear(t *testing.T) {
	t.Parallel()
	prov := &llmmock.Provider{Responses: []string{"後藤：猫の話をしよう"}}
	f := newFixture(t, prov, nil)
	ctx := context.Background()
	if _, err := f.session.Chat(ctx, "猫が好きです"); err != nil {
		t.Fatal(err)
	}

	hist, err := f.session.History(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Message.Content != "猫の話をしよう" {
		t.Errorf("History(1) = %+v", hist)
	}
	found, err := f.session.Search(ctx, "猫", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Errorf("Search = %d entries, want 2", len(found))
	}

	if err := f.session.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.logged(t); len(got) != 0 {
		t.Errorf("log after Clear = %v", got)
	}
	if f.player.Interrupts() != 2 {
		t.Errorf("interrupts = %d, want 2", f.player.Interrupts())
	}
}

func TestReconfigure(t *testing.T) {
	t.Parallel()
	prov := &llmmock.Provider{Responses: []string{"佐藤：交代しました"}}
	f := newFixture(t, prov, nil)

	r, err := roster.New([]roster.Assistant{{ID: "sato", Name: "佐藤"}})
	if err != nil {
		t.Fatal(err)
	}
	f.session.Reconfigure(dialogue.NewParser(r), dialogue.NewPrompts(r, dialogue.Profile{Name: "太郎"}, ""), r)
	turn, err := f.session.Chat(context.Background(), "誰？")
	if err != nil {
		t.Fatal(err)
	}
	if len(turn.Utterances) != 1 || turn.Utterances[0].Speaker.Name() != "佐藤" {
		t.Errorf("utterances = %+v", turn.Utterances)
	}
	if n := len(prov.Calls()[0].Req.Messages); n != 3 {
		t.Errorf("request has %d messages, want 3 with a single persona", n)
	}
}

func TestLogGuard(t *testing.T) {
	t.Parallel()
	store := memmock.New()
	g := NewLogGuard(store)
	ctx := context.Background()

	entry := types.LogEntry{SessionID: "s", Message: types.Message{Role: types.RoleUser, Content: "x"}, Timestamp: time.Now()}
	if err := g.WriteEntry(ctx, entry); err != nil || g.IsDegraded() {
		t.Fatalf("WriteEntry = %v, degraded %v", err, g.IsDegraded())
	}

	store.SearchErr = errors.New("down")
	got, err := g.Search(ctx, "x", memory.SearchOpts{SessionID: "s"})
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("Search = %v, %v; want empty, nil", got, err)
	}
	if !g.IsDegraded() {
		t.Error("IsDegraded = false after a failure")
	}

	if _, err := g.GetRecent(ctx, "s", 10); err != nil || g.IsDegraded() {
		t.Errorf("GetRecent = %v, degraded %v; want recovery", err, g.IsDegraded())
	}
}
