package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/opendialogue/internal/conversation"
	"github.com/MrWong99/opendialogue/internal/dialogue"
	"github.com/MrWong99/opendialogue/internal/health"
	"github.com/MrWong99/opendialogue/internal/playback"
	"github.com/MrWong99/opendialogue/internal/roster"
	"github.com/MrWong99/opendialogue/internal/server"
	"github.com/MrWong99/opendialogue/pkg/types"
)

// ─── Fakes ─────────────────────────────────────────────────────────────────

type fakeConversation struct {
	mu       sync.Mutex
	turn     *conversation.Turn
	chatErr  error
	inputs   []string
	reflects int
	played   chan *conversation.Turn
	playErr  error
	entries  []types.LogEntry
	queries  []string
	limits   []int
	cleared  int
	degraded bool
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{played: make(chan *conversation.Turn, 4)}
}

func (f *fakeConversation) ID() string     { return "session-1" }
func (f *fakeConversation) Degraded() bool { return f.degraded }

func (f *fakeConversation) Chat(_ context.Context, input string) (*conversation.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.turn, nil
}

func (f *fakeConversation) Reflect(context.Context) (*conversation.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reflects++
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.turn, nil
}

func (f *fakeConversation) Play(_ context.Context, t *conversation.Turn, _ playback.Observer) error {
	f.played <- t
	return f.playErr
}

func (f *fakeConversation) History(_ context.Context, limit int) ([]types.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	return f.entries, nil
}

func (f *fakeConversation) Search(_ context.Context, query string, limit int) ([]types.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.limits = append(f.limits, limit)
	return f.entries, nil
}

func (f *fakeConversation) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

type fakePermission struct {
	mu       sync.Mutex
	unlocked bool
	gestures int
	revokes  int
}

func (p *fakePermission) OnUserGesture(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gestures++
	p.unlocked = true
	return true
}

func (p *fakePermission) IsUnlocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unlocked
}

func (p *fakePermission) Revoke(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revokes++
	p.unlocked = false
}

type fakeStatus struct{ st playback.Status }

func (f fakeStatus) Status() playback.Status { return f.st }

type turnResp struct {
	Session    string `json:"session"`
	Reply      string `json:"reply"`
	Unlocked   bool   `json:"unlocked"`
	Utterances []struct {
		Speaker string `json:"speaker"`
		Name    string `json:"name"`
		Content string `json:"content"`
	} `json:"utterances"`
}

func sampleTurn() *conversation.Turn {
	a := roster.Assistant{ID: "goto", Name: "後藤"}
	return &conversation.Turn{
		Reply: "後藤：こんにちは\n？？？：誰？",
		Utterances: []dialogue.Utterance{
			{Role: types.RoleAssistant, Content: "こんにちは", Speaker: roster.Known{Assistant: a}},
			{Role: types.RoleAssistant, Content: "誰？", Speaker: roster.Unknown{Raw: "？？？"}},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

// ─── Tests ─────────────────────────────────────────────────────────────────

func TestChat_RespondsAndPlays(t *testing.T) {
	t.Parallel()
	conv := newFakeConversation()
	conv.turn = sampleTurn()
	srv := server.New(conv, &fakePermission{unlocked: true})
	defer srv.Close()

	rec := do(t, srv, http.MethodPost, "/api/chat", `{"message":"やあ"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}

	resp := decode[turnResp](t, rec)

	if resp.Session != "session-1" || !resp.Unlocked {
		t.Errorf("session = %q unlocked = %v", resp.Session, resp.Unlocked)
	}
	if resp.Reply != conv.turn.Reply {
		t.Errorf("reply = %q", resp.Reply)
	}
	if len(resp.Utterances) != 2 {
		t.Fatalf("utterances = %+v", resp.Utterances)
	}
	if u := resp.Utterances[0]; u.Speaker != "goto" || u.Name != "後藤" || u.Content != "こんにちは" {
		t.Errorf("utterance[0] = %+v", u)
	}
	if u := resp.Utterances[1]; u.Speaker != roster.UnknownIndex || u.Name != "？？？" {
		t.Errorf("utterance[1] = %+v", u)
	}

	select {
	case got := <-conv.played:
		if got != conv.turn {
			t.Error("played a different turn")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn was not played")
	}
	if len(conv.inputs) != 1 || conv.inputs[0] != "やあ" {
		t.Errorf("inputs = %q", conv.inputs)
	}
}

func TestChat_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		chatErr error
		want    int
	}{
		{name: "malformed body", body: `{"message":`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"msg":"hi"}`, want: http.StatusBadRequest},
		{name: "empty input", body: `{"message":"  "}`, chatErr: conversation.ErrEmptyInput, want: http.StatusBadRequest},
		{name: "busy", body: `{"message":"hi"}`, chatErr: conversation.ErrBusy, want: http.StatusConflict},
		{name: "internal", body: `{"message":"hi"}`, chatErr: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conv := newFakeConversation()
			conv.chatErr = tt.chatErr
			srv := server.New(conv, &fakePermission{})
			defer srv.Close()

			rec := do(t, srv, http.MethodPost, "/api/chat", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if e := decode[struct {
				Error string `json:"error"`
			}](t, rec); e.Error == "" {
				t.Error("expected an error message")
			}
			select {
			case <-conv.played:
				t.Error("nothing should be played on error")
			default:
			}
		})
	}
}

func TestReflect(t *testing.T) {
	t.Parallel()
	conv := newFakeConversation()
	conv.turn = sampleTurn()
	srv := server.New(conv, &fakePermission{})
	defer srv.Close()

	rec := do(t, srv, http.MethodPost, "/api/reflect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if conv.reflects != 1 {
		t.Errorf("reflects = %d", conv.reflects)
	}
}

func TestChat_LockedPlaybackStillResponds(t *testing.T) {
	t.Parallel()
	conv := newFakeConversation()
	conv.turn = sampleTurn()
	conv.playErr = playback.ErrNotUnlocked
	srv := server.New(conv, &fakePermission{})
	defer srv.Close()

	rec := do(t, srv, http.MethodPost, "/api/chat", `{"message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decode[turnResp](t, rec); resp.Unlocked {
		t.Error("unlocked = true, want false")
	}
}

func TestPermissionRoutes(t *testing.T) {
	t.Parallel()
	perm := &fakePermission{}
	srv := server.New(newFakeConversation(), perm)
	defer srv.Close()

	rec := do(t, srv, http.MethodGet, "/api/permission", "")
	if got := decode[struct {
		Unlocked bool `json:"unlocked"`
	}](t, rec); got.Unlocked {
		t.Error("initially unlocked")
	}

	rec = do(t, srv, http.MethodPost, "/api/gesture", "")
	if got := decode[struct {
		Unlocked bool `json:"unlocked"`
	}](t, rec); !got.Unlocked {
		t.Error("gesture did not unlock")
	}

	rec = do(t, srv, http.MethodDelete, "/api/permission", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("revoke status = %d", rec.Code)
	}
	if perm.gestures != 1 || perm.revokes != 1 || perm.IsUnlocked() {
		t.Errorf("gestures=%d revokes=%d unlocked=%v", perm.gestures, perm.revokes, perm.IsUnlocked())
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conv := newFakeConversation()
	conv.degraded = true
	conv.entries = []types.LogEntry{
		{SessionID: "session-1", Message: types.Message{Role: types.RoleUser, Content: "やあ"}, Timestamp: ts},
		{SessionID: "session-1", Message: types.Message{Role: types.RoleAssistant, Content: "こんにちは", Name: "0"}, Timestamp: ts},
	}
	srv := server.New(conv, &fakePermission{})
	defer srv.Close()

	rec := do(t, srv, http.MethodGet, "/api/history?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[struct {
		Session  string `json:"session"`
		Degraded bool   `json:"degraded"`
		Entries  []struct {
			Role      string    `json:"role"`
			Name      string    `json:"name"`
			Content   string    `json:"content"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"entries"`
	}](t, rec)
	if !resp.Degraded || len(resp.Entries) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if e := resp.Entries[1]; e.Role != types.RoleAssistant || e.Name != "0" || !e.Timestamp.Equal(ts) {
		t.Errorf("entry = %+v", e)
	}

	do(t, srv, http.MethodGet, "/api/history?q=%E3%82%84&limit=3", "")
	if len(conv.queries) != 1 || conv.queries[0] != "や" {
		t.Errorf("queries = %q", conv.queries)
	}
	if len(conv.limits) != 2 || conv.limits[0] != 10 || conv.limits[1] != 3 {
		t.Errorf("limits = %v", conv.limits)
	}

	if rec := do(t, srv, http.MethodGet, "/api/history?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}

	if rec := do(t, srv, http.MethodDelete, "/api/history", ""); rec.Code != http.StatusNoContent {
		t.Errorf("clear status = %d", rec.Code)
	}
	if conv.cleared != 1 {
		t.Errorf("cleared = %d", conv.cleared)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	st := fakeStatus{st: playback.Status{Active: "goto", State: playback.StatePlaying, Pending: 2}}
	srv := server.New(newFakeConversation(), &fakePermission{unlocked: true}, server.WithStatus(st))
	defer srv.Close()

	resp := decode[struct {
		Active   string `json:"active"`
		State    string `json:"state"`
		Pending  int    `json:"pending"`
		Unlocked bool   `json:"unlocked"`
	}](t, do(t, srv, http.MethodGet, "/api/status", ""))
	if resp.Active != "goto" || resp.State != playback.StatePlaying.String() || resp.Pending != 2 || !resp.Unlocked {
		t.Errorf("status = %+v", resp)
	}
}

func TestOptionalRoutes(t *testing.T) {
	t.Parallel()
	relay := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF"))
	})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	hh := health.New([]health.Checker{{Name: "memory", Check: func(context.Context) error { return nil }}})

	srv := server.New(newFakeConversation(), &fakePermission{},
		server.WithRelay(relay),
		server.WithMetricsHandler(metrics),
		server.WithHealth(hh),
	)
	defer srv.Close()

	tests := []struct {
		path string
		want int
	}{
		{"/api/voice?text=hi", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
	}
	for _, tt := range tests {
		if rec := do(t, srv, http.MethodGet, tt.path, ""); rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}

	bare := server.New(newFakeConversation(), &fakePermission{})
	defer bare.Close()
	if rec := do(t, bare, http.MethodGet, "/api/voice?text=hi", ""); rec.Code != http.StatusNotFound {
		t.Errorf("relay without option = %d, want 404", rec.Code)
	}
	resp := decode[struct {
		State string `json:"state"`
	}](t, do(t, bare, http.MethodGet, "/api/status", ""))
	if resp.State != "idle" {
		t.Errorf("idle state = %q", resp.State)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	srv := server.New(newFakeConversation(), &fakePermission{})
	defer srv.Close()

	if rec := do(t, srv, http.MethodGet, "/api/chat", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/chat = %d", rec.Code)
	}
}
