// Package server exposes a conversation session over HTTP.
//
// Routes:
//
//	POST   /api/chat        {"message": "..."} → reply and utterances
//	POST   /api/reflect     let the assistants talk among themselves
//	POST   /api/gesture     user gesture; unlocks audio output
//	GET    /api/permission  current unlock state
//	DELETE /api/permission  revoke the unlock
//	GET    /api/history     ?limit=N or ?q=text&limit=N
//	DELETE /api/history     clear the log and stop playback
//	GET    /api/status      scheduler snapshot
//	GET    /api/events      WebSocket stream of speaker start/end events
//	GET    /api/voice       same-origin speech relay, when configured
//	GET    /healthz, /readyz, /metrics
//
// Chat and reflect respond as soon as the reply is parsed. Playback runs in
// the background and is reported on /api/events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/opendialogue/internal/conversation"
	"github.com/MrWong99/opendialogue/internal/health"
	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/internal/playback"
	"github.com/MrWong99/opendialogue/internal/roster"
	"github.com/MrWong99/opendialogue/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Conversation is the session surface the server drives.
// [conversation.Session] is the production implementation.
type Conversation interface {
	ID() string
	Degraded() bool
	Chat(ctx context.Context, input string) (*conversation.Turn, error)
	Reflect(ctx context.Context) (*conversation.Turn, error)
	Play(ctx context.Context, t *conversation.Turn, obs playback.Observer) error
	History(ctx context.Context, limit int) ([]types.LogEntry, error)
	Search(ctx context.Context, query string, limit int) ([]types.LogEntry, error)
	Clear(ctx context.Context) error
}

// Permission is the audio unlock state. [playback.Gate] is the production
// implementation.
type Permission interface {
	OnUserGesture(ctx context.Context) bool
	IsUnlocked() bool
	Revoke(ctx context.Context)
}

// StatusSource reports what the scheduler is doing. [playback.Pipeline] is
// the production implementation.
type StatusSource interface {
	Status() playback.Status
}

var (
	_ Conversation = (*conversation.Session)(nil)
	_ Permission   = (*playback.Gate)(nil)
	_ StatusSource = (*playback.Pipeline)(nil)
)

// Option configures a [Server].
type Option func(*Server)

// WithRelay mounts h at /api/voice.
func WithRelay(h http.Handler) Option {
	return func(s *Server) { s.relay = h }
}

// WithHealth mounts the /healthz and /readyz handlers.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics, typically promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the instruments used by the request middleware. Defaults
// to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStatus sets the source of /api/status. Without one the route reports
// an idle scheduler.
func WithStatus(src StatusSource) Option {
	return func(s *Server) { s.status = src }
}

// WithHub sets the event hub served on /api/events. Without one a private
// hub is created; it only sees events if it is registered as a playback
// observer.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// Server routes HTTP requests to one conversation.
type Server struct {
	conv           Conversation
	perm           Permission
	status         StatusSource
	hub            *Hub
	relay          http.Handler
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics

	handler http.Handler

	// ctx parents background playback and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the route table.
func New(conv Conversation, perm Permission, opts ...Option) *Server {
	s := &Server{conv: conv, perm: perm, metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(s)
	}
	if s.hub == nil {
		s.hub = NewHub(s.metrics)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/reflect", s.handleReflect)
	mux.HandleFunc("POST /api/gesture", s.handleGesture)
	mux.HandleFunc("GET /api/permission", s.handlePermission)
	mux.HandleFunc("DELETE /api/permission", s.handleRevoke)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/history", s.handleClear)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.Handle("GET /api/events", s.hub)
	if s.relay != nil {
		mux.Handle("/api/voice", s.relay)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Hub returns the event hub behind /api/events.
func (s *Server) Hub() *Hub { return s.hub }

// Close cancels background playback, waits for it to stop and disconnects
// event subscribers.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
}

// ─── Request / response bodies ─────────────────────────────────────────────

type chatRequest struct {
	Message string `json:"message"`
}

type utteranceJSON struct {
	Speaker string `json:"speaker"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type turnResponse struct {
	Session    string          `json:"session"`
	Reply      string          `json:"reply"`
	Utterances []utteranceJSON `json:"utterances"`
	Unlocked   bool            `json:"unlocked"`
}

type permissionResponse struct {
	Unlocked bool `json:"unlocked"`
}

type entryJSON struct {
	Role      string    `json:"role"`
	Name      string    `json:"name,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type historyResponse struct {
	Session  string      `json:"session"`
	Degraded bool        `json:"degraded"`
	Entries  []entryJSON `json:"entries"`
}

type statusResponse struct {
	Session  string `json:"session"`
	Unlocked bool   `json:"unlocked"`
	Active   string `json:"active,omitempty"`
	State    string `json:"state"`
	Pending  int    `json:"pending"`
	Degraded bool   `json:"degraded"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ─── Handlers ──────────────────────────────────────────────────────────────

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	turn, err := s.conv.Chat(r.Context(), req.Message)
	if err != nil {
		s.turnError(w, r, err)
		return
	}
	s.respondTurn(w, r, turn)
}

func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	turn, err := s.conv.Reflect(r.Context())
	if err != nil {
		s.turnError(w, r, err)
		return
	}
	s.respondTurn(w, r, turn)
}

func (s *Server) turnError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, conversation.ErrEmptyInput):
		respondError(w, http.StatusBadRequest, "message must not be empty")
	case errors.Is(err, conversation.ErrBusy):
		respondError(w, http.StatusConflict, "a turn is already in progress")
	case r.Context().Err() != nil:
		// Client went away; nobody reads the response.
		w.WriteHeader(http.StatusRequestTimeout)
	default:
		observe.Logger(r.Context()).Error("server: turn failed", "err", err)
		respondError(w, http.StatusInternalServerError, "turn failed")
	}
}

func (s *Server) respondTurn(w http.ResponseWriter, r *http.Request, turn *conversation.Turn) {
	resp := turnResponse{
		Session:    s.conv.ID(),
		Reply:      turn.Reply,
		Utterances: make([]utteranceJSON, 0, len(turn.Utterances)),
		Unlocked:   s.perm.IsUnlocked(),
	}
	for _, u := range turn.Utterances {
		uj := utteranceJSON{Speaker: roster.UnknownIndex, Content: u.Content}
		if u.Speaker != nil {
			uj.Name = u.Speaker.Name()
			if k, ok := u.Speaker.(roster.Known); ok {
				uj.Speaker = k.Assistant.ID
			}
		}
		resp.Utterances = append(resp.Utterances, uj)
	}
	s.play(r.Context(), turn)
	respondJSON(w, http.StatusOK, resp)
}

// play speaks turn in the background. The request context only contributes
// its values; playback outlives the response.
func (s *Server) play(reqCtx context.Context, turn *conversation.Turn) {
	if len(turn.Utterances) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(reqCtx))
	stop := context.AfterFunc(s.ctx, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		defer cancel()
		err := s.conv.Play(ctx, turn, nil)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, playback.ErrNotUnlocked):
			observe.Logger(ctx).Info("server: reply not played, audio output is locked")
		default:
			observe.Logger(ctx).Warn("server: playback failed", "err", err)
		}
	}()
}

func (s *Server) handleGesture(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, permissionResponse{Unlocked: s.perm.OnUserGesture(r.Context())})
}

func (s *Server) handlePermission(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, permissionResponse{Unlocked: s.perm.IsUnlocked()})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.perm.Revoke(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		entries []types.LogEntry
		err     error
	)
	if query := q.Get("q"); query != "" {
		entries, err = s.conv.Search(r.Context(), query, limit)
	} else {
		entries, err = s.conv.History(r.Context(), limit)
	}
	if err != nil {
		observe.Logger(r.Context()).Error("server: history lookup failed", "err", err)
		respondError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	resp := historyResponse{
		Session:  s.conv.ID(),
		Degraded: s.conv.Degraded(),
		Entries:  make([]entryJSON, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, entryJSON{
			Role:      e.Message.Role,
			Name:      e.Message.Name,
			Content:   e.Message.Content,
			Timestamp: e.Timestamp,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.conv.Clear(r.Context()); err != nil {
		observe.Logger(r.Context()).Error("server: clear history failed", "err", err)
		respondError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var st playback.Status
	if s.status != nil {
		st = s.status.Status()
	}
	state := "idle"
	if st.Active != "" {
		state = st.State.String()
	}
	respondJSON(w, http.StatusOK, statusResponse{
		Session:  s.conv.ID(),
		Unlocked: s.perm.IsUnlocked(),
		Active:   st.Active,
		State:    state,
		Pending:  st.Pending,
		Degraded: s.conv.Degraded(),
	})
}

// ─── Helpers ───────────────────────────────────────────────────────────────

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("server: trailing data after JSON body")
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}
