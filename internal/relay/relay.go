// Package relay serves synthesized speech over HTTP from the same origin as
// the API, so clients never need the upstream key or CORS access to the
// speech backend.
//
//	GET /api/voice?text=こんにちは&speaker=13
//
// Responses carry the audio bytes with a sniffed Content-Type and a one-hour
// public cache lifetime. Errors are JSON objects of the form
// {"error": "..."}.
package relay

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/pkg/provider/tts"
)

// DefaultSpeaker is used when a request names no speaker.
const DefaultSpeaker = "8"

const (
	cacheControl   = "public, max-age=3600"
	fallbackFormat = "audio/mpeg"
)

// Error bodies returned to clients.
const (
	msgTextRequired = "Text parameter is required"
	msgUpstream     = "Failed to generate voice"
	msgInternal     = "Internal server error"
	msgRateLimited  = "Too many requests"
	msgNotAllowed   = "Method not allowed"
)

// Option configures a [Handler].
type Option func(*Handler)

// WithRateLimit allows perSecond requests per client address with the given
// burst. perSecond <= 0 disables limiting, which is the default.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *Handler) { h.limiter = newLimiter(perSecond, burst) }
}

// WithMetrics records response statuses on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithDefaultSpeaker replaces [DefaultSpeaker].
func WithDefaultSpeaker(s string) Option {
	return func(h *Handler) { h.speaker = s }
}

// Handler relays speech requests to a [tts.Provider]. It is safe for
// concurrent use.
type Handler struct {
	provider tts.Provider
	limiter  *limiter
	metrics  *observe.Metrics
	speaker  string
}

// New returns a relay over provider.
func New(provider tts.Provider, opts ...Option) *Handler {
	h := &Handler{
		provider: provider,
		limiter:  newLimiter(0, 0),
		metrics:  observe.DefaultMetrics(),
		speaker:  DefaultSpeaker,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		h.fail(w, r, http.StatusMethodNotAllowed, msgNotAllowed)
		return
	}

	if !h.limiter.allow(clientKey(r)) {
		w.Header().Set("Retry-After", strconv.Itoa(h.retryAfter()))
		h.fail(w, r, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	q := r.URL.Query()
	text := q.Get("text")
	if text == "" {
		h.fail(w, r, http.StatusBadRequest, msgTextRequired)
		return
	}
	speaker := q.Get("speaker")
	if speaker == "" {
		speaker = h.speaker
	}

	log := observe.Logger(r.Context())
	start := time.Now()
	audio, err := h.provider.Synthesize(r.Context(), tts.Request{Text: text, Voice: speaker})
	h.metrics.TTSDuration.Record(r.Context(), time.Since(start).Seconds())
	if err != nil {
		var httpErr *tts.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 {
			log.Warn("relay: upstream error", "status", httpErr.StatusCode, "speaker", speaker, "err", err)
			h.fail(w, r, httpErr.StatusCode, msgUpstream)
			return
		}
		log.Error("relay: synthesis failed", "speaker", speaker, "err", err)
		h.fail(w, r, http.StatusInternalServerError, msgInternal)
		return
	}

	w.Header().Set("Content-Type", contentType(audio))
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.Header().Set("Cache-Control", cacheControl)
	w.WriteHeader(http.StatusOK)
	h.metrics.RecordRelayRequest(r.Context(), http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(audio); err != nil {
		log.Debug("relay: client went away", "err", err)
	}
}

// retryAfter is the number of whole seconds until one token refills.
func (h *Handler) retryAfter() int {
	if !h.limiter.enabled() {
		return 1
	}
	return max(1, int(math.Ceil(1/float64(h.limiter.r))))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.metrics.RecordRelayRequest(r.Context(), status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// contentType sniffs the audio format, falling back to MPEG audio when the
// payload is not recognised.
func contentType(b []byte) string {
	ct := http.DetectContentType(b)
	switch ct {
	case "application/octet-stream", "text/plain; charset=utf-8":
		return fallbackFormat
	}
	return ct
}
