package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/internal/playback"
)

// Event types sent on /api/events.
const (
	EventStart = "start"
	EventEnd   = "end"
)

// subscriberBuffer is the number of events queued per subscriber before new
// events are dropped for it.
const subscriberBuffer = 64

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 5 * time.Second

// Event is one speaker notification.
type Event struct {
	Type    string    `json:"type"`
	Speaker string    `json:"speaker"`
	Time    time.Time `json:"time"`
}

// Hub fans speaker events out to WebSocket subscribers. It implements
// [playback.Observer] and never blocks the scheduler: a subscriber whose
// queue is full misses events.
type Hub struct {
	metrics *observe.Metrics
	now     func() time.Time

	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

var _ playback.Observer = (*Hub)(nil)

// NewHub returns an empty hub. A nil m uses [observe.DefaultMetrics].
func NewHub(m *observe.Metrics) *Hub {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Hub{metrics: m, now: time.Now, subs: make(map[chan Event]struct{})}
}

// OnSpeakerStart implements [playback.Observer].
func (h *Hub) OnSpeakerStart(id string) { h.publish(Event{Type: EventStart, Speaker: id}) }

// OnSpeakerEnd implements [playback.Observer].
func (h *Hub) OnSpeakerEnd(id string) { h.publish(Event{Type: EventEnd, Speaker: id}) }

func (h *Hub) publish(ev Event) {
	ev.Time = h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("server: event subscriber lagging, dropping event", "type", ev.Type, "speaker", ev.Speaker)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	h.metrics.EventSubscribers.Add(context.Background(), 1)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			_, ok := h.subs[ch]
			delete(h.subs, ch)
			h.mu.Unlock()
			if ok {
				close(ch)
				h.metrics.EventSubscribers.Add(context.Background(), -1)
			}
		})
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
		h.metrics.EventSubscribers.Add(context.Background(), -1)
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams events as JSON
// text frames until the client disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Debug("server: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := h.Subscribe()
	defer cancel()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				observe.Logger(r.Context()).Debug("server: event write failed", "err", err)
				return
			}
		}
	}
}
