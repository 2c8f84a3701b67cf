package relay

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle     = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// limiter enforces a token bucket per client address.
type limiter struct {
	r     rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// newLimiter returns a limiter refilling perSecond tokens per client with the
// given burst. perSecond <= 0 disables limiting.
func newLimiter(perSecond float64, burst int) *limiter {
	if burst <= 0 {
		burst = 1
	}
	return &limiter{
		r:       rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*clientBucket),
	}
}

func (l *limiter) enabled() bool { return l.r > 0 }

// allow reports whether the client may make a request now.
func (l *limiter) allow(client string) bool {
	if !l.enabled() {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > cleanupInterval {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}
	c, ok := l.clients[client]
	if !ok {
		c = &clientBucket{bucket: rate.NewLimiter(l.r, l.burst)}
		l.clients[client] = c
	}
	c.lastSeen = now
	return c.bucket.AllowN(now, 1)
}

// clientKey identifies the caller by remote host.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
