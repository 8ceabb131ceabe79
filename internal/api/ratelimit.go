package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	generateLimit  = 10
	generateWindow = time.Hour
)

// rateLimiter is a sliding-window per-client limiter. Windows are tracked
// per remote IP; timestamps older than the window are pruned on each check.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string][]time.Time
	now     func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// allow records a request for the client and reports whether it is within
// the limit.
func (l *rateLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Evict clients whose newest request fell out of the window so idle
	// IPs do not accumulate in the map.
	for c, ts := range l.clients {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.clients, c)
		}
	}

	kept := l.clients[client][:0]
	for _, t := range l.clients[client] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.clients[client] = kept
		return false
	}
	l.clients[client] = append(kept, now)
	return true
}

// rateLimit rejects requests over the per-client generation budget.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "3600")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the remote IP, ignoring the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
