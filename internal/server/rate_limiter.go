package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds /api/v1 requests per client. Log file downloads are
// charged FileCost tokens, everything else one.
type RateLimitConfig struct {
	Enabled  bool
	RPS      float64
	Burst    float64
	FileCost float64
}

type bucket struct {
	tokens float64
	last   time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	clients map[string]*bucket
	ttl     time.Duration
	now     func() time.Time
}

func newRateLimiter(cfg RateLimitConfig, now func() time.Time) *rateLimiter {
	if cfg.RPS <= 0 {
		cfg.RPS = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if cfg.FileCost <= 0 {
		cfg.FileCost = 10
	}
	return &rateLimiter{
		cfg:     cfg,
		clients: map[string]*bucket{},
		ttl:     10 * time.Minute,
		now:     now,
	}
}

// allow reports whether the client may spend cost tokens now. Idle clients
// are evicted lazily on every call.
func (r *rateLimiter) allow(key string, cost float64) bool {
	if !r.cfg.Enabled {
		return true
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(now)
	b := r.clients[key]
	if b == nil {
		b = &bucket{tokens: r.cfg.Burst, last: now}
		r.clients[key] = b
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = min(r.cfg.Burst, b.tokens+elapsed*r.cfg.RPS)
	}
	b.last = now
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

func (r *rateLimiter) evict(now time.Time) {
	cutoff := now.Add(-r.ttl)
	for k, b := range r.clients {
		if b.last.Before(cutoff) {
			delete(r.clients, k)
		}
	}
}

func (r *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		cost := 1.0
		if isLogFileRequest(req.URL.Path) {
			cost = r.cfg.FileCost
		}
		if !r.allow(rateLimitClientKey(req), cost) {
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(cost/r.cfg.RPS))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// isLogFileRequest matches /api/v1/runs/{id}/logs/{file}.
func isLogFileRequest(path string) bool {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	return len(parts) == 6 && parts[2] == "runs" && parts[4] == "logs"
}

// rateLimitClientKey prefers the bearer token, then the client address.
// RealIP has already rewritten RemoteAddr from X-Forwarded-For.
func rateLimitClientKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		return "auth:" + hashSensitive(auth)
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return "ip:" + host
	}
	if addr != "" {
		return "ip:" + addr
	}
	return "unknown"
}

func hashSensitive(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}
