package middleware

import (
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ─── Origin Check ────────────────────────────────────────────────────────────

// OriginCheck rejects cross-origin requests whose Origin (or, failing
// that, Referer) is not in the allow-list. Same-origin requests and
// requests without any origin header (curl, server-to-server) pass.
// Allowed cross-origin requests get CORS headers reflected.
func OriginCheck(allowed []string, next http.Handler) http.Handler {
	allowSet := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowSet[strings.TrimSuffix(o, "/")] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := requestOrigin(r)
		if origin == "" || sameOrigin(origin, r) {
			next.ServeHTTP(w, r)
			return
		}

		if !allowSet[origin] {
			log.Printf("🚫 Blocked cross-origin request from %s to %s %s", origin, r.Method, r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"Origin not allowed"}`))
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-XSRF-TOKEN")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestOrigin returns the normalized scheme://host origin of the
// request, preferring the Origin header and falling back to Referer.
func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" && o != "null" {
		return strings.TrimSuffix(o, "/")
	}
	if ref := r.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Scheme != "" && u.Host != "" {
			return u.Scheme + "://" + u.Host
		}
	}
	return ""
}

func sameOrigin(origin string, r *http.Request) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Logging logs request details
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

// ─── Rate Limiter ────────────────────────────────────────────────────────────

type visitor struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter implements a per-key token bucket rate limiter. The key is
// the session id when one is present, otherwise the client IP.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     float64       // tokens replenished per second
	burst    float64       // max tokens (bucket size)
	window   time.Duration // used only for display/docs

	// OnLimit, if set, is called once per rejected request.
	OnLimit func(key string, r *http.Request)

	// bypass paths skip limiting entirely (public/static).
	bypass map[string]bool
}

// NewRateLimiter creates a rate limiter that allows `limit` requests per `window` per key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     float64(limit) / window.Seconds(),
		burst:    float64(limit),
		window:   window,
		bypass:   make(map[string]bool),
	}

	// Cleanup stale entries every 5 minutes
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		for range ticker.C {
			rl.cleanup()
		}
	}()

	return rl
}

// Bypass exempts exact paths from limiting.
func (rl *RateLimiter) Bypass(paths ...string) *RateLimiter {
	for _, p := range paths {
		rl.bypass[p] = true
	}
	return rl
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	now := time.Now()

	if !exists {
		rl.visitors[key] = &visitor{tokens: rl.burst - 1, lastSeen: now}
		return true
	}

	// Replenish tokens based on elapsed time
	elapsed := now.Sub(v.lastSeen).Seconds()
	v.tokens += elapsed * rl.rate
	if v.tokens > rl.burst {
		v.tokens = rl.burst
	}
	v.lastSeen = now

	if v.tokens >= 1 {
		v.tokens--
		return true
	}

	return false
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for key, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
		}
	}
}

// Limit wraps an http.HandlerFunc with IP-keyed rate limiting.
func (rl *RateLimiter) Limit(next http.HandlerFunc) http.HandlerFunc {
	return rl.LimitWithKey(next, func(r *http.Request) string { return ExtractIP(r) })
}

// LimitWithKey wraps a handler with rate limiting keyed by keyFn.
func (rl *RateLimiter) LimitWithKey(next http.HandlerFunc, keyFn func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rl.bypass[r.URL.Path] {
			next(w, r)
			return
		}
		key := keyFn(r)
		if !rl.allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Too many requests. Please try again later."}`))
			log.Printf("🚫 Rate limited: %s %s from %s", r.Method, r.URL.Path, key)
			if rl.OnLimit != nil {
				rl.OnLimit(key, r)
			}
			return
		}
		next(w, r)
	}
}

// SessionOrIP keys the general limiter by session cookie when present.
func SessionOrIP(r *http.Request) string {
	if c, err := r.Cookie("session"); err == nil && c.Value != "" {
		return "s:" + c.Value
	}
	return "ip:" + ExtractIP(r)
}

// ExtractIP returns the client IP, honoring reverse-proxy headers.
func ExtractIP(r *http.Request) string {
	// Check X-Forwarded-For for reverse proxy setups
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the client
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	// Check X-Real-IP
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ─── Request Timeout ─────────────────────────────────────────────────────────

// Timeout aborts requests that exceed d with a JSON timeout response, so
// a slow or hung add-on handler cannot hold a connection open forever.
// The in-flight handler is not interrupted, only its response is.
func Timeout(d time.Duration, next http.Handler) http.Handler {
	return http.TimeoutHandler(next, d, `{"error":"Request timeout"}`)
}
