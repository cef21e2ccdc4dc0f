package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okFunc(called *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*called++
		w.WriteHeader(http.StatusOK)
	}
}

// ── OriginCheck ─────────────────────────────────────────────────────────

func TestOriginCheckAbsentOriginPasses(t *testing.T) {
	var called int
	h := OriginCheck([]string{"https://app.example.com"}, okFunc(&called))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "http://api.local/api/addons", nil))

	if rr.Code != http.StatusOK || called != 1 {
		t.Errorf("status = %d, called = %d", rr.Code, called)
	}
}

func TestOriginCheckSameOriginPasses(t *testing.T) {
	var called int
	h := OriginCheck(nil, okFunc(&called))

	req := httptest.NewRequest("POST", "http://api.local/api/addons", nil)
	req.Header.Set("Origin", "http://api.local")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || called != 1 {
		t.Errorf("status = %d, called = %d", rr.Code, called)
	}
}

func TestOriginCheckBlocksUnknownOrigin(t *testing.T) {
	var called int
	h := OriginCheck([]string{"https://app.example.com"}, okFunc(&called))

	req := httptest.NewRequest("POST", "http://api.local/api/addons", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden || called != 0 {
		t.Errorf("status = %d, called = %d", rr.Code, called)
	}
}

func TestOriginCheckAllowsListedOrigin(t *testing.T) {
	var called int
	h := OriginCheck([]string{"https://app.example.com"}, okFunc(&called))

	req := httptest.NewRequest("POST", "http://api.local/api/addons", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || called != 1 {
		t.Fatalf("status = %d, called = %d", rr.Code, called)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Errorf("CORS origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
	if rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials header missing")
	}
}

func TestOriginCheckRefererFallback(t *testing.T) {
	var called int
	h := OriginCheck([]string{"https://app.example.com"}, okFunc(&called))

	// No Origin header; Referer carries the page URL.
	req := httptest.NewRequest("POST", "http://api.local/api/addons", nil)
	req.Header.Set("Referer", "https://evil.example.com/dashboard/page")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden || called != 0 {
		t.Errorf("referer fallback must block: status = %d, called = %d", rr.Code, called)
	}
}

func TestOriginCheckPreflight(t *testing.T) {
	var called int
	h := OriginCheck([]string{"https://app.example.com"}, okFunc(&called))

	req := httptest.NewRequest("OPTIONS", "http://api.local/api/addons", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rr.Code)
	}
	if called != 0 {
		t.Error("preflight must not reach the handler")
	}
}

// ── RateLimiter ─────────────────────────────────────────────────────────

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	var called int
	h := rl.Limit(okFunc(&called))

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/addons", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rr.Code)
		}
	}
}

func TestRateLimiterBlocksOverBudget(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	var limited int
	rl.OnLimit = func(key string, r *http.Request) { limited++ }

	var called int
	h := rl.Limit(okFunc(&called))

	var last int
	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/auth/login", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		h(rr, req)
		last = rr.Code
	}

	if last != http.StatusTooManyRequests {
		t.Errorf("final status = %d, want 429", last)
	}
	if called != 3 {
		t.Errorf("handler reached %d times, want 3", called)
	}
	if limited != 2 {
		t.Errorf("OnLimit fired %d times, want 2", limited)
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	var called int
	h := rl.Limit(okFunc(&called))

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/x", nil)
		req.RemoteAddr = addr
		h(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: status = %d", addr, rr.Code)
		}
	}
}

func TestRateLimiterBypass(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute).Bypass("/health")
	var called int
	h := rl.Limit(okFunc(&called))

	for i := 0; i < 10; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "10.0.0.1:1"
		h(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("bypassed path limited on request %d", i)
		}
	}
}

func TestSessionOrIPKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	if got := SessionOrIP(req); got != "ip:10.0.0.9" {
		t.Errorf("anonymous key = %q", got)
	}

	req.AddCookie(&http.Cookie{Name: "session", Value: "abc123"})
	if got := SessionOrIP(req); got != "s:abc123" {
		t.Errorf("session key = %q", got)
	}
}

// ── Timeout ─────────────────────────────────────────────────────────────

func TestTimeoutAbortsSlowHandler(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	h := Timeout(20*time.Millisecond, slow)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/api/addons/sloth/wait", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if rr.Body.String() != `{"error":"Request timeout"}` {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestTimeoutPassesFastHandler(t *testing.T) {
	var called int
	h := Timeout(time.Second, okFunc(&called))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/x", nil))

	if rr.Code != http.StatusOK || called != 1 {
		t.Errorf("status = %d, called = %d", rr.Code, called)
	}
}

// ── ExtractIP ───────────────────────────────────────────────────────────

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "192.168.1.7:5555"
	if got := ExtractIP(req); got != "192.168.1.7" {
		t.Errorf("RemoteAddr: %q", got)
	}

	req.Header.Set("X-Real-IP", "203.0.113.9")
	if got := ExtractIP(req); got != "203.0.113.9" {
		t.Errorf("X-Real-IP: %q", got)
	}

	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	if got := ExtractIP(req); got != "198.51.100.4" {
		t.Errorf("X-Forwarded-For: %q", got)
	}
}
