package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"botdeck/internal/addons"
	"botdeck/internal/apperrors"
	"botdeck/internal/auth"
	"botdeck/internal/dashboard"
	"botdeck/internal/db"
	"botdeck/internal/discord"
	"botdeck/internal/middleware"
	"botdeck/internal/models"
)

// denyAll is an identity provider that rejects every token; the tests
// below only exercise paths that never reach it.
type denyAll struct{}

func (denyAll) Exchange(ctx context.Context, code string) (string, error) {
	return "", apperrors.Authentication("rejected")
}

func (denyAll) FetchIdentity(ctx context.Context, token string) (*auth.DiscordUser, error) {
	return nil, apperrors.Authentication("rejected")
}

type noGuilds struct{}

func (noGuilds) Guilds() ([]discord.Guild, error)                { return nil, nil }
func (noGuilds) Member(gid, uid string) (*discord.Member, error) { return nil, nil }

// setupAPIServer builds a mux with the same guard chain main.go uses,
// serving one registered add-on with a public and a role-gated route.
func setupAPIServer(t *testing.T) (*http.ServeMux, *auth.Store) {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	store := auth.NewStore(conn)
	verifier := &auth.Verifier{Exchanger: denyAll{}, Source: noGuilds{}}

	bridge := dashboard.NewBridge(t.TempDir())
	routes := []addons.Route{
		{Method: "GET", Path: "/stats", Handler: func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"plays":7}`))
		}},
		{Method: "POST", Path: "/echo", Handler: func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":true}`))
		}},
		{Method: "GET", Path: "/admin", RequiredRoles: []string{"dj"},
			Handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"secret":true}`))
			}},
	}
	if err := bridge.RegisterAddon("greeter", routes, nil); err != nil {
		t.Fatal(err)
	}

	limiter := middleware.NewRateLimiter(1000, time.Minute)
	bound := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.Timeout(5*time.Second, h).ServeHTTP
	}
	withSession := func(h http.HandlerFunc) http.HandlerFunc {
		return limiter.LimitWithKey(
			auth.Middleware(store, verifier, auth.CSRF(store, h)),
			middleware.SessionOrIP)
	}
	operatorStream := func(h http.HandlerFunc) http.HandlerFunc {
		return withSession(auth.RequireRoles([]string{"operator"}, h))
	}

	api := &API{Bridge: bridge}
	mux := http.NewServeMux()
	api.RegisterAddonRoutes(mux, RouteGuards{
		Protect:  func(h http.HandlerFunc) http.HandlerFunc { return bound(withSession(h)) },
		Operator: func(h http.HandlerFunc) http.HandlerFunc { return bound(operatorStream(h)) },
		Stream:   operatorStream,
		Dispatch: func(h http.HandlerFunc) http.HandlerFunc {
			return bound(limiter.LimitWithKey(
				auth.OptionalSession(store, verifier, h),
				middleware.SessionOrIP))
		},
	})
	return mux, store
}

func authCookies(req *http.Request, sess *models.Session, token string) *http.Request {
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: sess.ID})
	req.AddCookie(&http.Cookie{Name: auth.AuthTokenCookie, Value: token})
	return req
}

// An add-on route declared without requiredRoles is reachable with no
// session at all; the bridge, not the outer chain, decides access.
func TestAddonPublicRouteReachableAnonymously(t *testing.T) {
	mux, _ := setupAPIServer(t)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/api/addons/greeter/stats", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"plays":7`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAddonRoleRouteRejectsAnonymous(t *testing.T) {
	mux, _ := setupAPIServer(t)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/api/addons/greeter/admin", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestAddonRoleRouteAdmitsMatchingRole(t *testing.T) {
	mux, store := setupAPIServer(t)
	sess, err := store.Create(&models.UserData{ID: "42", Roles: []string{"dj"}}, "tok")
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, authCookies(httptest.NewRequest("GET", "/api/addons/greeter/admin", nil), sess, "tok"))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	// The wrong role set is refused by the bridge with 403, not 401.
	other, _ := store.Create(&models.UserData{ID: "7", Roles: []string{"member"}}, "tok2")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, authCookies(httptest.NewRequest("GET", "/api/addons/greeter/admin", nil), other, "tok2"))
	if rr.Code != http.StatusForbidden {
		t.Errorf("wrong role: status = %d, want 403", rr.Code)
	}
}

// Mutating dispatch keeps CSRF for session-carrying requests while
// anonymous requests to a public route remain the add-on's call.
func TestAddonMutatingDispatchCSRF(t *testing.T) {
	mux, store := setupAPIServer(t)
	sess, err := store.Create(&models.UserData{ID: "42", Roles: []string{"dj"}}, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.EnsureCSRF(sess); err != nil {
		t.Fatal(err)
	}

	// Session without the header: refused before the add-on runs.
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, authCookies(httptest.NewRequest("POST", "/api/addons/greeter/echo", nil), sess, "tok"))
	if rr.Code != http.StatusForbidden {
		t.Errorf("missing token: status = %d, want 403", rr.Code)
	}

	// Session with the header: allowed.
	req := authCookies(httptest.NewRequest("POST", "/api/addons/greeter/echo", nil), sess, "tok")
	req.Header.Set(auth.CSRFHeader, sess.CSRFToken)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, body = %s", rr.Code, rr.Body.String())
	}

	// Anonymous: passes the chain, the public route serves it.
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/api/addons/greeter/echo", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("anonymous: status = %d", rr.Code)
	}
}

// A hung add-on handler must not hold the response open forever.
func TestAddonDispatchIsTimeBounded(t *testing.T) {
	bridge := dashboard.NewBridge(t.TempDir())
	err := bridge.RegisterAddon("sloth", []addons.Route{
		{Method: "GET", Path: "/wait", Handler: func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	api := &API{Bridge: bridge}
	h := middleware.Timeout(50*time.Millisecond, http.HandlerFunc(api.DispatchAddonRoute))

	mux := http.NewServeMux()
	mux.Handle("/api/addons/{name}/{path...}", h)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/api/addons/sloth/wait", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Request timeout") {
		t.Errorf("body = %s", rr.Body.String())
	}
}
