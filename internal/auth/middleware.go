package auth

import (
	"context"
	"log"
	"net/http"

	"botdeck/internal/models"
)

// contextKey is the type for context keys in the auth package
type contextKey string

// SessionKey is the context key for the resolved session.
const SessionKey contextKey = "session"

const (
	// SessionCookie carries the session id.
	SessionCookie = "session"
	// AuthTokenCookie carries the provider access token; it must match
	// the session's stored token for the fast path to apply.
	AuthTokenCookie = "auth_token"
	// CSRFCookie exposes the session CSRF token to the SPA.
	CSRFCookie = "XSRF-TOKEN"
	// CSRFHeader is the only place a CSRF token is accepted from.
	CSRFHeader = "X-XSRF-TOKEN"
)

// CookiePolicy returns the attributes session cookies should carry for
// the request's connection security. The strictest policy that still
// works cross-origin: SameSite=None requires Secure, so plain HTTP falls
// back to Lax. No client identity sniffing.
func CookiePolicy(r *http.Request) (http.SameSite, bool) {
	if isSecureRequest(r) {
		return http.SameSiteNoneMode, true
	}
	return http.SameSiteLaxMode, false
}

// isSecureRequest checks if the request came over HTTPS (directly or via reverse proxy)
func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return r.Header.Get("X-Forwarded-Proto") == "https"
}

func cookieValue(r *http.Request, name string) string {
	if c, err := r.Cookie(name); err == nil {
		return c.Value
	}
	return ""
}

// Middleware resolves and verifies the session before calling next.
//
// Fast path: the session is authenticated and the auth_token cookie
// matches the stored token, so the cached identity is trusted. Slow
// path: a token mismatch forces full re-verification against the
// identity provider; if that also fails, the session is destroyed and
// the request gets 401.
func Middleware(store *Store, verifier *Verifier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := store.Get(cookieValue(r, SessionCookie))
		if sess == nil {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}

		presented := cookieValue(r, AuthTokenCookie)
		if !sess.Authenticated || presented == "" || presented != sess.AuthToken {
			if err := reverify(r.Context(), store, verifier, sess, presented); err != nil {
				store.Destroy(sess.ID)
				log.Printf("🔒 Session %.8s… failed re-verification: %v", sess.ID, err)
				http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}

		ctx := context.WithValue(r.Context(), SessionKey, sess)
		next(w, r.WithContext(ctx))
	}
}

// OptionalSession attaches the verified identity when the request
// carries a valid session and otherwise passes through anonymously,
// leaving the authentication decision to the handler. Add-on routes
// declare their own role requirements, so public routes must stay
// reachable without a session. Requests that do carry a session still
// go through CSRF enforcement on state-changing methods.
func OptionalSession(store *Store, verifier *Verifier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := store.Get(cookieValue(r, SessionCookie))
		if sess == nil {
			next(w, r)
			return
		}

		presented := cookieValue(r, AuthTokenCookie)
		if !sess.Authenticated || presented == "" || presented != sess.AuthToken {
			if err := reverify(r.Context(), store, verifier, sess, presented); err != nil {
				store.Destroy(sess.ID)
				log.Printf("🔒 Session %.8s… failed re-verification: %v", sess.ID, err)
				next(w, r)
				return
			}
		}

		ctx := context.WithValue(r.Context(), SessionKey, sess)
		CSRF(store, next)(w, r.WithContext(ctx))
	}
}

// reverify runs the slow path and repopulates the session on success.
func reverify(ctx context.Context, store *Store, verifier *Verifier, sess *models.Session, token string) error {
	if token == "" {
		token = sess.AuthToken
	}
	user, err := verifier.Verify(ctx, token)
	if err != nil {
		return err
	}

	sess.UserData = user
	sess.AuthToken = token
	sess.Authenticated = true
	return store.Save(sess)
}

// GetSessionFromContext extracts the session stored in the request context
func GetSessionFromContext(r *http.Request) *models.Session {
	if sess, ok := r.Context().Value(SessionKey).(*models.Session); ok {
		return sess
	}
	return nil
}

// UserFromContext returns the authenticated identity, or nil.
func UserFromContext(r *http.Request) *models.UserData {
	if sess := GetSessionFromContext(r); sess != nil {
		return sess.UserData
	}
	return nil
}

// ── CSRF ────────────────────────────────────────────────────────────────

// csrfExempt are methods that never require a token.
var csrfExempt = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// CSRF enforces the session-bound token on state-changing requests. The
// token comes from the X-XSRF-TOKEN header only — never the query
// string. Safe methods also get the token minted lazily and mirrored
// into a cookie the SPA can read.
func CSRF(store *Store, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := GetSessionFromContext(r)
		if sess == nil {
			// Session middleware runs first; nothing to bind against.
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}

		if csrfExempt[r.Method] {
			if err := store.EnsureCSRF(sess); err != nil {
				log.Printf("⚠️  CSRF mint failed: %v", err)
			} else {
				sameSite, secure := CookiePolicy(r)
				http.SetCookie(w, &http.Cookie{
					Name:     CSRFCookie,
					Value:    sess.CSRFToken,
					Path:     "/",
					SameSite: sameSite,
					Secure:   secure,
					// Readable by the SPA so it can echo the header.
					HttpOnly: false,
				})
			}
			next(w, r)
			return
		}

		token := r.Header.Get(CSRFHeader)
		if sess.CSRFToken == "" || token == "" || token != sess.CSRFToken {
			http.Error(w, `{"error":"CSRF token missing or invalid"}`, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// ── Role authorization ──────────────────────────────────────────────────

// RequireRoles rejects requests whose resolved role set does not
// intersect required. An empty requirement admits any authenticated
// user.
func RequireRoles(required []string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r)
		if user == nil {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if !user.HasAnyRole(required) {
			http.Error(w, `{"error":"Insufficient permissions"}`, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
