package auth

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"time"

	"botdeck/internal/apperrors"
	"botdeck/internal/events"
)

// AuthorizeFlow is what the login handlers need from the OAuth client.
type AuthorizeFlow interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

// Handlers serves the OAuth login flow and session endpoints.
type Handlers struct {
	Store    *Store
	OAuth    AuthorizeFlow
	Verifier *Verifier
	Bus      *events.Bus
}

const stateCookie = "oauth_state"

// Login redirects the browser to the provider's authorize URL.
// GET /api/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	state := GenerateToken()[:32]
	sameSite, secure := CookiePolicy(r)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: sameSite,
		Secure:   secure,
	})
	http.Redirect(w, r, h.OAuth.AuthCodeURL(state), http.StatusFound)
}

// Callback completes the authorization-code exchange. This leg is a
// full-page browser redirect, so failures navigate to UI routes instead
// of returning JSON.
// GET /api/auth/callback
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		redirectError(w, r, errCode)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" || state != cookieValue(r, stateCookie) {
		redirectError(w, r, "invalid_state")
		return
	}
	clearCookie(w, r, stateCookie)

	token, err := h.OAuth.Exchange(r.Context(), code)
	if err != nil {
		log.Printf("❌ OAuth exchange: %v", err)
		redirectError(w, r, "exchange_failed")
		return
	}

	user, err := h.Verifier.Verify(r.Context(), token)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindAuthentication {
			log.Printf("🚫 Login denied: %v", err)
			if h.Bus != nil {
				h.Bus.Publish(events.Event{
					Type:     events.AuthDenied,
					Severity: events.SeverityWarning,
					Message:  "Login denied: " + apperrors.Message(err),
				})
			}
			http.Redirect(w, r, "/auth/access-denied", http.StatusFound)
			return
		}
		log.Printf("❌ Identity verification: %v", err)
		redirectError(w, r, "verification_failed")
		return
	}

	sess, err := h.Store.Create(user, token)
	if err != nil {
		log.Printf("❌ Create session: %v", err)
		redirectError(w, r, "session_failed")
		return
	}

	sameSite, secure := CookiePolicy(r)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: sameSite,
		Secure:   secure,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     AuthTokenCookie,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: sameSite,
		Secure:   secure,
	})

	log.Printf("🔓 Login: %s (%s)", user.Username, user.ID)
	http.Redirect(w, r, "/", http.StatusFound)
}

func redirectError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, "/auth/signin?error="+url.QueryEscape(code), http.StatusFound)
}

// Logout destroys the session and clears its cookies.
// POST /api/auth/logout
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if sess := h.Store.Get(cookieValue(r, SessionCookie)); sess != nil {
		h.Store.Destroy(sess.ID)
		if h.Bus != nil {
			username := ""
			if sess.UserData != nil {
				username = sess.UserData.Username
			}
			h.Bus.Publish(events.Event{
				Type:     events.SessionDestroyed,
				Severity: events.SeverityInfo,
				Message:  "Session ended for " + username,
			})
		}
		log.Printf("🔒 Logout: session %.8s…", sess.ID)
	}

	clearCookie(w, r, SessionCookie)
	clearCookie(w, r, AuthTokenCookie)
	clearCookie(w, r, CSRFCookie)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// Me returns the authenticated identity for the SPA.
// GET /api/auth/me
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	sess := GetSessionFromContext(r)
	if sess == nil || sess.UserData == nil {
		http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user":             sess.UserData,
		"authenticated_at": sess.AuthenticatedAt,
	})
}

func clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	sameSite, secure := CookiePolicy(r)
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		SameSite: sameSite,
		Secure:   secure,
	})
}

