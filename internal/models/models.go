package models

import "time"

// UserData is the authenticated Discord identity cached in a session.
type UserData struct {
	ID            string   `json:"id"`
	Username      string   `json:"username"`
	Discriminator string   `json:"discriminator"`
	Avatar        string   `json:"avatar,omitempty"`
	GuildID       string   `json:"guild_id,omitempty"`
	Roles         []string `json:"roles"`
}

// HasAnyRole reports whether the user holds at least one of the given roles.
// An empty requirement means any authenticated user qualifies.
func (u *UserData) HasAnyRole(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		for _, have := range u.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Session represents an active browser session.
type Session struct {
	ID              string    `json:"id"`
	UserData        *UserData `json:"user_data,omitempty"`
	AuthToken       string    `json:"auth_token,omitempty"`
	Authenticated   bool      `json:"authenticated"`
	AuthenticatedAt time.Time `json:"authenticated_at,omitempty"`
	CSRFToken       string    `json:"csrf_token,omitempty"`
	ExpiresAt       time.Time `json:"-"`
}

// Config holds server configuration
type Config struct {
	Port           string
	DBPath         string
	AddonsDir      string
	DataDir        string
	ClientID       string
	ClientSecret   string
	RedirectURI    string
	BotToken       string
	SessionSecret  string
	AllowedOrigins []string
	OperatorRoles  []string
}
