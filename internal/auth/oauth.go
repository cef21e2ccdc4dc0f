package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"botdeck/internal/apperrors"
	"botdeck/internal/models"
)

const (
	discordAuthURL  = "https://discord.com/oauth2/authorize"
	discordTokenURL = "https://discord.com/api/oauth2/token"
	discordUserURL  = "https://discord.com/api/users/@me"
)

// DiscordUser is the identity returned by the provider's user-info
// endpoint.
type DiscordUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
}

// Exchanger abstracts the OAuth2 provider so the middleware and tests
// don't depend on Discord being reachable.
type Exchanger interface {
	// Exchange trades an authorization code for an access token.
	Exchange(ctx context.Context, code string) (string, error)
	// FetchIdentity resolves the user behind a bearer token.
	FetchIdentity(ctx context.Context, token string) (*DiscordUser, error)
}

// OAuthClient is the production Exchanger built on golang.org/x/oauth2
// with Discord's endpoint pair.
type OAuthClient struct {
	cfg  *oauth2.Config
	http *http.Client
}

// NewOAuthClient builds the Discord OAuth2 configuration.
func NewOAuthClient(cfg models.Config) *OAuthClient {
	return &OAuthClient{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"identify"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  discordAuthURL,
				TokenURL: discordTokenURL,
			},
		},
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthCodeURL returns the provider authorize URL for the given state.
func (c *OAuthClient) AuthCodeURL(state string) string {
	return c.cfg.AuthCodeURL(state)
}

// Exchange trades the authorization code for an access token. A missing
// access token in a 2xx response is treated the same as a rejection.
func (c *OAuthClient) Exchange(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.cfg.Exchange(ctx, code)
	if err != nil {
		if re, ok := err.(*oauth2.RetrieveError); ok && re.Response != nil && re.Response.StatusCode < 500 {
			return "", apperrors.Authentication("authorization code rejected")
		}
		return "", apperrors.Upstream(err, "identity provider unavailable")
	}
	if tok.AccessToken == "" {
		return "", apperrors.Authentication("identity provider returned no access token")
	}
	return tok.AccessToken, nil
}

// FetchIdentity resolves the user behind token via the user-info
// endpoint.
func (c *OAuthClient) FetchIdentity(ctx context.Context, token string) (*DiscordUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discordUserURL, nil)
	if err != nil {
		return nil, apperrors.Internal(err, "build identity request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Upstream(err, "identity provider unavailable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperrors.Authentication("access token rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Upstream(fmt.Errorf("status %d", resp.StatusCode), "identity provider error")
	}

	var user DiscordUser
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(body, &user); err != nil || user.ID == "" {
		return nil, apperrors.Upstream(err, "malformed identity response")
	}
	return &user, nil
}
