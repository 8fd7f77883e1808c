// Package meiling provides a client for the Meiling OAuth2 identity provider.
package meiling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minehub-kr/rsm/internal/config"
)

// User is the OpenID userinfo document for an access token's subject.
type User struct {
	Sub               string `json:"sub"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	EmailVerified     bool   `json:"email_verified,omitempty"`
	Picture           string `json:"picture,omitempty"`
}

// TokenInfo is the introspection document for an access token.
type TokenInfo struct {
	ClientID  string `json:"client_id"`
	Type      string `json:"type"`
	Scope     string `json:"scope"`
	ExpiresIn int    `json:"expires_in"`
}

// Scopes splits the space-delimited scope string.
func (t TokenInfo) Scopes() []string {
	return strings.Fields(t.Scope)
}

// ErrInvalidToken is returned when the provider rejects an access token.
var ErrInvalidToken = errors.New("invalid access token")

// ErrUserNotFound is returned when userinfo cannot be loaded for a token.
var ErrUserNotFound = errors.New("user not found")

// Client queries the identity provider's userinfo and tokeninfo endpoints.
type Client struct {
	http         *http.Client
	userinfoURL  string
	tokeninfoURL string
}

// NewClient creates a Client from the given OAuth2 configuration.
//
// Precondition: cfg endpoints must be absolute URLs (config.Validate enforces this).
func NewClient(cfg config.OAuth2Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:         &http.Client{Timeout: timeout},
		userinfoURL:  cfg.UserinfoURL,
		tokeninfoURL: cfg.TokeninfoURL,
	}
}

// GetUser loads the userinfo document for the given access token.
//
// Postcondition: Returns the User or ErrUserNotFound when the provider
// rejects the token.
func (c *Client) GetUser(ctx context.Context, accessToken string) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userinfoURL, nil)
	if err != nil {
		return User{}, fmt.Errorf("building userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("requesting userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return User{}, ErrUserNotFound
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return User{}, fmt.Errorf("decoding userinfo: %w", err)
	}
	if user.Sub == "" {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

// GetToken introspects the given access token.
//
// Postcondition: Returns the TokenInfo or ErrInvalidToken when the provider
// rejects the token.
func (c *Client) GetToken(ctx context.Context, accessToken string) (TokenInfo, error) {
	u, err := url.Parse(c.tokeninfoURL)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("parsing tokeninfo url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", accessToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("building tokeninfo request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("requesting tokeninfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TokenInfo{}, ErrInvalidToken
	}

	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return TokenInfo{}, fmt.Errorf("decoding tokeninfo: %w", err)
	}
	return info, nil
}

// PermCheck reports whether the token's scopes cover every required permission.
//
// Postcondition: Returns false with a nil error when a permission is missing;
// a non-nil error means the token could not be introspected.
func (c *Client) PermCheck(ctx context.Context, accessToken string, permissions []string) (bool, error) {
	info, err := c.GetToken(ctx, accessToken)
	if err != nil {
		return false, err
	}

	scopes := make(map[string]bool, len(permissions))
	for _, s := range info.Scopes() {
		scopes[s] = true
	}
	for _, p := range permissions {
		if !scopes[p] {
			return false, nil
		}
	}
	return true, nil
}
