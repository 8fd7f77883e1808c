package meiling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minehub-kr/rsm/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.OAuth2Config{
		UserinfoURL:    srv.URL + "/userinfo",
		TokeninfoURL:   srv.URL + "/tokeninfo",
		RequestTimeout: 2 * time.Second,
	})
}

func TestGetUser(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/userinfo", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"user-1","preferred_username":"steve"}`))
	}))

	user, err := c.GetUser(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.Sub)
	assert.Equal(t, "steve", user.PreferredUsername)
}

func TestGetUser_RejectedToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.GetUser(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetUser_MissingSub(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	_, err := c.GetUser(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tokeninfo", r.URL.Path)
		require.Equal(t, "tok-1", r.URL.Query().Get("access_token"))
		_, _ = w.Write([]byte(`{"client_id":"rsm","type":"Bearer","scope":"openid mcsv","expires_in":3600}`))
	}))

	info, err := c.GetToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "mcsv"}, info.Scopes())
}

func TestGetToken_Invalid(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.GetToken(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPermCheck(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"scope":"openid mcsv profile"}`))
	}))

	ok, err := c.PermCheck(context.Background(), "tok", []string{"openid", "mcsv"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.PermCheck(context.Background(), "tok", []string{"openid", "admin"})
	require.NoError(t, err)
	assert.False(t, ok)
}
