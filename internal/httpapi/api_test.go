package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minehub-kr/rsm/internal/config"
	"github.com/minehub-kr/rsm/internal/meiling"
	"github.com/minehub-kr/rsm/internal/relay"
	"github.com/minehub-kr/rsm/internal/storage/postgres"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	adminToken = "admin-secret"
	aliceToken = "alice-token"
	bobToken   = "bob-token"
)

// fakeIdentity resolves static tokens without a provider round trip.
type fakeIdentity struct {
	users  map[string]meiling.User
	scopes map[string]string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		users: map[string]meiling.User{
			aliceToken: {Sub: "alice"},
			bobToken:   {Sub: "bob"},
		},
		scopes: map[string]string{
			aliceToken: "openid mcsv",
			bobToken:   "openid mcsv",
		},
	}
}

func (f *fakeIdentity) GetUser(_ context.Context, tok string) (meiling.User, error) {
	u, ok := f.users[tok]
	if !ok {
		return meiling.User{}, meiling.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeIdentity) GetToken(_ context.Context, tok string) (meiling.TokenInfo, error) {
	scope, ok := f.scopes[tok]
	if !ok {
		return meiling.TokenInfo{}, meiling.ErrInvalidToken
	}
	return meiling.TokenInfo{Scope: scope, Type: "Bearer"}, nil
}

func (f *fakeIdentity) PermCheck(ctx context.Context, tok string, perms []string) (bool, error) {
	info, err := f.GetToken(ctx, tok)
	if err != nil {
		return false, err
	}
	have := map[string]bool{}
	for _, s := range info.Scopes() {
		have[s] = true
	}
	for _, p := range perms {
		if !have[p] {
			return false, nil
		}
	}
	return true, nil
}

// memDB backs the in-memory store fakes.
type memDB struct {
	mu      sync.Mutex
	seq     int64
	servers map[string]postgres.Server
	owners  map[string]map[string]bool
	users   map[string]postgres.User
	invites map[string]postgres.Invitation
}

func newMemDB() *memDB {
	return &memDB{
		servers: map[string]postgres.Server{},
		owners:  map[string]map[string]bool{},
		users:   map[string]postgres.User{},
		invites: map[string]postgres.Invitation{},
	}
}

type memServerStore struct{ db *memDB }

func (s memServerStore) Create(_ context.Context, name, ownerSub string) (postgres.Server, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.servers {
		if existing.Name == name {
			return postgres.Server{}, postgres.ErrServerExists
		}
	}
	s.db.seq++
	now := time.Now()
	srv := postgres.Server{ID: s.db.seq, UID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}
	s.db.servers[srv.UID] = srv
	s.db.owners[srv.UID] = map[string]bool{ownerSub: true}
	return srv, nil
}

func (s memServerStore) GetByUID(_ context.Context, uid string) (postgres.Server, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	srv, ok := s.db.servers[uid]
	if !ok {
		return postgres.Server{}, postgres.ErrServerNotFound
	}
	return srv, nil
}

func (s memServerStore) ListAll(context.Context) ([]postgres.Server, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []postgres.Server
	for _, srv := range s.db.servers {
		out = append(out, srv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memServerStore) ListByOwner(_ context.Context, sub string) ([]postgres.Server, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []postgres.Server
	for uid, srv := range s.db.servers {
		if s.db.owners[uid][sub] {
			out = append(out, srv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memServerStore) UpdateName(_ context.Context, uid, name string) (postgres.Server, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	srv, ok := s.db.servers[uid]
	if !ok {
		return postgres.Server{}, postgres.ErrServerNotFound
	}
	for _, other := range s.db.servers {
		if other.Name == name && other.UID != uid {
			return postgres.Server{}, postgres.ErrServerExists
		}
	}
	srv.Name = name
	srv.UpdatedAt = time.Now()
	s.db.servers[uid] = srv
	return srv, nil
}

func (s memServerStore) Delete(_ context.Context, uid string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.servers[uid]; !ok {
		return postgres.ErrServerNotFound
	}
	delete(s.db.servers, uid)
	delete(s.db.owners, uid)
	for tok, inv := range s.db.invites {
		if inv.ServerUID == uid {
			delete(s.db.invites, tok)
		}
	}
	return nil
}

func (s memServerStore) IsOwner(_ context.Context, uid, sub string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.owners[uid][sub], nil
}

func (s memServerStore) AddOwner(_ context.Context, uid, sub string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.servers[uid]; !ok {
		return postgres.ErrServerNotFound
	}
	s.db.owners[uid][sub] = true
	return nil
}

type memUserStore struct{ db *memDB }

func (s memUserStore) Upsert(_ context.Context, sub string) (postgres.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[sub]
	if !ok {
		u = postgres.User{Sub: sub}
	}
	u.LastAuthorized = time.Now()
	s.db.users[sub] = u
	return u, nil
}

func (s memUserStore) Get(_ context.Context, sub string) (postgres.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[sub]
	if !ok {
		return postgres.User{}, postgres.ErrUserNotFound
	}
	return u, nil
}

func (s memUserStore) ListAll(context.Context) ([]postgres.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []postgres.User
	for _, u := range s.db.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sub < out[j].Sub })
	return out, nil
}

func (s memUserStore) SetAdmin(_ context.Context, sub string, admin bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[sub]
	if !ok {
		return postgres.ErrUserNotFound
	}
	u.Admin = admin
	s.db.users[sub] = u
	return nil
}

type memInvitationStore struct{ db *memDB }

func (s memInvitationStore) Create(_ context.Context, tok, serverUID, createdBy string, expiresAt *time.Time) (postgres.Invitation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	inv := postgres.Invitation{
		Token:     tok,
		ServerUID: serverUID,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	s.db.invites[tok] = inv
	return inv, nil
}

func (s memInvitationStore) Get(_ context.Context, tok string) (postgres.Invitation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	inv, ok := s.db.invites[tok]
	if !ok {
		return postgres.Invitation{}, postgres.ErrInvitationNotFound
	}
	return inv, nil
}

func (s memInvitationStore) ListByCreator(_ context.Context, createdBy string) ([]postgres.Invitation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []postgres.Invitation
	for _, inv := range s.db.invites {
		if inv.CreatedBy == createdBy {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s memInvitationStore) ListAll(context.Context) ([]postgres.Invitation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []postgres.Invitation
	for _, inv := range s.db.invites {
		out = append(out, inv)
	}
	return out, nil
}

func (s memInvitationStore) MarkUsed(_ context.Context, tok string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	inv, ok := s.db.invites[tok]
	if !ok {
		return postgres.ErrInvitationNotFound
	}
	if inv.UsedAt != nil {
		return postgres.ErrInvitationUsed
	}
	now := time.Now()
	inv.UsedAt = &now
	s.db.invites[tok] = inv
	return nil
}

func (s memInvitationStore) Revoke(_ context.Context, tok string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	inv, ok := s.db.invites[tok]
	if !ok {
		return postgres.ErrInvitationNotFound
	}
	epoch := time.Unix(0, 0)
	inv.ExpiresAt = &epoch
	s.db.invites[tok] = inv
	return nil
}

func (s memInvitationStore) Delete(_ context.Context, tok string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.invites[tok]; !ok {
		return postgres.ErrInvitationNotFound
	}
	delete(s.db.invites, tok)
	return nil
}

// testAPI bundles the fixture and exposes the pieces tests poke at.
type testAPI struct {
	api   *API
	db    *memDB
	relay *relay.Relay
	http  http.Handler
}

func newTestAPI(t *testing.T, mutate ...func(*config.Config)) *testAPI {
	t.Helper()

	logger := zap.NewNop()
	audit := relay.NewAuditMirror(logger, nil)
	go func() { _ = audit.Start() }()
	t.Cleanup(audit.Stop)
	rly := relay.New(logger, audit, nil)

	cfg := config.Config{
		Admin: config.AdminConfig{Tokens: []string{adminToken}},
		OAuth2: config.OAuth2Config{
			RequiredPermissions: []string{"openid", "mcsv"},
		},
		Relay: config.RelayConfig{
			CallTimeout:    200 * time.Millisecond,
			WriteTimeout:   time.Second,
			MaxMessageSize: 1 << 20,
		},
	}

	for _, m := range mutate {
		m(&cfg)
	}

	db := newMemDB()
	api := New(cfg, logger, rly, audit, newFakeIdentity(), Stores{
		Servers:     memServerStore{db},
		Users:       memUserStore{db},
		Invitations: memInvitationStore{db},
	}, nil)

	return &testAPI{api: api, db: db, relay: rly, http: api.Router()}
}

// do performs a request against the router and decodes the JSON response.
func (ta *testAPI) do(t *testing.T, method, path, authToken string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, path, reader)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	ta.http.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

// doList is do for endpoints that return a JSON array.
func (ta *testAPI) doList(t *testing.T, method, path, authToken string) (*httptest.ResponseRecorder, []map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	rec := httptest.NewRecorder()
	ta.http.ServeHTTP(rec, req)

	var decoded []map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

// createServerAs is a fixture shortcut used across handler tests.
func (ta *testAPI) createServerAs(t *testing.T, authToken, name string) string {
	t.Helper()
	rec, body := ta.do(t, http.MethodPost, "/v1/servers", authToken, map[string]string{"name": name})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return body["uid"].(string)
}

// relayServerConn is a relay transport stub driven directly by tests. The
// zero value is open and writable.
type relayServerConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newRelayServerConn() *relayServerConn {
	return &relayServerConn{}
}

func (c *relayServerConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *relayServerConn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *relayServerConn) Close(int, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// echoConn answers every forwarded request with a canned payload, acting as
// the managed server's plugin.
type echoConn struct {
	relayServerConn
	rly     *relay.Relay
	session *relay.Session
	payload json.RawMessage
}

func (c *echoConn) WriteMessage(data []byte) error {
	if err := c.relayServerConn.WriteMessage(data); err != nil {
		return err
	}
	var req relay.Envelope
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	reply, err := json.Marshal(relay.Envelope{To: relay.To(req.From), Payload: c.payload})
	if err != nil {
		return err
	}
	go c.rly.HandleMessage(c.session, reply)
	return nil
}
