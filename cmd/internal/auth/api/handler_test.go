package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"secureapi/cmd/identity"
	"secureapi/cmd/internal/auth/authn"
	"secureapi/cmd/internal/auth/session"
	"secureapi/cmd/internal/storage/sqlitedb"
	"secureapi/cmd/security/credential"
	"secureapi/cmd/security/password"
	"secureapi/cmd/security/token"
)

type testEnv struct {
	srv      *httptest.Server
	accounts *identity.Service
	metrics  *Metrics
	clock    *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sqlitedb.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// Short passwords allowed so the literal ("u1@x", "pw1") scenario runs.
	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1
	pw.Policy.MinLength = 3
	pw.Policy.RejectVeryWeak = false
	hasher, err := credential.New(pw, token.Fingerprinter{})
	require.NoError(t, err)

	store, err := identity.NewSQLiteStore(db)
	require.NoError(t, err)
	accounts, err := identity.NewService(store, hasher)
	require.NoError(t, err)

	scfg := session.DefaultConfig()
	scfg.SigningKey = strings.Repeat("s", 32)
	scfg.ClockSkew = 0
	log := slog.New(slog.DiscardHandler)
	sessions, err := session.NewService(scfg, session.Deps{
		Store:         session.NewSQLiteStore(db),
		Authenticator: authn.New(store, hasher, log),
		Accounts:      store,
		Fingerprints:  hasher,
		Logger:        log,
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h, err := NewHandler(log, cfg, sessions, accounts, WithMetrics(metrics), WithClock(clock.Now))
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, accounts: accounts, metrics: metrics, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) (int, http.Header, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	res, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	out, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, res.Header, out
}

func (e *testEnv) login(t *testing.T, email, pw string) tokenResponse {
	t.Helper()
	status, _, body := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Email: email, Password: pw})
	require.Equal(t, http.StatusOK, status, string(body))
	var tr tokenResponse
	require.NoError(t, json.Unmarshal(body, &tr))
	return tr
}

func (e *testEnv) makeAdmin(t *testing.T, email, pw string) {
	t.Helper()
	changed, err := e.accounts.EnsureAdmin(context.Background(), email, pw)
	require.NoError(t, err)
	require.True(t, changed)
}

func requireUnauthorized(t *testing.T, status int, hdr http.Header, body []byte) {
	t.Helper()
	require.Equal(t, http.StatusUnauthorized, status, string(body))
	require.Equal(t, "Bearer", hdr.Get("WWW-Authenticate"))
	var er errorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	require.Equal(t, "unauthorized", er.Error.Code)
}

func TestScenario_CreateLoginRefreshReplay(t *testing.T) {
	e := newTestEnv(t, nil)

	status, _, body := e.do(t, http.MethodPost, "/users", "", createUserRequest{Email: "u1@x", Password: "pw1"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var created accountResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.Equal(t, identity.RoleReader, created.Role)
	require.True(t, created.IsActive)
	require.NotContains(t, string(body), "u1@x")

	tokens := e.login(t, "u1@x", "pw1")
	require.Equal(t, "bearer", tokens.TokenType)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)

	status, hdr, body := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Email: "u1@x", Password: "wrong"})
	requireUnauthorized(t, status, hdr, body)

	e.clock.Advance(time.Minute)
	status, _, body = e.do(t, http.MethodPost, "/auth/refresh", tokens.RefreshToken, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var next tokenResponse
	require.NoError(t, json.Unmarshal(body, &next))
	require.NotEqual(t, tokens.RefreshToken, next.RefreshToken)

	status, hdr, body = e.do(t, http.MethodPost, "/auth/refresh", tokens.RefreshToken, nil)
	requireUnauthorized(t, status, hdr, body)

	// The rotated token still works, also when sent in the body.
	status, _, body = e.do(t, http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: next.RefreshToken})
	require.Equal(t, http.StatusOK, status, string(body))

	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.events.WithLabelValues("auth.refresh", "revoked")))
}

func TestLogin_FailuresAreGeneric(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := e.accounts.Register(context.Background(), "u1@x", "pw1")
	require.NoError(t, err)

	_, _, unknown := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Email: "ghost@x", Password: "pw1"})
	_, _, wrong := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Email: "u1@x", Password: "nope"})
	require.JSONEq(t, string(unknown), string(wrong))
}

func TestLogin_FormEncoded(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := e.accounts.Register(context.Background(), "u1@x", "pw1")
	require.NoError(t, err)

	form := url.Values{"username": {"u1@x"}, "password": {"pw1"}}
	res, err := e.srv.Client().PostForm(e.srv.URL+"/auth/login", form)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestLogin_BadRequest(t *testing.T) {
	e := newTestEnv(t, nil)
	status, _, _ := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "u1@x"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestLogin_Throttled(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.LoginRateLimit = 2
		c.LoginRateWindow = time.Minute
	})
	_, err := e.accounts.Register(context.Background(), "u1@x", "pw1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		status, _, _ := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Email: "u1@x", Password: "bad"})
		require.Equal(t, http.StatusUnauthorized, status)
	}
	status, hdr, _ := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Email: "u1@x", Password: "pw1"})
	require.Equal(t, http.StatusTooManyRequests, status)
	require.NotEmpty(t, hdr.Get("Retry-After"))

	e.clock.Advance(2 * time.Minute)
	e.login(t, "u1@x", "pw1")
}

func TestRefresh_RejectsAccessTokenAndGarbage(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := e.accounts.Register(context.Background(), "u1@x", "pw1")
	require.NoError(t, err)
	tokens := e.login(t, "u1@x", "pw1")

	for _, bearer := range []string{tokens.AccessToken, "garbage", ""} {
		status, hdr, body := e.do(t, http.MethodPost, "/auth/refresh", bearer, nil)
		requireUnauthorized(t, status, hdr, body)
	}
}

func TestMe(t *testing.T) {
	e := newTestEnv(t, nil)
	a, err := e.accounts.Register(context.Background(), "u1@x", "pw1")
	require.NoError(t, err)
	tokens := e.login(t, "u1@x", "pw1")

	for _, path := range []string{"/users/me", "/auth/users/me"} {
		status, _, body := e.do(t, http.MethodGet, path, tokens.AccessToken, nil)
		require.Equal(t, http.StatusOK, status, string(body))
		var me accountResponse
		require.NoError(t, json.Unmarshal(body, &me))
		require.Equal(t, a.ID, me.ID)
		require.Equal(t, a.IdentityDigest, me.IdentityDigest)
	}

	status, hdr, body := e.do(t, http.MethodGet, "/users/me", tokens.RefreshToken, nil)
	requireUnauthorized(t, status, hdr, body)

	status, hdr, body = e.do(t, http.MethodGet, "/users/me", "", nil)
	requireUnauthorized(t, status, hdr, body)

	e.clock.Advance(16 * time.Minute)
	status, hdr, body = e.do(t, http.MethodGet, "/users/me", tokens.AccessToken, nil)
	requireUnauthorized(t, status, hdr, body)
}

func TestCreateUser_Errors(t *testing.T) {
	e := newTestEnv(t, nil)

	status, _, _ := e.do(t, http.MethodPost, "/users", "", createUserRequest{Email: "u1@x", Password: "pw1"})
	require.Equal(t, http.StatusCreated, status)

	status, _, body := e.do(t, http.MethodPost, "/users", "", createUserRequest{Email: "U1@X", Password: "pw2"})
	require.Equal(t, http.StatusConflict, status, string(body))

	status, _, _ = e.do(t, http.MethodPost, "/users", "", createUserRequest{Email: "not-an-email", Password: "pw1"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _, _ = e.do(t, http.MethodPost, "/users", "", map[string]any{"email": "u2@x"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestCreateUser_BodyTooLarge(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.MaxBodyBytes = 1024 })

	huge := createUserRequest{Email: "u3@x", Password: strings.Repeat("a", 4096)}
	status, _, body := e.do(t, http.MethodPost, "/users", "", huge)
	require.Equal(t, http.StatusRequestEntityTooLarge, status, string(body))
}

func TestAdminEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	reader, err := e.accounts.Register(ctx, "u1@x", "pw1")
	require.NoError(t, err)
	e.makeAdmin(t, "root@x", "rootpw")

	readerTok := e.login(t, "u1@x", "pw1").AccessToken
	adminTok := e.login(t, "root@x", "rootpw").AccessToken

	status, _, _ := e.do(t, http.MethodGet, "/users", readerTok, nil)
	require.Equal(t, http.StatusForbidden, status)

	status, hdr, body := e.do(t, http.MethodGet, "/users", "", nil)
	requireUnauthorized(t, status, hdr, body)

	status, _, body = e.do(t, http.MethodGet, "/users", adminTok, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var list accountListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Users, 2)

	status, _, body = e.do(t, http.MethodGet, "/roles", adminTok, nil)
	require.Equal(t, http.StatusOK, status)
	var roles rolesResponse
	require.NoError(t, json.Unmarshal(body, &roles))
	require.ElementsMatch(t, []string{identity.RoleAdmin, identity.RoleReader}, roles.Roles)

	status, _, _ = e.do(t, http.MethodGet, "/users/"+reader.ID, adminTok, nil)
	require.Equal(t, http.StatusOK, status)

	status, _, _ = e.do(t, http.MethodGet, "/users/01J0000000000000000000NONE", adminTok, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _, _ = e.do(t, http.MethodPatch, "/users/"+reader.ID+"/role", adminTok, roleRequest{Role: "owner"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _, body = e.do(t, http.MethodPatch, "/users/"+reader.ID+"/role", adminTok, roleRequest{Role: "admin"})
	require.Equal(t, http.StatusOK, status, string(body))
	var promoted accountResponse
	require.NoError(t, json.Unmarshal(body, &promoted))
	require.Equal(t, identity.RoleAdmin, promoted.Role)

	inactive := false
	status, _, body = e.do(t, http.MethodPatch, "/users/"+reader.ID, adminTok, updateUserRequest{IsActive: &inactive})
	require.Equal(t, http.StatusOK, status, string(body))

	// Deactivated accounts can no longer log in.
	status, hdr, body = e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Email: "u1@x", Password: "pw1"})
	requireUnauthorized(t, status, hdr, body)

	status, _, _ = e.do(t, http.MethodDelete, "/users/"+reader.ID, adminTok, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _, _ = e.do(t, http.MethodDelete, "/users/"+reader.ID, adminTok, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestLogoutAndLogoutAll(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := e.accounts.Register(context.Background(), "u1@x", "pw1")
	require.NoError(t, err)

	a := e.login(t, "u1@x", "pw1")
	b := e.login(t, "u1@x", "pw1")

	status, _, _ := e.do(t, http.MethodPost, "/auth/logout", a.RefreshToken, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, hdr, body := e.do(t, http.MethodPost, "/auth/refresh", a.RefreshToken, nil)
	requireUnauthorized(t, status, hdr, body)

	status, _, body = e.do(t, http.MethodPost, "/auth/logout_all", b.AccessToken, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var out logoutAllResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.EqualValues(t, 1, out.Revoked)

	status, hdr, body = e.do(t, http.MethodPost, "/auth/refresh", b.RefreshToken, nil)
	requireUnauthorized(t, status, hdr, body)
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t, nil)
	status, _, _ := e.do(t, http.MethodGet, "/auth/login", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, status)
}
