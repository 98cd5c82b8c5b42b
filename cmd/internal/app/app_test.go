package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	authapi "secureapi/cmd/internal/auth/api"
	"secureapi/cmd/internal/auth/session"
	"secureapi/cmd/security/password"
)

const (
	testAdminEmail    = "root@example.com"
	testAdminPassword = "correct-horse-battery"
)

func testSettings(t *testing.T) Settings {
	t.Helper()

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1

	sess := session.DefaultConfig()
	sess.SigningKey = "0123456789abcdef0123456789abcdef"

	return Settings{
		App: Config{
			HTTPAddr:           "127.0.0.1:0",
			SQLitePath:         filepath.Join(t.TempDir(), "secureapi.db"),
			CORSAllowedOrigins: []string{"http://localhost:5173"},
			AdminEmail:         testAdminEmail,
			AdminPassword:      testAdminPassword,
		},
		Session:  sess,
		API:      authapi.DefaultConfig(),
		Password: pw,
	}
}

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	a, err := New(context.Background(), testSettings(t), discardLogger())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func get(t *testing.T, srv *httptest.Server, path, bearer string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestApp_HealthAndReadiness(t *testing.T) {
	_, srv := newTestApp(t)

	resp, body := get(t, srv, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok\n", body)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	resp, body = get(t, srv, "/readyz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready sqlite\n", body)
}

func TestApp_AdminBootstrapAndMetrics(t *testing.T) {
	_, srv := newTestApp(t)

	form := strings.NewReader("username=" + testAdminEmail + "&password=" + testAdminPassword)
	resp, err := srv.Client().Post(srv.URL+"/auth/login", "application/x-www-form-urlencoded", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	require.NotEmpty(t, tok.AccessToken)

	resp, body := get(t, srv, "/users", tok.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Contains(t, body, `"role":"admin"`)

	resp, body = get(t, srv, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, `secureapi_auth_events_total{action="auth.login",outcome="ok"} 1`)
	require.Contains(t, body, `secureapi_http_requests_total{class="2xx",method="GET",route="GET /users"} 1`)
	require.Contains(t, body, "go_goroutines")
}

func TestApp_BootstrapIsIdempotent(t *testing.T) {
	s := testSettings(t)

	first, err := New(context.Background(), s, discardLogger())
	require.NoError(t, err)
	first.Close()

	second, err := New(context.Background(), s, discardLogger())
	require.NoError(t, err)
	defer second.Close()

	n, err := second.store.accounts.CountAccountsWithRole(context.Background(), "admin")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestApp_PurgeOnce(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	_, err := a.sessions.Login(ctx, time.Now().Add(-30*24*time.Hour).UTC(), testAdminEmail, testAdminPassword)
	require.NoError(t, err)

	a.purgeOnce(ctx)

	n, err := a.sessions.PurgeExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testSettings(t), discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
