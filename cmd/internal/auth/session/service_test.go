package session

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"secureapi/cmd/identity"
	"secureapi/cmd/internal/auth/authn"
	"secureapi/cmd/internal/storage/sqlitedb"
	"secureapi/cmd/security/credential"
	"secureapi/cmd/security/password"
	"secureapi/cmd/security/token"
)

type harness struct {
	svc      *Service
	store    Store
	accounts *identity.Service
	hasher   *credential.Hasher
	logs     *bytes.Buffer
}

func newHarness(t *testing.T, mutate func(*Config)) harness {
	t.Helper()
	ctx := context.Background()

	db, err := sqlitedb.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1
	hasher, err := credential.New(pw, token.Fingerprinter{})
	require.NoError(t, err)

	accts, err := identity.NewSQLiteStore(db)
	require.NoError(t, err)
	idsvc, err := identity.NewService(accts, hasher)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SigningKey = testSecret
	cfg.ClockSkew = 0
	if mutate != nil {
		mutate(&cfg)
	}

	var logs bytes.Buffer
	store := NewSQLiteStore(db)
	svc, err := NewService(cfg, Deps{
		Store:         store,
		Authenticator: authn.New(accts, hasher, nil),
		Accounts:      accts,
		Fingerprints:  hasher,
		Logger:        slog.New(slog.NewJSONHandler(&logs, nil)),
	})
	require.NoError(t, err)

	return harness{svc: svc, store: store, accounts: idsvc, hasher: hasher, logs: &logs}
}

func (h harness) register(t *testing.T, email, pw string) identity.Account {
	t.Helper()
	a, err := h.accounts.Register(context.Background(), email, pw)
	require.NoError(t, err)
	return a
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLogin_IssuesPersistedPair(t *testing.T) {
	h := newHarness(t, nil)
	acct := h.register(t, "u1@x", "pw1-long-enough")

	pair, err := h.svc.Login(context.Background(), t0, "u1@x", "pw1-long-enough")
	require.NoError(t, err)
	require.Equal(t, TokenTypeBearer, pair.TokenType)
	require.Equal(t, acct.ID, pair.AccountID)
	require.True(t, pair.AccessExpiresAt.Equal(t0.Add(15*time.Minute)))
	require.True(t, pair.RefreshExpiresAt.Equal(t0.Add(7*24*time.Hour)))

	claims, err := h.svc.Authorize(pair.AccessToken, t0)
	require.NoError(t, err)
	require.Equal(t, acct.IdentityDigest, claims.Subject)
	require.Equal(t, identity.RoleReader, claims.Role)

	rec, err := h.store.Find(context.Background(), h.hasher.Fingerprint(pair.RefreshToken))
	require.NoError(t, err)
	require.Equal(t, acct.ID, rec.AccountID)
	require.NotEqual(t, pair.RefreshToken, rec.Fingerprint)
}

func TestLogin_BadCredentials(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "u1@x", "pw1-long-enough")

	_, err := h.svc.Login(context.Background(), t0, "u1@x", "nope-nope-nope")
	require.ErrorIs(t, err, authn.ErrInvalidCredentials)
	require.True(t, IsUnauthorized(err))

	_, err = h.svc.Login(context.Background(), t0, "ghost@x", "pw1-long-enough")
	require.ErrorIs(t, err, authn.ErrInvalidCredentials)
}

func TestRefresh_RotatesAndBurnsPresentedToken(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "u1@x", "pw1-long-enough")
	ctx := context.Background()

	p1, err := h.svc.Login(ctx, t0, "u1@x", "pw1-long-enough")
	require.NoError(t, err)

	p2, err := h.svc.Refresh(ctx, t0.Add(time.Minute), p1.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, p1.RefreshToken, p2.RefreshToken)
	require.NotEqual(t, p1.AccessToken, p2.AccessToken)

	_, err = h.svc.Refresh(ctx, t0.Add(2*time.Minute), p1.RefreshToken)
	require.ErrorIs(t, err, ErrTokenAlreadyRevoked)
	require.True(t, IsUnauthorized(err))

	// The successor chain keeps working.
	p3, err := h.svc.Refresh(ctx, t0.Add(3*time.Minute), p2.RefreshToken)
	require.NoError(t, err)
	_, err = h.svc.Authorize(p3.AccessToken, t0.Add(3*time.Minute))
	require.NoError(t, err)
}

func TestRefresh_ConcurrentPresentationSingleWinner(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "u1@x", "pw1-long-enough")
	ctx := context.Background()

	p, err := h.svc.Login(ctx, t0, "u1@x", "pw1-long-enough")
	require.NoError(t, err)

	const n = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Refresh(ctx, t0.Add(time.Minute), p.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	for _, err := range errs {
		require.ErrorIs(t, err, ErrTokenAlreadyRevoked)
	}
}

func TestRefresh_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "u1@x", "pw1-long-enough")
	ctx := context.Background()

	p, err := h.svc.Login(ctx, t0, "u1@x", "pw1-long-enough")
	require.NoError(t, err)

	_, err = h.svc.Refresh(ctx, t0, p.AccessToken)
	require.ErrorIs(t, err, ErrTokenWrongType)

	_, err = h.svc.Refresh(ctx, t0, "garbage")
	require.ErrorIs(t, err, ErrTokenMalformed)

	_, err = h.svc.Refresh(ctx, t0.Add(8*24*time.Hour), p.RefreshToken)
	require.ErrorIs(t, err, ErrTokenExpired)

	// Validly signed but never persisted.
	stray, _, err := h.svc.Codec().Issue(Claims{Subject: "someone", Type: TypeRefresh}, time.Hour, t0)
	require.NoError(t, err)
	_, err = h.svc.Refresh(ctx, t0, stray)
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRefresh_DeactivatedAccount(t *testing.T) {
	h := newHarness(t, nil)
	acct := h.register(t, "u1@x", "pw1-long-enough")
	ctx := context.Background()

	p, err := h.svc.Login(ctx, t0, "u1@x", "pw1-long-enough")
	require.NoError(t, err)

	_, err = h.accounts.SetActive(ctx, acct.ID, false)
	require.NoError(t, err)

	_, err = h.svc.Refresh(ctx, t0.Add(time.Minute), p.RefreshToken)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefresh_ReuseRevokesFamilyWhenEnabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RevokeFamilyOnReuse = true })
	h.register(t, "u1@x", "pw1-long-enough")
	ctx := context.Background()

	p1, err := h.svc.Login(ctx, t0, "u1@x", "pw1-long-enough")
	require.NoError(t, err)
	p2, err := h.svc.Refresh(ctx, t0.Add(time.Minute), p1.RefreshToken)
	require.NoError(t, err)

	_, err = h.svc.Refresh(ctx, t0.Add(2*time.Minute), p1.RefreshToken)
	require.ErrorIs(t, err, ErrTokenAlreadyRevoked)
	require.Contains(t, h.logs.String(), "session.refresh.reuse")

	_, err = h.svc.Refresh(ctx, t0.Add(3*time.Minute), p2.RefreshToken)
	require.ErrorIs(t, err, ErrTokenAlreadyRevoked)
}

func TestLogout(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "u1@x", "pw1-long-enough")
	ctx := context.Background()

	p, err := h.svc.Login(ctx, t0, "u1@x", "pw1-long-enough")
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, t0, p.RefreshToken))
	require.NoError(t, h.svc.Logout(ctx, t0, p.RefreshToken))

	_, err = h.svc.Refresh(ctx, t0, p.RefreshToken)
	require.ErrorIs(t, err, ErrTokenAlreadyRevoked)
}

func TestLogoutAll(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "u1@x", "pw1-long-enough")
	ctx := context.Background()

	a, err := h.svc.Login(ctx, t0, "u1@x", "pw1-long-enough")
	require.NoError(t, err)
	b, err := h.svc.Login(ctx, t0, "u1@x", "pw1-long-enough")
	require.NoError(t, err)

	claims, err := h.svc.Authorize(a.AccessToken, t0)
	require.NoError(t, err)
	n, err := h.svc.LogoutAll(ctx, t0, claims)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	for _, p := range []Pair{a, b} {
		_, err := h.svc.Refresh(ctx, t0, p.RefreshToken)
		require.ErrorIs(t, err, ErrTokenAlreadyRevoked)
	}
}

func TestAuthorize(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "u1@x", "pw1-long-enough")

	p, err := h.svc.Login(context.Background(), t0, "u1@x", "pw1-long-enough")
	require.NoError(t, err)

	_, err = h.svc.Authorize(p.RefreshToken, t0)
	require.ErrorIs(t, err, ErrTokenWrongType)

	_, err = h.svc.Authorize(p.AccessToken, t0.Add(16*time.Minute))
	require.ErrorIs(t, err, ErrTokenExpired)

	claims, err := h.svc.Authorize(p.AccessToken, t0)
	require.NoError(t, err)
	require.ErrorIs(t, RequireRole(claims, identity.RoleAdmin), ErrForbidden)
	require.NoError(t, RequireRole(claims, identity.RoleReader))
}

func TestReason(t *testing.T) {
	cases := map[error]string{
		nil:                         "ok",
		authn.ErrInvalidCredentials: "invalid_credentials",
		ErrTokenBadSignature:        "bad_signature",
		ErrTokenMalformed:           "malformed",
		ErrTokenWrongType:           "wrong_type",
		ErrTokenExpired:             "expired",
		ErrTokenNotFound:            "not_found",
		ErrTokenAlreadyRevoked:      "revoked",
		ErrForbidden:                "forbidden",
	}
	for err, want := range cases {
		require.Equal(t, want, Reason(err))
	}
}
