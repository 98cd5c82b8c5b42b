package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"secureapi/cmd/identity"
)

// TokenTypeBearer is the token_type reported to clients.
const TokenTypeBearer = "bearer"

// Authenticator verifies an identity/password pair.
type Authenticator interface {
	Authenticate(ctx context.Context, ident, password string) (identity.Account, error)
}

// Accounts resolves the account behind a token subject.
type Accounts interface {
	GetAccountByDigest(ctx context.Context, digest string) (identity.Account, error)
}

// Fingerprinter maps a refresh token to its storage digest.
type Fingerprinter interface {
	Fingerprint(tok string) string
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store         Store
	Authenticator Authenticator
	Accounts      Accounts
	Fingerprints  Fingerprinter
	Logger        *slog.Logger
}

// Service implements login, refresh rotation, logout and access-token checks.
// It is safe for concurrent use; all shared state lives in the Store.
type Service struct {
	cfg   Config
	codec *Codec
	store Store
	auth  Authenticator
	accts Accounts
	fp    Fingerprinter
	log   *slog.Logger
}

// Pair is the result of a login or a refresh.
type Pair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	TokenType        string
	AccountID        string
}

// NewService validates cfg and wires a Service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Authenticator == nil || deps.Accounts == nil || deps.Fingerprints == nil {
		return nil, fmt.Errorf("session: missing dependency")
	}
	codec, err := NewCodec([]byte(cfg.SigningKey), cfg.Issuer, cfg.ClockSkew)
	if err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{
		cfg:   cfg,
		codec: codec,
		store: deps.Store,
		auth:  deps.Authenticator,
		accts: deps.Accounts,
		fp:    deps.Fingerprints,
		log:   log,
	}, nil
}

// Codec exposes the token codec.
func (s *Service) Codec() *Codec { return s.codec }

// Login authenticates and issues a fresh pair whose refresh token is persisted.
func (s *Service) Login(ctx context.Context, now time.Time, ident, password string) (Pair, error) {
	acct, err := s.auth.Authenticate(ctx, ident, password)
	if err != nil {
		return Pair{}, err
	}

	pair, next, err := s.issue(acct, now)
	if err != nil {
		return Pair{}, err
	}
	if _, err := s.store.Persist(ctx, now, next); err != nil {
		return Pair{}, err
	}
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// revoked in the same transaction that persists its successor, so it is accepted
// at most once.
func (s *Service) Refresh(ctx context.Context, now time.Time, raw string) (Pair, error) {
	claims, rec, err := s.lookupRefresh(ctx, raw, now)
	if err != nil {
		return Pair{}, err
	}

	if rec.Revoked {
		if rec.ReplacedByID != nil {
			s.onReuse(ctx, now, rec)
		}
		return Pair{}, ErrTokenAlreadyRevoked
	}
	if !rec.Active(now) {
		return Pair{}, ErrTokenExpired
	}

	acct, err := s.owner(ctx, claims.Subject)
	if err != nil {
		return Pair{}, err
	}
	if acct.ID != rec.AccountID {
		return Pair{}, fmt.Errorf("%w: subject does not own record", ErrTokenInvalid)
	}

	pair, next, err := s.issue(acct, now)
	if err != nil {
		return Pair{}, err
	}
	if _, err := s.store.Rotate(ctx, now, rec.ID, next); err != nil {
		if errors.Is(err, ErrTokenAlreadyRevoked) {
			s.log.WarnContext(ctx, "session.refresh.lost_race", slog.String("record_id", rec.ID))
		}
		return Pair{}, err
	}
	return pair, nil
}

// Logout revokes the record behind a refresh token. Logging out a token that is
// already revoked succeeds.
func (s *Service) Logout(ctx context.Context, now time.Time, raw string) error {
	_, rec, err := s.lookupRefresh(ctx, raw, now)
	if err != nil {
		return err
	}
	return s.store.Revoke(ctx, now, rec.ID)
}

// LogoutAll revokes every live refresh token of the account named by an access
// token's claims and returns how many were revoked.
func (s *Service) LogoutAll(ctx context.Context, now time.Time, claims Claims) (int64, error) {
	acct, err := s.owner(ctx, claims.Subject)
	if err != nil {
		return 0, err
	}
	return s.store.RevokeAllForAccount(ctx, now, acct.ID)
}

// Authorize verifies an access token statelessly and returns its claims.
// Refresh tokens are rejected with ErrTokenWrongType.
func (s *Service) Authorize(raw string, now time.Time) (Claims, error) {
	claims, err := s.codec.Verify(raw, now)
	if err != nil {
		return Claims{}, err
	}
	if claims.Type != TypeAccess {
		return Claims{}, ErrTokenWrongType
	}
	return claims, nil
}

// RequireRole returns ErrForbidden unless claims carry role.
func RequireRole(claims Claims, role string) error {
	if claims.Role != role {
		return ErrForbidden
	}
	return nil
}

// PurgeExpired deletes refresh records that expired before now.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.store.PurgeExpired(ctx, now)
}

func (s *Service) lookupRefresh(ctx context.Context, raw string, now time.Time) (Claims, RefreshRecord, error) {
	claims, err := s.codec.Verify(raw, now)
	if err != nil {
		return Claims{}, RefreshRecord{}, err
	}
	if claims.Type != TypeRefresh {
		return Claims{}, RefreshRecord{}, ErrTokenWrongType
	}
	rec, err := s.store.Find(ctx, s.fp.Fingerprint(raw))
	if err != nil {
		return Claims{}, RefreshRecord{}, err
	}
	return claims, rec, nil
}

// owner resolves a subject to an active account. Deleted and deactivated
// accounts invalidate their tokens.
func (s *Service) owner(ctx context.Context, subject string) (identity.Account, error) {
	acct, err := s.accts.GetAccountByDigest(ctx, subject)
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.Account{}, fmt.Errorf("%w: unknown subject", ErrTokenInvalid)
		}
		return identity.Account{}, err
	}
	if !acct.Active {
		return identity.Account{}, fmt.Errorf("%w: account inactive", ErrTokenInvalid)
	}
	return acct, nil
}

// onReuse handles a rotated token presented again: either a replayed token or a
// client that lost the response. It is logged always and, when configured,
// revokes the account's live tokens.
func (s *Service) onReuse(ctx context.Context, now time.Time, rec RefreshRecord) {
	if !s.cfg.RevokeFamilyOnReuse {
		s.log.WarnContext(ctx, "session.refresh.reuse", slog.String("record_id", rec.ID))
		return
	}
	n, err := s.store.RevokeAllForAccount(ctx, now, rec.AccountID)
	if err != nil {
		s.log.ErrorContext(ctx, "session.refresh.reuse_revoke_failed", slog.String("record_id", rec.ID), slog.Any("err", err))
		return
	}
	s.log.WarnContext(ctx, "session.refresh.reuse",
		slog.String("record_id", rec.ID),
		slog.Int64("revoked", n),
	)
}

func (s *Service) issue(acct identity.Account, now time.Time) (Pair, NewRecord, error) {
	access, ac, err := s.codec.Issue(Claims{
		Subject: acct.IdentityDigest,
		Role:    acct.Role.Name,
		Type:    TypeAccess,
	}, s.cfg.AccessTokenTTL, now)
	if err != nil {
		return Pair{}, NewRecord{}, err
	}
	refresh, rc, err := s.codec.Issue(Claims{
		Subject: acct.IdentityDigest,
		Type:    TypeRefresh,
	}, s.cfg.RefreshTokenTTL, now)
	if err != nil {
		return Pair{}, NewRecord{}, err
	}

	pair := Pair{
		AccessToken:      access,
		AccessExpiresAt:  ac.ExpiresAt,
		RefreshToken:     refresh,
		RefreshExpiresAt: rc.ExpiresAt,
		TokenType:        TokenTypeBearer,
		AccountID:        acct.ID,
	}
	next := NewRecord{
		AccountID:   acct.ID,
		Fingerprint: s.fp.Fingerprint(refresh),
		ExpiresAt:   rc.ExpiresAt,
	}
	return pair, next, nil
}
