// Package authn verifies identity/password pairs against stored accounts.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"secureapi/cmd/identity"
)

// ErrInvalidCredentials is the only failure a caller learns about: unknown
// identity, wrong password and inactive account are indistinguishable.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Accounts is the slice of identity.Store the authenticator needs.
type Accounts interface {
	GetAccountByDigest(ctx context.Context, digest string) (identity.Account, error)
	UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error
}

// Hasher is the slice of credential.Hasher the authenticator needs.
type Hasher interface {
	Pseudonymize(identity string) string
	VerifyPassword(plain, hash string) bool
	VerifyDummy(plain string) bool
	NeedsRehash(hash string) bool
	HashPassword(plain string) (string, error)
}

// Authenticator checks credentials. It is safe for concurrent use.
type Authenticator struct {
	accounts Accounts
	hasher   Hasher
	log      *slog.Logger
	now      func() time.Time
}

// New builds an Authenticator. A nil logger discards.
func New(accounts Accounts, hasher Hasher, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Authenticator{
		accounts: accounts,
		hasher:   hasher,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate returns the account for identity when password matches its stored
// hash and the account is active.
//
// An unknown identity still runs one password verification against a dummy hash
// so response time does not reveal which identities exist. A successful login
// on a hash weaker than the current parameters re-hashes it in place.
func (a *Authenticator) Authenticate(ctx context.Context, ident, password string) (identity.Account, error) {
	if ident == "" || password == "" {
		a.hasher.VerifyDummy(password)
		return identity.Account{}, ErrInvalidCredentials
	}

	acct, err := a.accounts.GetAccountByDigest(ctx, a.hasher.Pseudonymize(ident))
	if err != nil {
		if identity.IsNotFound(err) {
			a.hasher.VerifyDummy(password)
			return identity.Account{}, ErrInvalidCredentials
		}
		return identity.Account{}, fmt.Errorf("authn: lookup: %w", err)
	}

	if !a.hasher.VerifyPassword(password, acct.PasswordHash) {
		return identity.Account{}, ErrInvalidCredentials
	}
	if !acct.Active {
		return identity.Account{}, ErrInvalidCredentials
	}

	if a.hasher.NeedsRehash(acct.PasswordHash) {
		a.rehash(ctx, &acct, password)
	}
	return acct, nil
}

// rehash failures are logged, never surfaced: the login itself succeeded.
func (a *Authenticator) rehash(ctx context.Context, acct *identity.Account, password string) {
	hash, err := a.hasher.HashPassword(password)
	if err != nil {
		a.log.WarnContext(ctx, "authn.rehash.hash_failed", slog.String("account_id", acct.ID), slog.Any("err", err))
		return
	}
	if err := a.accounts.UpdatePasswordHash(ctx, acct.ID, hash, a.now()); err != nil {
		a.log.WarnContext(ctx, "authn.rehash.store_failed", slog.String("account_id", acct.ID), slog.Any("err", err))
		return
	}
	acct.PasswordHash = hash
	a.log.InfoContext(ctx, "authn.rehash.ok", slog.String("account_id", acct.ID))
}
