package identity

import (
	"context"
	"time"
)

// Seeded role names.
const (
	RoleAdmin  = "admin"
	RoleReader = "reader"

	// DefaultRole is assigned to self-registered accounts.
	DefaultRole = RoleReader
)

// Role is a row of the roles lookup table.
type Role struct {
	ID   int
	Name string
}

// Account is a registered principal. IdentityDigest is the pseudonymized email.
type Account struct {
	ID             string
	IdentityDigest string
	PasswordHash   string
	Active         bool
	Role           Role

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAdmin reports whether the account holds the privileged role.
func (a Account) IsAdmin() bool { return a.Role.Name == RoleAdmin }

// CreateAccountInput is what a Store persists. Hashing and pseudonymization are
// done by the caller.
type CreateAccountInput struct {
	IdentityDigest string
	PasswordHash   string
	Role           string
	Active         bool
	Now            time.Time
}

// Page bounds list queries.
type Page struct {
	Offset int
	Limit  int
}

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

func (p Page) normalized() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p
}

// Store is the account persistence boundary.
type Store interface {
	CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error)
	GetAccountByID(ctx context.Context, id string) (Account, error)
	GetAccountByDigest(ctx context.Context, digest string) (Account, error)
	ListAccounts(ctx context.Context, page Page) ([]Account, error)
	DeleteAccount(ctx context.Context, id string) error

	// SetAccountRole resolves role through the roles table; an unknown name
	// returns ErrUnknownRole and leaves the account untouched.
	SetAccountRole(ctx context.Context, id, role string, now time.Time) (Account, error)
	SetAccountActive(ctx context.Context, id string, active bool, now time.Time) (Account, error)
	UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error

	ListRoles(ctx context.Context) ([]Role, error)
	CountAccountsWithRole(ctx context.Context, role string) (int64, error)

	Ping(ctx context.Context) error
}
