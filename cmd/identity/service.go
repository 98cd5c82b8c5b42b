package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"secureapi/cmd/security/credential"
	"secureapi/cmd/security/password"
)

// Service implements account management on top of a Store.
type Service struct {
	store    Store
	hasher   *credential.Hasher
	validate *validator.Validate
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a Service.
func NewService(store Store, hasher *credential.Hasher, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("identity: nil store")
	}
	if hasher == nil {
		return nil, fmt.Errorf("identity: nil hasher")
	}
	s := &Service{
		store:    store,
		hasher:   hasher,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Store exposes the underlying store for read paths (authentication, readiness).
func (s *Service) Store() Store { return s.store }

// Register creates an account with the default role.
func (s *Service) Register(ctx context.Context, email, plain string) (Account, error) {
	return s.create(ctx, "identity.Register", email, plain, DefaultRole)
}

func (s *Service) create(ctx context.Context, op, email, plain, role string) (Account, error) {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,max=254"); err != nil || !plausibleIdentity(email) {
		return Account{}, invalid(op, "email is not a valid address")
	}
	if err := s.hasher.ValidatePassword(plain); err != nil {
		return Account{}, invalid(op, passwordPolicyMessage(err))
	}

	hash, err := s.hasher.HashPassword(plain)
	if err != nil {
		return Account{}, fmt.Errorf("%s: hash password: %w", op, err)
	}

	return s.store.CreateAccount(ctx, CreateAccountInput{
		IdentityDigest: s.hasher.Pseudonymize(email),
		PasswordHash:   hash,
		Role:           role,
		Active:         true,
		Now:            s.now(),
	})
}

// EnsureAdmin creates (or promotes) the account for email as admin when no admin
// exists yet. It reports whether anything changed.
func (s *Service) EnsureAdmin(ctx context.Context, email, plain string) (bool, error) {
	const op = "identity.EnsureAdmin"

	if strings.TrimSpace(email) == "" || plain == "" {
		return false, nil
	}

	n, err := s.store.CountAccountsWithRole(ctx, RoleAdmin)
	if err != nil {
		return false, fmt.Errorf("%s: count admins: %w", op, err)
	}
	if n > 0 {
		return false, nil
	}

	existing, err := s.store.GetAccountByDigest(ctx, s.hasher.Pseudonymize(email))
	switch {
	case err == nil:
		if _, err := s.store.SetAccountRole(ctx, existing.ID, RoleAdmin, s.now()); err != nil {
			return false, err
		}
		return true, nil
	case IsNotFound(err):
		if _, err := s.create(ctx, op, email, plain, RoleAdmin); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, err
	}
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, id string) (Account, error) {
	return s.store.GetAccountByID(ctx, id)
}

// GetByDigest returns the account behind a token subject.
func (s *Service) GetByDigest(ctx context.Context, digest string) (Account, error) {
	return s.store.GetAccountByDigest(ctx, digest)
}

// List returns a page of accounts.
func (s *Service) List(ctx context.Context, page Page) ([]Account, error) {
	return s.store.ListAccounts(ctx, page)
}

// Delete removes an account.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteAccount(ctx, id)
}

// SetRole changes the account's role. The name must be one of the seeded roles.
func (s *Service) SetRole(ctx context.Context, id, role string) (Account, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return Account{}, invalid("identity.SetRole", "role is required")
	}
	return s.store.SetAccountRole(ctx, id, role, s.now())
}

// SetActive activates or deactivates an account.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (Account, error) {
	return s.store.SetAccountActive(ctx, id, active, s.now())
}

// Update applies the non-nil fields in order (role, then active) and returns the
// resulting account. With both nil it returns the account unchanged.
func (s *Service) Update(ctx context.Context, id string, role *string, active *bool) (Account, error) {
	if role == nil && active == nil {
		return s.Get(ctx, id)
	}
	var (
		a   Account
		err error
	)
	if role != nil {
		if a, err = s.SetRole(ctx, id, *role); err != nil {
			return Account{}, err
		}
	}
	if active != nil {
		if a, err = s.SetActive(ctx, id, *active); err != nil {
			return Account{}, err
		}
	}
	return a, nil
}

// Roles lists the seeded role names.
func (s *Service) Roles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// plausibleIdentity accepts local@domain with no whitespace. Deliverability is not
// checked; single-label domains are allowed.
func plausibleIdentity(s string) bool {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return false
	}
	return !strings.ContainsAny(s, " \t\r\n")
}

func passwordPolicyMessage(err error) string {
	switch {
	case errors.Is(err, password.ErrPasswordTooShort):
		return "password too short"
	case errors.Is(err, password.ErrPasswordTooLong):
		return "password too long"
	case errors.Is(err, password.ErrWeakPassword):
		return "password too weak"
	default:
		return "password contains invalid characters"
	}
}
