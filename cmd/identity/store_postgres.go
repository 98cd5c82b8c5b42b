package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"secureapi/cmd/identity/ids"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pool is owned by the caller; the store never closes it. Table names are
// schema-qualified with a validated, quoted identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema holding the tables (default "public").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "public"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func (s *PostgresStore) selectAccount() string {
	return `SELECT a.id, a.identity_digest, a.password_hash, a.is_active,
	               r.id, r.name, a.created_at, a.updated_at
	          FROM ` + s.table("accounts") + ` a
	          JOIN ` + s.table("roles") + ` r ON r.id = a.role_id`
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateAccount inserts a new account with the named role.
func (s *PostgresStore) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	const op = "identity.CreateAccount"

	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	if len(in.IdentityDigest) != 64 {
		return Account{}, invalid(op, "identity digest must be 64 hex chars")
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return Account{}, invalid(op, "password hash is required")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Account{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Account{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	role, err := s.roleByNameTx(ctx, tx, op, in.Role)
	if err != nil {
		return Account{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.table("accounts")+` (
		     id, identity_digest, password_hash, is_active, role_id, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		id, in.IdentityDigest, in.PasswordHash, in.Active, role.ID, now,
	)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return Account{}, ConflictError{Op: op, Field: "identity"}
		}
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, err
	}

	return Account{
		ID:             id,
		IdentityDigest: in.IdentityDigest,
		PasswordHash:   in.PasswordHash,
		Active:         in.Active,
		Role:           role,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// GetAccountByID loads one account.
func (s *PostgresStore) GetAccountByID(ctx context.Context, id string) (Account, error) {
	const op = "identity.GetAccountByID"
	return s.getOne(ctx, op, s.selectAccount()+` WHERE a.id = $1`, id)
}

// GetAccountByDigest loads the account whose identity digest equals digest exactly.
func (s *PostgresStore) GetAccountByDigest(ctx context.Context, digest string) (Account, error) {
	const op = "identity.GetAccountByDigest"
	return s.getOne(ctx, op, s.selectAccount()+` WHERE a.identity_digest = $1`, digest)
}

func (s *PostgresStore) getOne(ctx context.Context, op, q string, arg string) (Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, NotFoundError{Op: op, Resource: "account"}
		}
		return Account{}, err
	}
	return a, nil
}

// ListAccounts returns accounts ordered by id (creation order).
func (s *PostgresStore) ListAccounts(ctx context.Context, page Page) ([]Account, error) {
	page = page.normalized()

	rows, err := s.pool.Query(ctx,
		s.selectAccount()+` ORDER BY a.id LIMIT $1 OFFSET $2`,
		page.Limit, page.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Account, 0, page.Limit)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAccount removes the account; its refresh tokens cascade.
func (s *PostgresStore) DeleteAccount(ctx context.Context, id string) error {
	const op = "identity.DeleteAccount"

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table("accounts")+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "account"}
	}
	return nil
}

// SetAccountRole moves the account to role.
func (s *PostgresStore) SetAccountRole(ctx context.Context, id, role string, now time.Time) (Account, error) {
	const op = "identity.SetAccountRole"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Account{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := s.roleByNameTx(ctx, tx, op, role)
	if err != nil {
		return Account{}, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE `+s.table("accounts")+` SET role_id = $2, updated_at = $3 WHERE id = $1`,
		id, r.ID, pgNow(now),
	)
	if err != nil {
		return Account{}, err
	}
	if tag.RowsAffected() == 0 {
		return Account{}, NotFoundError{Op: op, Resource: "account"}
	}

	a, err := scanAccount(tx.QueryRow(ctx, s.selectAccount()+` WHERE a.id = $1`, id))
	if err != nil {
		return Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Account{}, err
	}
	return a, nil
}

// SetAccountActive toggles the active flag.
func (s *PostgresStore) SetAccountActive(ctx context.Context, id string, active bool, now time.Time) (Account, error) {
	const op = "identity.SetAccountActive"

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("accounts")+` SET is_active = $2, updated_at = $3 WHERE id = $1`,
		id, active, pgNow(now),
	)
	if err != nil {
		return Account{}, err
	}
	if tag.RowsAffected() == 0 {
		return Account{}, NotFoundError{Op: op, Resource: "account"}
	}
	return s.GetAccountByID(ctx, id)
}

// UpdatePasswordHash replaces the stored hash (used for rehash-on-login).
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"

	if strings.TrimSpace(hash) == "" {
		return invalid(op, "password hash is required")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("accounts")+` SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		id, hash, pgNow(now),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "account"}
	}
	return nil
}

// ListRoles returns the seeded roles ordered by id.
func (s *PostgresStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM `+s.table("roles")+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Role, error) {
		var r Role
		err := row.Scan(&r.ID, &r.Name)
		return r, err
	})
}

// CountAccountsWithRole counts accounts holding role.
func (s *PostgresStore) CountAccountsWithRole(ctx context.Context, role string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+s.table("accounts")+` a
		   JOIN `+s.table("roles")+` r ON r.id = a.role_id
		  WHERE r.name = $1`,
		role,
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) roleByNameTx(ctx context.Context, tx pgx.Tx, op, name string) (Role, error) {
	var r Role
	err := tx.QueryRow(ctx, `SELECT id, name FROM `+s.table("roles")+` WHERE name = $1`, name).Scan(&r.ID, &r.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, unknownRole(op, name)
		}
		return Role{}, err
	}
	return r, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID,
		&a.IdentityDigest,
		&a.PasswordHash,
		&a.Active,
		&a.Role.ID,
		&a.Role.Name,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func pgNow(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now.UTC()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Store = (*PostgresStore)(nil)
