package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"secureapi/cmd/identity/ids"
	"secureapi/cmd/internal/storage/sqlitedb"
)

// SQLiteStore implements Store over a migrated SQLite database.
// The *sql.DB is owned by the caller.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db, which must already carry the schema (see sqlitedb.Open).
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("identity: nil db")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteSelectAccount = `SELECT a.id, a.identity_digest, a.password_hash, a.is_active,
       r.id, r.name, a.created_at, a.updated_at
  FROM accounts a
  JOIN roles r ON r.id = a.role_id`

type rowScanner interface {
	Scan(dest ...any) error
}

// Ping checks the handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateAccount inserts a new account with the named role.
func (s *SQLiteStore) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	role, err := sqliteRoleByName(ctx, tx, op, in.Role)
	if err != nil {
		return Account{}, err
	}

	ms := sqlitedb.ToMillis(now)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (id, identity_digest, password_hash, is_active, role_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, in.IdentityDigest, in.PasswordHash, in.Active, role.ID, ms, ms,
	)
	if err != nil {
		if sqlitedb.IsUniqueViolation(err) {
			return Account{}, ConflictError{Op: op, Field: "identity"}
		}
		return Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return Account{}, err
	}

	return Account{
		ID:             id,
		IdentityDigest: in.IdentityDigest,
		PasswordHash:   in.PasswordHash,
		Active:         in.Active,
		Role:           role,
		CreatedAt:      sqlitedb.FromMillis(ms),
		UpdatedAt:      sqlitedb.FromMillis(ms),
	}, nil
}

// GetAccountByID loads one account.
func (s *SQLiteStore) GetAccountByID(ctx context.Context, id string) (Account, error) {
	return s.getOne(ctx, "identity.GetAccountByID", sqliteSelectAccount+` WHERE a.id = ?`, id)
}

// GetAccountByDigest loads the account whose identity digest equals digest exactly.
func (s *SQLiteStore) GetAccountByDigest(ctx context.Context, digest string) (Account, error) {
	return s.getOne(ctx, "identity.GetAccountByDigest", sqliteSelectAccount+` WHERE a.identity_digest = ?`, digest)
}

func (s *SQLiteStore) getOne(ctx context.Context, op, q, arg string) (Account, error) {
	a, err := sqliteScanAccount(s.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, NotFoundError{Op: op, Resource: "account"}
		}
		return Account{}, err
	}
	return a, nil
}

// ListAccounts returns accounts ordered by id (creation order).
func (s *SQLiteStore) ListAccounts(ctx context.Context, page Page) ([]Account, error) {
	page = page.normalized()

	rows, err := s.db.QueryContext(ctx, sqliteSelectAccount+` ORDER BY a.id LIMIT ? OFFSET ?`, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Account, 0, page.Limit)
	for rows.Next() {
		a, err := sqliteScanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAccount removes the account; its refresh tokens cascade.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	const op = "identity.DeleteAccount"

	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return sqliteExpectOne(res, op)
}

// SetAccountRole moves the account to role.
func (s *SQLiteStore) SetAccountRole(ctx context.Context, id, role string, now time.Time) (Account, error) {
	const op = "identity.SetAccountRole"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := sqliteRoleByName(ctx, tx, op, role)
	if err != nil {
		return Account{}, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET role_id = ?, updated_at = ? WHERE id = ?`,
		r.ID, sqlitedb.ToMillis(sqliteNow(now)), id,
	)
	if err != nil {
		return Account{}, err
	}
	if err := sqliteExpectOne(res, op); err != nil {
		return Account{}, err
	}

	a, err := sqliteScanAccount(tx.QueryRowContext(ctx, sqliteSelectAccount+` WHERE a.id = ?`, id))
	if err != nil {
		return Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return Account{}, err
	}
	return a, nil
}

// SetAccountActive toggles the active flag.
func (s *SQLiteStore) SetAccountActive(ctx context.Context, id string, active bool, now time.Time) (Account, error) {
	const op = "identity.SetAccountActive"

	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, sqlitedb.ToMillis(sqliteNow(now)), id,
	)
	if err != nil {
		return Account{}, err
	}
	if err := sqliteExpectOne(res, op); err != nil {
		return Account{}, err
	}
	return s.GetAccountByID(ctx, id)
}

// UpdatePasswordHash replaces the stored hash.
func (s *SQLiteStore) UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"

	if strings.TrimSpace(hash) == "" {
		return invalid(op, "password hash is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET password_hash = ?, updated_at = ? WHERE id = ?`,
		hash, sqlitedb.ToMillis(sqliteNow(now)), id,
	)
	if err != nil {
		return err
	}
	return sqliteExpectOne(res, op)
}

// ListRoles returns the seeded roles ordered by id.
func (s *SQLiteStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountAccountsWithRole counts accounts holding role.
func (s *SQLiteStore) CountAccountsWithRole(ctx context.Context, role string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts a JOIN roles r ON r.id = a.role_id WHERE r.name = ?`,
		role,
	).Scan(&n)
	return n, err
}

func sqliteRoleByName(ctx context.Context, tx *sql.Tx, op, name string) (Role, error) {
	var r Role
	err := tx.QueryRowContext(ctx, `SELECT id, name FROM roles WHERE name = ?`, name).Scan(&r.ID, &r.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Role{}, unknownRole(op, name)
		}
		return Role{}, err
	}
	return r, nil
}

func sqliteScanAccount(row rowScanner) (Account, error) {
	var (
		a                Account
		created, updated int64
	)
	err := row.Scan(
		&a.ID,
		&a.IdentityDigest,
		&a.PasswordHash,
		&a.Active,
		&a.Role.ID,
		&a.Role.Name,
		&created,
		&updated,
	)
	if err != nil {
		return Account{}, err
	}
	a.CreatedAt = sqlitedb.FromMillis(created)
	a.UpdatedAt = sqlitedb.FromMillis(updated)
	return a, nil
}

func sqliteExpectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return NotFoundError{Op: op, Resource: "account"}
	}
	return nil
}

func sqliteNow(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now
}

var _ Store = (*SQLiteStore)(nil)
