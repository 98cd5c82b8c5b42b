package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"secureapi/cmd/identity/ids"
)

// PostgresStore implements Store over the refresh_tokens table.
// Table names resolve through the connection's search_path.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed refresh-token store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const pgSelectRecord = `
	SELECT id, account_id, fingerprint, created_at, expires_at, revoked, revoked_at, replaced_by_id
	FROM refresh_tokens`

// Persist inserts a new record.
func (s *PostgresStore) Persist(ctx context.Context, now time.Time, in NewRecord) (RefreshRecord, error) {
	rec, err := newRecord(now, in)
	if err != nil {
		return RefreshRecord{}, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, account_id, fingerprint, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.AccountID, rec.Fingerprint, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return RefreshRecord{}, pgInsertError(err)
	}
	return rec, nil
}

// Find loads a record by fingerprint.
func (s *PostgresStore) Find(ctx context.Context, fingerprint string) (RefreshRecord, error) {
	rec, err := pgScanRecord(s.pool.QueryRow(ctx, pgSelectRecord+` WHERE fingerprint = $1`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshRecord{}, ErrTokenNotFound
	}
	return rec, err
}

// Revoke marks the record revoked if it is not already.
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = true, revoked_at = $2
		WHERE id = $1 AND revoked = false
	`, id, now.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrTokenNotFound
	}
	return nil
}

// Rotate consumes oldID and inserts its successor in one transaction.
//
// The conditional UPDATE takes the row lock; a concurrent Rotate on the same row
// blocks on it and then re-evaluates the predicate against the committed
// revoked=true, so it affects zero rows.
func (s *PostgresStore) Rotate(ctx context.Context, now time.Time, oldID string, next NewRecord) (RefreshRecord, error) {
	rec, err := newRecord(now, next)
	if err != nil {
		return RefreshRecord{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return RefreshRecord{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = true, revoked_at = $2
		WHERE id = $1 AND revoked = false AND expires_at > $2
	`, oldID, rec.CreatedAt)
	if err != nil {
		return RefreshRecord{}, err
	}
	if tag.RowsAffected() != 1 {
		return RefreshRecord{}, s.whyNotRotated(ctx, tx, oldID)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (id, account_id, fingerprint, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.AccountID, rec.Fingerprint, rec.CreatedAt, rec.ExpiresAt); err != nil {
		return RefreshRecord{}, pgInsertError(err)
	}

	if _, err := tx.Exec(ctx, `UPDATE refresh_tokens SET replaced_by_id = $2 WHERE id = $1`, oldID, rec.ID); err != nil {
		return RefreshRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RefreshRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) whyNotRotated(ctx context.Context, tx pgx.Tx, id string) error {
	var (
		revoked bool
		exp     time.Time
	)
	err := tx.QueryRow(ctx, `SELECT revoked, expires_at FROM refresh_tokens WHERE id = $1`, id).Scan(&revoked, &exp)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrTokenNotFound
	case err != nil:
		return err
	case revoked:
		return ErrTokenAlreadyRevoked
	default:
		return ErrTokenExpired
	}
}

// RevokeAllForAccount revokes every live record owned by accountID.
func (s *PostgresStore) RevokeAllForAccount(ctx context.Context, now time.Time, accountID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = true, revoked_at = $2
		WHERE account_id = $1 AND revoked = false
	`, accountID, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeExpired deletes records with expires_at before the cutoff.
func (s *PostgresStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func pgScanRecord(row pgx.Row) (RefreshRecord, error) {
	var r RefreshRecord
	err := row.Scan(
		&r.ID,
		&r.AccountID,
		&r.Fingerprint,
		&r.CreatedAt,
		&r.ExpiresAt,
		&r.Revoked,
		&r.RevokedAt,
		&r.ReplacedByID,
	)
	if err != nil {
		return RefreshRecord{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	if r.RevokedAt != nil {
		t := r.RevokedAt.UTC()
		r.RevokedAt = &t
	}
	return r, nil
}

func pgInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503":
			// Owner deleted between lookup and insert.
			return fmt.Errorf("%w: account no longer exists", ErrTokenInvalid)
		}
	}
	return err
}

func newRecord(now time.Time, in NewRecord) (RefreshRecord, error) {
	if strings.TrimSpace(in.AccountID) == "" || strings.TrimSpace(in.Fingerprint) == "" {
		return RefreshRecord{}, fmt.Errorf("session: record requires account and fingerprint")
	}
	now = now.UTC()
	if !in.ExpiresAt.After(now) {
		return RefreshRecord{}, fmt.Errorf("session: record expiry not after creation")
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return RefreshRecord{}, err
	}
	return RefreshRecord{
		ID:          id,
		AccountID:   in.AccountID,
		Fingerprint: in.Fingerprint,
		CreatedAt:   now,
		ExpiresAt:   in.ExpiresAt.UTC(),
	}, nil
}

var _ Store = (*PostgresStore)(nil)
