package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"secureapi/cmd/internal/storage/sqlitedb"
)

// SQLiteStore implements Store over a migrated SQLite database.
//
// Write transactions start with BEGIN IMMEDIATE (see sqlitedb), which takes the
// database write lock up front, so the check-and-revoke in Rotate cannot
// interleave with another writer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db, which must already carry the schema.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteSelectRecord = `SELECT id, account_id, fingerprint, created_at, expires_at, revoked, revoked_at, replaced_by_id
  FROM refresh_tokens`

// Persist inserts a new record.
func (s *SQLiteStore) Persist(ctx context.Context, now time.Time, in NewRecord) (RefreshRecord, error) {
	rec, err := newRecord(now, in)
	if err != nil {
		return RefreshRecord{}, err
	}
	if err := sqliteInsert(ctx, s.db, rec); err != nil {
		return RefreshRecord{}, err
	}
	return sqliteRoundTrip(rec), nil
}

// Find loads a record by fingerprint.
func (s *SQLiteStore) Find(ctx context.Context, fingerprint string) (RefreshRecord, error) {
	rec, err := sqliteScanRecord(s.db.QueryRowContext(ctx, sqliteSelectRecord+` WHERE fingerprint = ?`, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshRecord{}, ErrTokenNotFound
	}
	return rec, err
}

// Revoke marks the record revoked if it is not already.
func (s *SQLiteStore) Revoke(ctx context.Context, now time.Time, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ? WHERE id = ? AND revoked = 0`,
		sqlitedb.ToMillis(now), id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM refresh_tokens WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTokenNotFound
	}
	return err
}

// Rotate consumes oldID and inserts its successor in one transaction.
func (s *SQLiteStore) Rotate(ctx context.Context, now time.Time, oldID string, next NewRecord) (RefreshRecord, error) {
	rec, err := newRecord(now, next)
	if err != nil {
		return RefreshRecord{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RefreshRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	ms := sqlitedb.ToMillis(rec.CreatedAt)
	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ?
		  WHERE id = ? AND revoked = 0 AND expires_at > ?`,
		ms, oldID, ms,
	)
	if err != nil {
		return RefreshRecord{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RefreshRecord{}, err
	}
	if n != 1 {
		return RefreshRecord{}, sqliteWhyNotRotated(ctx, tx, oldID)
	}

	if err := sqliteInsert(ctx, tx, rec); err != nil {
		return RefreshRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET replaced_by_id = ? WHERE id = ?`, rec.ID, oldID); err != nil {
		return RefreshRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return RefreshRecord{}, err
	}
	return sqliteRoundTrip(rec), nil
}

// RevokeAllForAccount revokes every live record owned by accountID.
func (s *SQLiteStore) RevokeAllForAccount(ctx context.Context, now time.Time, accountID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ? WHERE account_id = ? AND revoked = 0`,
		sqlitedb.ToMillis(now), accountID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeExpired deletes records with expires_at before the cutoff.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`, sqlitedb.ToMillis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteInsert(ctx context.Context, db sqliteExecer, rec RefreshRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, account_id, fingerprint, created_at, expires_at, revoked)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		rec.ID, rec.AccountID, rec.Fingerprint, sqlitedb.ToMillis(rec.CreatedAt), sqlitedb.ToMillis(rec.ExpiresAt),
	)
	switch {
	case err == nil:
		return nil
	case sqlitedb.IsUniqueViolation(err):
		return ErrConflict
	case sqlitedb.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: account no longer exists", ErrTokenInvalid)
	default:
		return err
	}
}

func sqliteWhyNotRotated(ctx context.Context, tx *sql.Tx, id string) error {
	var revoked bool
	err := tx.QueryRowContext(ctx, `SELECT revoked FROM refresh_tokens WHERE id = ?`, id).Scan(&revoked)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrTokenNotFound
	case err != nil:
		return err
	case revoked:
		return ErrTokenAlreadyRevoked
	default:
		return ErrTokenExpired
	}
}

type sqliteRow interface {
	Scan(dest ...any) error
}

func sqliteScanRecord(row sqliteRow) (RefreshRecord, error) {
	var (
		r                RefreshRecord
		created, expires int64
		revokedAt        sql.NullInt64
		replacedBy       sql.NullString
	)
	err := row.Scan(&r.ID, &r.AccountID, &r.Fingerprint, &created, &expires, &r.Revoked, &revokedAt, &replacedBy)
	if err != nil {
		return RefreshRecord{}, err
	}
	r.CreatedAt = sqlitedb.FromMillis(created)
	r.ExpiresAt = sqlitedb.FromMillis(expires)
	if revokedAt.Valid {
		t := sqlitedb.FromMillis(revokedAt.Int64)
		r.RevokedAt = &t
	}
	if replacedBy.Valid {
		id := replacedBy.String
		r.ReplacedByID = &id
	}
	return r, nil
}

// sqliteRoundTrip truncates times to the stored millisecond resolution.
func sqliteRoundTrip(rec RefreshRecord) RefreshRecord {
	rec.CreatedAt = sqlitedb.FromMillis(sqlitedb.ToMillis(rec.CreatedAt))
	rec.ExpiresAt = sqlitedb.FromMillis(sqlitedb.ToMillis(rec.ExpiresAt))
	return rec
}

var _ Store = (*SQLiteStore)(nil)
