package session

import (
	"context"
	"time"
)

// RefreshRecord is the server-side state of one issued refresh token.
//
// Fingerprint is a one-way digest of the token; the token itself is never stored.
// ReplacedByID links a rotated record to its successor.
type RefreshRecord struct {
	ID           string
	AccountID    string
	Fingerprint  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Revoked      bool
	RevokedAt    *time.Time
	ReplacedByID *string
}

// Active reports whether the record can still be exchanged at now.
func (r RefreshRecord) Active(now time.Time) bool {
	return !r.Revoked && r.ExpiresAt.After(now)
}

// NewRecord describes a refresh token about to be persisted.
type NewRecord struct {
	AccountID   string
	Fingerprint string
	ExpiresAt   time.Time
}

// Store persists refresh-token records.
//
// Rotate is the only path that consumes a record: it revokes old and inserts its
// successor atomically, and of any number of concurrent Rotate calls on the same
// record at most one succeeds.
type Store interface {
	// Persist inserts a record. A duplicate fingerprint yields ErrConflict.
	Persist(ctx context.Context, now time.Time, in NewRecord) (RefreshRecord, error)

	// Find returns the record with the exact fingerprint or ErrTokenNotFound.
	Find(ctx context.Context, fingerprint string) (RefreshRecord, error)

	// Revoke marks a record revoked. Revoking a revoked record is a no-op.
	Revoke(ctx context.Context, now time.Time, id string) error

	// Rotate revokes the active record oldID and inserts next as its successor.
	// A record that is already revoked yields ErrTokenAlreadyRevoked, one past
	// expiry ErrTokenExpired, an unknown id ErrTokenNotFound.
	Rotate(ctx context.Context, now time.Time, oldID string, next NewRecord) (RefreshRecord, error)

	// RevokeAllForAccount revokes every live record of the account and returns
	// how many changed.
	RevokeAllForAccount(ctx context.Context, now time.Time, accountID string) (int64, error)

	// PurgeExpired deletes records that expired before the cutoff.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
