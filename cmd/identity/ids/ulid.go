// Package ids generates and checks the ULID identifiers used as primary keys.
package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a 26-char ULID for now (the current time when zero).
// Entropy is monotonic within a millisecond, so ids minted together still sort.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Valid reports whether s is a canonical ULID string.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
