package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// MinHMACKeyBytes is the shortest accepted fingerprint key.
const MinHMACKeyBytes = 32

// ErrHMACKeyTooShort rejects a fingerprint key under MinHMACKeyBytes.
var ErrHMACKeyTooShort = errors.New("token: fingerprint key shorter than 32 bytes")

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Fingerprinter digests refresh tokens for server-side storage.
// The zero value uses plain SHA-256.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter returns a Fingerprinter keyed with key. An empty key selects
// SHA-256; a non-empty key shorter than MinHMACKeyBytes is rejected.
func NewFingerprinter(key []byte) (Fingerprinter, error) {
	if len(key) == 0 {
		return Fingerprinter{}, nil
	}
	if len(key) < MinHMACKeyBytes {
		return Fingerprinter{}, ErrHMACKeyTooShort
	}
	k := make([]byte, len(key))
	copy(k, key)
	return Fingerprinter{key: k}, nil
}

// Keyed reports whether HMAC mode is active.
func (f Fingerprinter) Keyed() bool { return len(f.key) > 0 }

// Fingerprint returns the storage digest of tok.
func (f Fingerprinter) Fingerprint(tok string) string {
	if len(f.key) == 0 {
		return HashSHA256Hex(tok)
	}
	return HashHMACSHA256Hex(tok, f.key)
}
