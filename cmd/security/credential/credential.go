// Package credential bundles the one-way transforms applied to account secrets:
// password hashing, identity pseudonymization and refresh-token fingerprints.
package credential

import (
	"fmt"
	"strings"

	"secureapi/cmd/security/password"
	"secureapi/cmd/security/token"
)

// Hasher is safe for concurrent use.
type Hasher struct {
	passwords password.Config
	tokens    token.Fingerprinter
	dummy     string
}

// New builds a Hasher. It hashes a throwaway password once so that VerifyDummy has a
// realistic hash to compare against.
func New(passwords password.Config, tokens token.Fingerprinter) (*Hasher, error) {
	dummy, err := passwords.Hash("secureapi-dummy-credential")
	if err != nil {
		return nil, fmt.Errorf("credential: dummy hash: %w", err)
	}
	return &Hasher{passwords: passwords, tokens: tokens, dummy: dummy}, nil
}

// HashPassword returns a salted Argon2id encoding of plain.
func (h *Hasher) HashPassword(plain string) (string, error) {
	return h.passwords.Hash(plain)
}

// VerifyPassword reports whether plain matches the stored hash. Malformed hashes
// never match.
func (h *Hasher) VerifyPassword(plain, hash string) bool {
	return h.passwords.Matches(hash, plain)
}

// VerifyDummy burns the same work as a real verification and always fails.
func (h *Hasher) VerifyDummy(plain string) bool {
	_ = h.passwords.Matches(h.dummy, plain)
	return false
}

// ValidatePassword applies the password policy to a new password.
func (h *Hasher) ValidatePassword(plain string) error {
	return h.passwords.Validate(plain)
}

// NeedsRehash reports stored hashes weaker than the current configuration.
func (h *Hasher) NeedsRehash(hash string) bool {
	return h.passwords.NeedsRehash(hash)
}

// Pseudonymize maps an identity (an email address) to its lookup digest.
func (h *Hasher) Pseudonymize(identity string) string {
	return Pseudonymize(identity)
}

// Fingerprint returns the storage digest of a refresh token.
func (h *Hasher) Fingerprint(tok string) string {
	return h.tokens.Fingerprint(tok)
}

// NormalizeIdentity trims and lower-cases an identity before digesting.
func NormalizeIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Pseudonymize returns the unsalted SHA-256 hex digest of the normalized identity.
func Pseudonymize(identity string) string {
	return token.HashSHA256Hex(NormalizeIdentity(identity))
}
