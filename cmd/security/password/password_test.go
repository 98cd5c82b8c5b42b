package password

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// cheapConfig keeps Argon2id fast enough for unit tests.
func cheapConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func TestHashAndVerify_OK(t *testing.T) {
	cfg := cheapConfig()

	h, err := cfg.Hash("this is a strong password 123!")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(h, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected encoding: %q", h)
	}

	ok, err := cfg.Verify(h, "this is a strong password 123!")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !ok {
		t.Fatalf("expected match")
	}
}

func TestHash_SaltedPerCall(t *testing.T) {
	cfg := cheapConfig()

	a, err := cfg.Hash("same input")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	b, err := cfg.Hash("same input")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if a == b {
		t.Fatalf("expected different encodings for the same password")
	}
	if !cfg.Matches(a, "same input") || !cfg.Matches(b, "same input") {
		t.Fatalf("both encodings must verify")
	}
}

func TestVerify_WrongPassword(t *testing.T) {
	cfg := cheapConfig()

	h, err := cfg.Hash("this is a strong password 123!")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	ok, err := cfg.Verify(h, "wrong password")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch")
	}
}

func TestVerify_InvalidHash(t *testing.T) {
	cfg := cheapConfig()

	cases := []string{
		"not-a-hash",
		"",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$a2V5",
		"$argon2id$v=19$m=99999999,t=1,p=1$c2FsdHNhbHRzYWx0$a2V5a2V5a2V5a2V5a2V5a2V5",
	}
	for _, h := range cases {
		ok, err := cfg.Verify(h, "whatever")
		if !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("Verify(%q): expected ErrInvalidHash, got %v", h, err)
		}
		if ok {
			t.Fatalf("Verify(%q): expected false", h)
		}
		if cfg.Matches(h, "whatever") {
			t.Fatalf("Matches(%q): expected false", h)
		}
	}
}

func TestVerify_LegacyBcrypt(t *testing.T) {
	cfg := cheapConfig()

	raw, err := bcrypt.GenerateFromPassword([]byte("legacy-pass-1"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	h := string(raw)

	if !cfg.Matches(h, "legacy-pass-1") {
		t.Fatalf("expected bcrypt hash to verify")
	}
	if cfg.Matches(h, "legacy-pass-2") {
		t.Fatalf("expected bcrypt mismatch")
	}
	if !cfg.NeedsRehash(h) {
		t.Fatalf("bcrypt hashes must be flagged for rehash")
	}
}

func TestNeedsRehash(t *testing.T) {
	weak := cheapConfig()
	h, err := weak.Hash("rehash me please")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	if weak.NeedsRehash(h) {
		t.Fatalf("hash made with current params must not need rehash")
	}

	stronger := weak
	stronger.Params.Iterations = 2
	if !stronger.NeedsRehash(h) {
		t.Fatalf("expected rehash after raising iterations")
	}
	if !weak.NeedsRehash("garbage") {
		t.Fatalf("malformed hashes need rehash")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.MinLength = 12
	cfg.Policy.MaxLength = 16

	cases := []struct {
		name string
		pw   string
		want error
	}{
		{"too short", "short", ErrPasswordTooShort},
		{"too long", "this password is definitely too long", ErrPasswordTooLong},
		{"control char", "goodpassw0rd\x00!", ErrInvalidPassword},
		{"whitespace only", "              ", ErrWeakPassword},
		{"ok", "goodpassw0rd!", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := cfg.Validate(tc.pw); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPolicy_RejectVeryWeak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.RejectVeryWeak = true
	cfg.Policy.MinLength = 8

	for _, pw := range []string{"password", "11111111", "aaaaaaaaaa", "12345678"} {
		if err := cfg.Validate(pw); !errors.Is(err, ErrWeakPassword) {
			t.Fatalf("Validate(%q): expected ErrWeakPassword, got %v", pw, err)
		}
	}
	if err := cfg.Validate("a-very-ok-pass"); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	cfg.Policy.RejectVeryWeak = false
	if err := cfg.Validate("password"); err != nil {
		t.Fatalf("blocklist disabled: expected ok, got %v", err)
	}
}
