package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validate checks a new password against the policy. Login never calls it.
func (c Config) Validate(password string) error {
	if !utf8.ValidString(password) {
		return ErrInvalidPassword
	}
	for _, r := range password {
		if r == 0 || (unicode.IsControl(r) && r != '\t') {
			return ErrInvalidPassword
		}
	}

	n := utf8.RuneCountInString(password)
	if n < c.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrPasswordTooLong
	}

	if strings.TrimSpace(password) == "" {
		return ErrWeakPassword
	}
	if c.Policy.RejectVeryWeak && looksVeryWeak(password) {
		return ErrWeakPassword
	}
	return nil
}

// looksVeryWeak is a small blocklist, not an entropy estimator.
func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)

	first, _ := utf8.DecodeRuneInString(s)
	if strings.Trim(s, string(first)) == "" {
		return true
	}

	onlyDigits := true
	for _, r := range s {
		if !unicode.IsDigit(r) {
			onlyDigits = false
			break
		}
	}
	if onlyDigits && utf8.RuneCountInString(s) < 12 {
		return true
	}

	switch strings.ToLower(s) {
	case "password", "password1", "password123", "12345678", "123456789", "qwerty123", "qwertyuiop", "azertyuiop", "iloveyou":
		return true
	}
	return false
}
