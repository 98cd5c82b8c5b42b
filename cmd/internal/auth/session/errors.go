package session

import (
	"errors"
	"fmt"

	"secureapi/cmd/internal/auth/authn"
)

var (
	// ErrTokenInvalid covers every token that is not acceptable for reasons other
	// than expiry: bad signature, malformed, wrong type, unknown owner.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrTokenMalformed is a token that does not parse or carries unusable claims.
	ErrTokenMalformed = fmt.Errorf("%w: malformed", ErrTokenInvalid)

	// ErrTokenBadSignature is a token whose MAC or algorithm does not verify.
	ErrTokenBadSignature = fmt.Errorf("%w: bad signature", ErrTokenInvalid)

	// ErrTokenWrongType is a valid token presented where the other kind is required.
	ErrTokenWrongType = fmt.Errorf("%w: wrong token type", ErrTokenInvalid)

	// ErrTokenExpired is a token past its expiry (signed or stored).
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenNotFound is a well-formed refresh token with no stored record.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenAlreadyRevoked is a refresh token whose record was rotated or revoked.
	ErrTokenAlreadyRevoked = errors.New("token already revoked")

	// ErrForbidden is a valid access token lacking the required role.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is a duplicate refresh-token fingerprint.
	ErrConflict = errors.New("refresh token fingerprint conflict")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// IsUnauthorized reports whether err must be surfaced to clients as a generic 401.
func IsUnauthorized(err error) bool {
	return errors.Is(err, authn.ErrInvalidCredentials) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrTokenAlreadyRevoked)
}

// Reason returns a stable label classifying err for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, authn.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrTokenBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, ErrTokenWrongType):
		return "wrong_type"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrTokenAlreadyRevoked):
		return "revoked"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
