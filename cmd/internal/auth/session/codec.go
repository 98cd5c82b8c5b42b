package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// MinSigningKeyBytes is the shortest accepted HS256 secret.
const MinSigningKeyBytes = 32

// maxTokenLen bounds the input accepted by Verify.
const maxTokenLen = 4096

// Claims is the verified content of a token.
//
// Subject is the account's identity digest, never the plaintext identity.
// Times are truncated to whole seconds, the resolution of the encoded form.
type Claims struct {
	Subject   string
	Role      string
	Type      string
	ID        string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type wireClaims struct {
	Role string `json:"role,omitempty"`
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Codec signs and verifies HS256 tokens. It is safe for concurrent use.
type Codec struct {
	key    []byte
	issuer string
	skew   time.Duration
	method jwt.SigningMethod
}

// NewCodec builds a Codec. key must hold at least MinSigningKeyBytes bytes.
func NewCodec(key []byte, issuer string, skew time.Duration) (*Codec, error) {
	if len(key) < MinSigningKeyBytes {
		return nil, fmt.Errorf("%w: signing key shorter than %d bytes", ErrConfig, MinSigningKeyBytes)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("%w: empty issuer", ErrConfig)
	}
	if skew < 0 {
		return nil, fmt.Errorf("%w: negative clock skew", ErrConfig)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k, issuer: issuer, skew: skew, method: jwt.SigningMethodHS256}, nil
}

// Issue signs c with an expiry of now+ttl. A missing ID gets a random UUID. It
// returns the token together with the claims exactly as they will verify.
func (c *Codec) Issue(cl Claims, ttl time.Duration, now time.Time) (string, Claims, error) {
	if strings.TrimSpace(cl.Subject) == "" {
		return "", Claims{}, fmt.Errorf("session: issue: empty subject")
	}
	if cl.Type != TypeAccess && cl.Type != TypeRefresh {
		return "", Claims{}, fmt.Errorf("session: issue: unknown token type %q", cl.Type)
	}
	if ttl <= 0 {
		return "", Claims{}, fmt.Errorf("session: issue: non-positive ttl")
	}
	if cl.ID == "" {
		cl.ID = uuid.NewString()
	}

	now = now.UTC().Truncate(time.Second)
	cl.Issuer = c.issuer
	cl.IssuedAt = now
	cl.ExpiresAt = now.Add(ttl).Truncate(time.Second)

	tok := jwt.NewWithClaims(c.method, wireClaims{
		Role: cl.Role,
		Type: cl.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cl.Issuer,
			Subject:   cl.Subject,
			ID:        cl.ID,
			IssuedAt:  jwt.NewNumericDate(cl.IssuedAt),
			NotBefore: jwt.NewNumericDate(cl.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cl.ExpiresAt),
		},
	})
	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", Claims{}, fmt.Errorf("session: sign: %w", err)
	}
	return signed, cl, nil
}

// Verify checks signature, algorithm, issuer and expiry as of now and returns
// the claims. Failures are ErrTokenExpired, ErrTokenBadSignature or
// ErrTokenMalformed.
func (c *Codec) Verify(raw string, now time.Time) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxTokenLen {
		return Claims{}, ErrTokenMalformed
	}

	// Validation runs skew ahead of now: expiry is enforced early, and tokens
	// minted by a host whose clock leads ours still pass not-before.
	at := now.Add(c.skew)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return at }),
	)

	var wc wireClaims
	_, err := parser.ParseWithClaims(raw, &wc, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil {
		return Claims{}, classify(err)
	}

	if wc.ExpiresAt == nil || !at.Before(wc.ExpiresAt.Time) {
		return Claims{}, ErrTokenExpired
	}
	if wc.Subject == "" || wc.ID == "" || wc.IssuedAt == nil {
		return Claims{}, ErrTokenMalformed
	}
	if wc.Type != TypeAccess && wc.Type != TypeRefresh {
		return Claims{}, ErrTokenMalformed
	}

	return Claims{
		Subject:   wc.Subject,
		Role:      wc.Role,
		Type:      wc.Type,
		ID:        wc.ID,
		Issuer:    wc.Issuer,
		IssuedAt:  wc.IssuedAt.UTC(),
		ExpiresAt: wc.ExpiresAt.UTC(),
	}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrTokenBadSignature
	default:
		return ErrTokenMalformed
	}
}
