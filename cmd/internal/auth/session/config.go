package session

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config defines the runtime configuration of the session subsystem.
type Config struct {
	// Issuer is the "iss" claim of every token.
	Issuer string `env:"JWT_ISSUER" envDefault:"secureapi" validate:"required,max=128"`

	// SigningKey is the HS256 secret shared by access and refresh tokens.
	SigningKey string `env:"JWT_SECRET,unset" validate:"required,min=32"`

	AccessTokenTTL  time.Duration `env:"ACCESS_TTL" envDefault:"15m" validate:"gt=0"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TTL" envDefault:"168h" validate:"gtfield=AccessTokenTTL"`

	// ClockSkew is subtracted from the remaining lifetime when verifying, so a
	// token is treated as expired slightly early rather than late.
	ClockSkew time.Duration `env:"CLOCK_SKEW" envDefault:"30s" validate:"gte=0,lte=5m"`

	// FingerprintKey, when set, switches refresh-token fingerprints from SHA-256
	// to HMAC-SHA-256 under this key.
	FingerprintKey string `env:"FINGERPRINT_KEY,unset" validate:"omitempty,min=32"`

	// RevokeFamilyOnReuse revokes every live refresh token of an account when an
	// already-rotated token is presented again.
	RevokeFamilyOnReuse bool `env:"REVOKE_FAMILY_ON_REUSE" envDefault:"false"`
}

// DefaultConfig returns development defaults. SigningKey is left empty and must
// be supplied.
func DefaultConfig() Config {
	return Config{
		Issuer:          "secureapi",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		ClockSkew:       30 * time.Second,
	}
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

// LoadConfigFromEnv reads SECUREAPI_-prefixed variables:
//
//   - SECUREAPI_JWT_SECRET (required, at least 32 bytes)
//   - SECUREAPI_JWT_ISSUER
//   - SECUREAPI_ACCESS_TTL, SECUREAPI_REFRESH_TTL, SECUREAPI_CLOCK_SKEW
//   - SECUREAPI_FINGERPRINT_KEY
//   - SECUREAPI_REVOKE_FAMILY_ON_REUSE
//
// Secrets are unset from the process environment once read. Errors wrap ErrConfig.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SECUREAPI_"}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
