package authapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("authapi: invalid config")

// Config controls auth API behavior and security defaults.
type Config struct {
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy   bool  `env:"TRUST_PROXY" envDefault:"false"`
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"1048576" validate:"min=1024,max=16777216"`

	// Failed logins per client IP allowed inside LoginRateWindow; 0 disables.
	LoginRateLimit  int           `env:"LOGIN_RATE_LIMIT" envDefault:"20" validate:"min=0,max=100000"`
	LoginRateWindow time.Duration `env:"LOGIN_RATE_WINDOW" envDefault:"5m" validate:"gt=0"`
}

// DefaultConfig returns the defaults used when nothing is set.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    1 << 20,
		LoginRateLimit:  20,
		LoginRateWindow: 5 * time.Minute,
	}
}

// LoadConfigFromEnv reads SECUREAPI_TRUST_PROXY, SECUREAPI_MAX_BODY_BYTES,
// SECUREAPI_LOGIN_RATE_LIMIT and SECUREAPI_LOGIN_RATE_WINDOW.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SECUREAPI_"}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cfg, nil
}
