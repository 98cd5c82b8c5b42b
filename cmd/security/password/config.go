package password

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32 `env:"ARGON2_MEMORY_KIB" validate:"min=8192,max=1048576"`
	Iterations  uint32 `env:"ARGON2_ITERATIONS" validate:"min=1,max=20"`
	Parallelism uint8  `env:"ARGON2_PARALLELISM" validate:"min=1,max=64"`
	SaltLength  uint32 `env:"ARGON2_SALT_LEN" validate:"min=8,max=64"`
	KeyLength   uint32 `env:"ARGON2_KEY_LEN" validate:"min=16,max=64"`
}

// Policy controls password validation on account creation.
type Policy struct {
	MinLength int `env:"PASSWORD_MIN_LEN" validate:"min=1,max=1024"`
	MaxLength int `env:"PASSWORD_MAX_LEN" validate:"min=1,max=4096,gtefield=MinLength"`
	// RejectVeryWeak enables a minimal blocklist of trivial passwords.
	RejectVeryWeak bool `env:"PASSWORD_REJECT_VERY_WEAK"`
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the baseline used for interactive logins.
func DefaultConfig() Config {
	// Parallelism follows the host but stays in [1..4] so containers behave predictably.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024, // 64 MiB
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      256,
			RejectVeryWeak: true,
		},
	}
}

// FromEnv overlays SECUREAPI_ARGON2_* and SECUREAPI_PASSWORD_* variables on DefaultConfig.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SECUREAPI_"}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cfg, nil
}
