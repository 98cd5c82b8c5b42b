package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	authapi "secureapi/cmd/internal/auth/api"
	"secureapi/cmd/internal/auth/session"
	"secureapi/cmd/security/password"
)

// EnvPrefix prefixes every variable the server reads.
const EnvPrefix = "SECUREAPI_"

// ErrConfig is returned for invalid runtime configuration.
var ErrConfig = errors.New("app: invalid config")

// Config contains the process-level runtime configuration.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8000" validate:"required"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn warning error"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json pretty"`
	LogColor  bool   `env:"LOG_COLOR" envDefault:"true"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s" validate:"gt=0"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576" validate:"min=4096"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0"`

	// DatabaseURL selects Postgres. When empty the server runs on SQLitePath.
	DatabaseURL string `env:"DATABASE_URL,unset"`
	DBSchema    string `env:"DB_SCHEMA" envDefault:"public" validate:"required,max=63"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10" validate:"min=1,max=1000"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0" validate:"min=0,ltefield=DBMaxConns"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"data/secureapi.db"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:5173,http://localhost:8501" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"true"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600" validate:"min=0,max=86400"`

	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD,unset"`

	// PurgeInterval is how often expired refresh records are deleted; 0 disables.
	PurgeInterval time.Duration `env:"PURGE_INTERVAL" envDefault:"1h" validate:"gte=0"`
}

// Settings is the full configuration surface: the process config plus the
// subsystem configs that each package loads itself.
type Settings struct {
	App      Config
	Session  session.Config
	API      authapi.Config
	Password password.Config
}

// LoadConfig reads Config from SECUREAPI_* variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if (strings.TrimSpace(c.AdminEmail) == "") != (c.AdminPassword == "") {
		return fmt.Errorf("%w: ADMIN_EMAIL and ADMIN_PASSWORD must be set together", ErrConfig)
	}
	return nil
}

// LoadSettings loads an optional dotenv file and then every subsystem config.
// dotenvPath may be empty, in which case ".env" is tried; a missing file is not
// an error. Variables already present in the environment win over the file.
func LoadSettings(dotenvPath string) (Settings, error) {
	if err := loadDotenv(dotenvPath); err != nil {
		return Settings{}, err
	}

	appCfg, err := LoadConfig()
	if err != nil {
		return Settings{}, err
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return Settings{}, err
	}
	apiCfg, err := authapi.LoadConfigFromEnv()
	if err != nil {
		return Settings{}, err
	}
	pwCfg, err := password.FromEnv()
	if err != nil {
		return Settings{}, err
	}
	return Settings{App: appCfg, Session: sessCfg, API: apiCfg, Password: pwCfg}, nil
}

func loadDotenv(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("%w: dotenv: %v", ErrConfig, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w: dotenv: %v", ErrConfig, err)
	}
	return nil
}
