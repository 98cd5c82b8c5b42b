package session

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	t.Setenv("SECUREAPI_JWT_SECRET", "")
	_, err := LoadConfigFromEnv()
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig on missing secret, got %v", err)
	}
}

func TestLoadConfigFromEnv_ShortSecret(t *testing.T) {
	t.Setenv("SECUREAPI_JWT_SECRET", "too-short")
	_, err := LoadConfigFromEnv()
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig on short secret, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	cases := map[string]string{
		"SECUREAPI_ACCESS_TTL":  "-5m",
		"SECUREAPI_CLOCK_SKEW":  "10m",
		"SECUREAPI_REFRESH_TTL": "1m",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("SECUREAPI_JWT_SECRET", testSecret)
			t.Setenv(k, v)
			_, err := LoadConfigFromEnv()
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig for %s=%s, got %v", k, v, err)
			}
		})
	}
}

func TestLoadConfigFromEnv_ShortFingerprintKey(t *testing.T) {
	t.Setenv("SECUREAPI_JWT_SECRET", testSecret)
	t.Setenv("SECUREAPI_FINGERPRINT_KEY", "short")
	_, err := LoadConfigFromEnv()
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for short fingerprint key, got %v", err)
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	t.Setenv("SECUREAPI_JWT_SECRET", testSecret)
	t.Setenv("SECUREAPI_JWT_ISSUER", "secureapi-test")
	t.Setenv("SECUREAPI_ACCESS_TTL", "10m")
	t.Setenv("SECUREAPI_REFRESH_TTL", "48h")
	t.Setenv("SECUREAPI_CLOCK_SKEW", "20s")
	t.Setenv("SECUREAPI_REVOKE_FAMILY_ON_REUSE", "true")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Issuer != "secureapi-test" {
		t.Fatalf("issuer mismatch: %q", cfg.Issuer)
	}
	if cfg.AccessTokenTTL != 10*time.Minute || cfg.RefreshTokenTTL != 48*time.Hour {
		t.Fatalf("ttl mismatch: %v / %v", cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	}
	if cfg.ClockSkew != 20*time.Second {
		t.Fatalf("skew mismatch: %v", cfg.ClockSkew)
	}
	if !cfg.RevokeFamilyOnReuse {
		t.Fatalf("expected RevokeFamilyOnReuse")
	}
	if cfg.SigningKey != testSecret {
		t.Fatalf("secret not loaded")
	}
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("SECUREAPI_JWT_SECRET", strings.Repeat("k", 40))

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := DefaultConfig()
	if cfg.Issuer != def.Issuer || cfg.AccessTokenTTL != def.AccessTokenTTL ||
		cfg.RefreshTokenTTL != def.RefreshTokenTTL || cfg.ClockSkew != def.ClockSkew {
		t.Fatalf("defaults mismatch: %+v vs %+v", cfg, def)
	}
	if cfg.RevokeFamilyOnReuse {
		t.Fatalf("reuse revocation must default to off")
	}
}
