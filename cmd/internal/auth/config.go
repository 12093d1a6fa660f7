package auth

import (
	"os"
	"strconv"
	"strings"
	"time"

	"tars/cmd/security/token"
)

// Config holds token and HTTP API settings.
type Config struct {
	// Issuer is the "iss" claim of access tokens.
	Issuer string

	AccessTokenTTL time.Duration

	// ClockSkew tolerates small clock differences during verification.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex Ed25519 secret key signing access
	// tokens. Empty means the caller must supply an ephemeral key.
	PasetoV4SecretKeyHex string

	MaxBodyBytes int64

	// Failed logins allowed per client IP per window.
	LoginIPMax    int
	LoginIPWindow time.Duration

	// TokenFingerprints labels rejected tokens in logs.
	TokenFingerprints token.Fingerprinter
}

func DefaultConfig() Config {
	return Config{
		Issuer:         "tars",
		AccessTokenTTL: 24 * time.Hour,
		ClockSkew:      30 * time.Second,
		MaxBodyBytes:   1 << 20,
		LoginIPMax:     20,
		LoginIPWindow:  5 * time.Minute,
	}
}

// LoadConfigFromEnv overlays TARS_AUTH_* and TARS_PASETO_V4_SECRET_KEY_HEX on
// the defaults. Malformed durations or counts return ErrConfig; a missing key
// does not.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("TARS_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("TARS_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("TARS_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	if v := os.Getenv("TARS_AUTH_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, ErrConfig
		}
		cfg.MaxBodyBytes = n
	}

	if v := os.Getenv("TARS_AUTH_LOGIN_IP_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, ErrConfig
		}
		cfg.LoginIPMax = n
	}

	if v := os.Getenv("TARS_AUTH_LOGIN_IP_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.LoginIPWindow = d
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("TARS_PASETO_V4_SECRET_KEY_HEX"))
	return cfg, nil
}
