package auth

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{
		"TARS_AUTH_ISSUER", "TARS_AUTH_ACCESS_TTL", "TARS_AUTH_CLOCK_SKEW",
		"TARS_AUTH_MAX_BODY_BYTES", "TARS_AUTH_LOGIN_IP_MAX", "TARS_AUTH_LOGIN_IP_WINDOW",
		"TARS_PASETO_V4_SECRET_KEY_HEX",
	} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("TARS_AUTH_ISSUER", "tars-test")
	t.Setenv("TARS_AUTH_ACCESS_TTL", "1h")
	t.Setenv("TARS_AUTH_CLOCK_SKEW", "0s")
	t.Setenv("TARS_AUTH_MAX_BODY_BYTES", "4096")
	t.Setenv("TARS_AUTH_LOGIN_IP_MAX", "3")
	t.Setenv("TARS_AUTH_LOGIN_IP_WINDOW", "1m")
	t.Setenv("TARS_PASETO_V4_SECRET_KEY_HEX", " abc ")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	want := Config{
		Issuer:               "tars-test",
		AccessTokenTTL:       time.Hour,
		ClockSkew:            0,
		PasetoV4SecretKeyHex: "abc",
		MaxBodyBytes:         4096,
		LoginIPMax:           3,
		LoginIPWindow:        time.Minute,
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("got %+v want %+v", cfg, want)
	}
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	cases := map[string]string{
		"TARS_AUTH_ACCESS_TTL":      "soon",
		"TARS_AUTH_CLOCK_SKEW":      "-1s",
		"TARS_AUTH_MAX_BODY_BYTES":  "0",
		"TARS_AUTH_LOGIN_IP_MAX":    "many",
		"TARS_AUTH_LOGIN_IP_WINDOW": "0s",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := LoadConfigFromEnv(); err != ErrConfig {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}
