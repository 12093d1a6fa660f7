package app

import (
	"slices"
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TARS_TEST_STR", "  value  ")
	t.Setenv("TARS_TEST_BLANK", "   ")
	t.Setenv("TARS_TEST_BOOL", "true")
	t.Setenv("TARS_TEST_BAD_BOOL", "yes please")
	t.Setenv("TARS_TEST_INT", "42")
	t.Setenv("TARS_TEST_NEG_INT", "-3")
	t.Setenv("TARS_TEST_ZERO_INT32", "0")
	t.Setenv("TARS_TEST_BIG_INT32", "4294967296")
	t.Setenv("TARS_TEST_DUR", "250ms")
	t.Setenv("TARS_TEST_NEG_DUR", "-1s")
	t.Setenv("TARS_TEST_CSV", " a, ,b ,")

	if got := EnvString("TARS_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString=%q", got)
	}
	if got := EnvString("TARS_TEST_BLANK", "def"); got != "def" {
		t.Fatalf("EnvString(blank)=%q", got)
	}
	if got := EnvBool("TARS_TEST_BOOL", false); !got {
		t.Fatalf("EnvBool=false")
	}
	if got := EnvBool("TARS_TEST_BAD_BOOL", true); !got {
		t.Fatalf("EnvBool(bad) should fall back to default")
	}
	if got := EnvInt("TARS_TEST_INT", 1); got != 42 {
		t.Fatalf("EnvInt=%d", got)
	}
	if got := EnvInt("TARS_TEST_NEG_INT", 7); got != 7 {
		t.Fatalf("EnvInt(negative)=%d", got)
	}
	if got := EnvInt32("TARS_TEST_ZERO_INT32", 5); got != 0 {
		t.Fatalf("EnvInt32(0)=%d", got)
	}
	if got := EnvInt32("TARS_TEST_BIG_INT32", 5); got != 5 {
		t.Fatalf("EnvInt32(overflow)=%d", got)
	}
	if got := EnvDuration("TARS_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("EnvDuration=%v", got)
	}
	if got := EnvDuration("TARS_TEST_NEG_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration(negative)=%v", got)
	}
	if got := EnvCSV("TARS_TEST_CSV", ""); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("EnvCSV=%v", got)
	}
	if got := EnvCSV("TARS_TEST_UNSET", "x,y"); !slices.Equal(got, []string{"x", "y"}) {
		t.Fatalf("EnvCSV(default)=%v", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"TARS_HTTP_ADDR", "TARS_LOG_FORMAT", "TARS_DATABASE_URL", "TARS_MIGRATE_ON_START", "TARS_CORS_ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.LogFormat != "json" || cfg.DatabaseURL != "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.MigrateOnStart {
		t.Fatalf("migrations should run on start by default")
	}
	if !slices.Equal(cfg.CORSAllowedOrigins, []string{"http://localhost:*", "http://127.0.0.1:*"}) {
		t.Fatalf("unexpected CORS default: %v", cfg.CORSAllowedOrigins)
	}
}
