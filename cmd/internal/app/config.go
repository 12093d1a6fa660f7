package app

import "time"

// Config contains the process-level runtime configuration loaded from
// environment variables. Component knobs (auth, websocket gateway) are loaded
// by their own packages.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL      string
	DBMaxConns       int32
	DBMinConns       int32
	DBConnectTimeout time.Duration
	MigrateOnStart   bool

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool

	// If true, TARS_TOKEN_HMAC_KEY must be set (>= 32 bytes) so token
	// fingerprints in logs are keyed.
	RequireTokenHMAC bool

	// TrustProxy makes request logging and the login throttle use
	// X-Forwarded-For / X-Real-IP.
	TrustProxy bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	DirectoryCacheSize int
	DirectoryCacheTTL  time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("TARS_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TARS_LOG_LEVEL", "info"),
		LogFormat: EnvString("TARS_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("TARS_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TARS_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TARS_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TARS_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("TARS_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("TARS_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:      EnvString("TARS_DATABASE_URL", ""),
		DBMaxConns:       EnvInt32("TARS_DB_MAX_CONNS", 10),
		DBMinConns:       EnvInt32("TARS_DB_MIN_CONNS", 0),
		DBConnectTimeout: EnvDuration("TARS_DB_CONNECT_TIMEOUT", 30*time.Second),
		MigrateOnStart:   EnvBool("TARS_MIGRATE_ON_START", true),

		ReadinessRequireDB: EnvBool("TARS_READINESS_REQUIRE_DB", false),
		RequireTokenHMAC:   EnvBool("TARS_REQUIRE_TOKEN_HMAC", false),
		TrustProxy:         EnvBool("TARS_TRUST_PROXY", false),

		CORSAllowedOrigins:   EnvCSV("TARS_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("TARS_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("TARS_CORS_MAX_AGE_SECONDS", 600),

		DirectoryCacheSize: EnvInt("TARS_DIRECTORY_CACHE_SIZE", 4096),
		DirectoryCacheTTL:  EnvDuration("TARS_DIRECTORY_CACHE_TTL", 5*time.Minute),
	}
}
