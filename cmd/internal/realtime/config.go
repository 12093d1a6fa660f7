package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig holds the websocket gateway knobs.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	// AllowQueryToken accepts ?access_token= for browsers that cannot set
	// headers on the upgrade request.
	AllowQueryToken bool

	WriteTimeout  time.Duration
	SendQueueSize int

	// Liveness comes from the heartbeat alone; reads carry no deadline so a
	// listen-only client stays attached while it answers pings.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    wsDefaultOriginRequired,
		AllowedOrigins:    splitCSV(wsDefaultAllowedOrigins),
		AllowQueryToken:   true,
		WriteTimeout:      wsDefaultWriteTimeout,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// LoadGatewayConfigFromEnv overlays TARS_WS_* variables on the defaults.
// Unparseable values fall back to the default.
func LoadGatewayConfigFromEnv() GatewayConfig {
	d := DefaultGatewayConfig()

	return GatewayConfig{
		DevInsecure:       envBoolWS("TARS_WS_DEV_INSECURE", false),
		OriginRequired:    envBoolWS("TARS_WS_ORIGIN_REQUIRED", d.OriginRequired),
		AllowedOrigins:    envCSVWS("TARS_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		AllowQueryToken:   envBoolWS("TARS_WS_ALLOW_QUERY_TOKEN", d.AllowQueryToken),
		WriteTimeout:      envDurationWS("TARS_WS_WRITE_TIMEOUT", d.WriteTimeout),
		SendQueueSize:     envIntWS("TARS_WS_SEND_QUEUE", d.SendQueueSize),
		HeartbeatInterval: envDurationWS("TARS_WS_HEARTBEAT_INTERVAL", d.HeartbeatInterval),
		HeartbeatTimeout:  envDurationWS("TARS_WS_HEARTBEAT_TIMEOUT", d.HeartbeatTimeout),
		RateEvents:        envIntWS("TARS_WS_RATE_EVENTS", d.RateEvents),
		RateWindow:        envDurationWS("TARS_WS_RATE_WINDOW", d.RateWindow),
	}
}

// normalized fills zero values with defaults and clamps the queue size.
func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
