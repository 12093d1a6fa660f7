package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Every helper treats an unset, blank, unparseable or out-of-range value as
// absent and returns def.

func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func envParse[T any](key string, def T, parse func(string) (T, error), valid func(T) bool) T {
	raw, ok := lookupEnv(key)
	if !ok {
		return def
	}
	v, err := parse(raw)
	if err != nil || (valid != nil && !valid(v)) {
		return def
	}
	return v
}

// EnvString reads a trimmed string.
func EnvString(key, def string) string {
	if v, ok := lookupEnv(key); ok {
		return v
	}
	return def
}

func EnvBool(key string, def bool) bool {
	return envParse(key, def, strconv.ParseBool, nil)
}

// EnvInt reads a positive int.
func EnvInt(key string, def int) int {
	return envParse(key, def, strconv.Atoi, func(n int) bool { return n > 0 })
}

// EnvInt32 reads a non-negative int32 (pool sizes accept 0).
func EnvInt32(key string, def int32) int32 {
	parse := func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	}
	return envParse(key, def, parse, func(n int32) bool { return n >= 0 })
}

// EnvDuration reads a positive Go duration ("15s", "2m").
func EnvDuration(key string, def time.Duration) time.Duration {
	return envParse(key, def, time.ParseDuration, func(d time.Duration) bool { return d > 0 })
}

// EnvCSV reads a comma-separated list, dropping blank entries.
func EnvCSV(key, def string) []string {
	parts := strings.Split(EnvString(key, def), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
