package password

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password acceptance at registration.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns interactive-login costs with parallelism clamped to [1..4].
func DefaultConfig() Config {
	threads := min(max(runtime.NumCPU(), 1), 4)

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      128,
			RejectVeryWeak: true,
		},
	}
}

type envKnob struct {
	key   string
	apply func(cfg *Config, raw string) error
}

var envKnobs = []envKnob{
	{"TARS_PASSWORD_MIN_LEN", func(c *Config, v string) (err error) {
		c.Policy.MinLength, err = parseIntIn(v, 1, 1024)
		return err
	}},
	{"TARS_PASSWORD_MAX_LEN", func(c *Config, v string) (err error) {
		c.Policy.MaxLength, err = parseIntIn(v, 1, 4096)
		return err
	}},
	{"TARS_PASSWORD_REJECT_VERY_WEAK", func(c *Config, v string) (err error) {
		c.Policy.RejectVeryWeak, err = strconv.ParseBool(strings.TrimSpace(v))
		return err
	}},
	{"TARS_ARGON2_MEMORY_KIB", func(c *Config, v string) (err error) {
		c.Params.MemoryKiB, err = parseU32In(v, 8*1024, 1024*1024)
		return err
	}},
	{"TARS_ARGON2_ITERATIONS", func(c *Config, v string) (err error) {
		c.Params.Iterations, err = parseU32In(v, 1, 20)
		return err
	}},
	{"TARS_ARGON2_PARALLELISM", func(c *Config, v string) error {
		u, err := parseU32In(v, 1, math.MaxUint8)
		if err != nil {
			return err
		}
		c.Params.Parallelism = uint8(u) // #nosec G115 -- bounded above.
		return nil
	}},
	{"TARS_ARGON2_SALT_LEN", func(c *Config, v string) (err error) {
		c.Params.SaltLength, err = parseU32In(v, 8, 64)
		return err
	}},
	{"TARS_ARGON2_KEY_LEN", func(c *Config, v string) (err error) {
		c.Params.KeyLength, err = parseU32In(v, 16, 64)
		return err
	}},
}

// EnvKeys lists every variable FromEnv reads.
func EnvKeys() []string {
	out := make([]string, 0, len(envKnobs))
	for _, k := range envKnobs {
		out = append(out, k.key)
	}
	return out
}

// FromEnv overlays TARS_PASSWORD_* and TARS_ARGON2_* onto DefaultConfig.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	for _, k := range envKnobs {
		raw, ok := os.LookupEnv(k.key)
		if !ok {
			continue
		}
		if err := k.apply(&cfg, raw); err != nil {
			return Config{}, fmt.Errorf("%s: %w", k.key, err)
		}
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength,
			cfg.Policy.MaxLength,
		)
	}
	return cfg, nil
}

func parseIntIn(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("out of range [%d..%d]", lo, hi)
	}
	return n, nil
}

func parseU32In(s string, lo, hi uint32) (uint32, error) {
	u64, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	u := uint32(u64)
	if u < lo || u > hi {
		return 0, fmt.Errorf("out of range [%d..%d]", lo, hi)
	}
	return u, nil
}
