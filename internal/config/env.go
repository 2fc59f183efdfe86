package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override, e.g.
// REQSCHED_SCHEDULER_MAX_CONCURRENT or REQSCHED_ADMIN_TOKEN.
const EnvPrefix = "REQSCHED_"

// ApplyEnv overlays REQSCHED_* variables on cfg. Unset variables leave the
// file values untouched. Probe targets are file-only.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	// Targets is a slice of structs; overlay the scalar fields only.
	probes := probeEnv{
		RatePerSec: cfg.Probes.RatePerSec,
		Burst:      cfg.Probes.Burst,
		Timezone:   cfg.Probes.Timezone,
	}
	sections := []struct {
		prefix string
		target any
	}{
		{"LOGGING_", &cfg.Logging},
		{"SCHEDULER_", &cfg.Scheduler},
		{"ADMIN_", &cfg.Admin},
		{"PROBES_", &probes},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return fmt.Errorf("env %s%s*: %w", EnvPrefix, s.prefix, err)
		}
	}
	cfg.Probes.RatePerSec = probes.RatePerSec
	cfg.Probes.Burst = probes.Burst
	cfg.Probes.Timezone = probes.Timezone
	return nil
}

type probeEnv struct {
	RatePerSec float64 `env:"RATE_PER_SEC"`
	Burst      int     `env:"BURST"`
	Timezone   string  `env:"TIMEZONE"`
}

// LoadEnvFiles loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped when
// optional is true.
func LoadEnvFiles(optional bool, paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if optional && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}
