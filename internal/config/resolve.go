package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"reqsched/internal/scheduler"
	logx "reqsched/pkg/logx"
)

// Resolve converts the section to a scheduler.Config. Zero values are left for
// the scheduler to default.
func (c SchedulerConfig) Resolve() (scheduler.Config, error) {
	if c.MaxConcurrent < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_concurrent: must be >= 0")
	}
	if c.MaxQueueSize < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_queue_size: must be >= 0")
	}
	out := scheduler.Config{
		MaxConcurrent:     c.MaxConcurrent,
		MaxQueueSize:      c.MaxQueueSize,
		DefaultMaxRetries: c.DefaultMaxRetries,
	}
	err := parseDurations(map[string]durationField{
		"scheduler.request_timeout":      {c.RequestTimeout, &out.RequestTimeout},
		"scheduler.retry_delay":          {c.RetryDelay, &out.RetryDelay},
		"scheduler.retry_max_delay":      {c.RetryMaxDelay, &out.MaxRetryDelay},
		"scheduler.retry_jitter":         {c.RetryJitter, &out.RetryJitter},
		"scheduler.deduplication_window": {c.DeduplicationWindow, &out.DeduplicationWindow},
		"scheduler.sweep_interval":       {c.SweepInterval, &out.SweepInterval},
	})
	if err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

// Patch returns the hot-reloadable fields as a full patch. Omitted fields
// reset to their defaults so removing a key from the file behaves like a
// fresh start.
func (c SchedulerConfig) Patch() (scheduler.ConfigPatch, error) {
	rc, err := c.Resolve()
	if err != nil {
		return scheduler.ConfigPatch{}, err
	}
	def := scheduler.DefaultConfig()
	pick := func(v, d time.Duration) *time.Duration {
		if v <= 0 {
			v = d
		}
		return &v
	}
	maxConc, maxQueue := rc.MaxConcurrent, rc.MaxQueueSize
	if maxConc == 0 {
		maxConc = def.MaxConcurrent
	}
	if maxQueue == 0 {
		maxQueue = def.MaxQueueSize
	}
	return scheduler.ConfigPatch{
		MaxConcurrent:       &maxConc,
		MaxQueueSize:        &maxQueue,
		RequestTimeout:      pick(rc.RequestTimeout, def.RequestTimeout),
		RetryDelay:          pick(rc.RetryDelay, def.RetryDelay),
		MaxRetryDelay:       pick(rc.MaxRetryDelay, def.MaxRetryDelay),
		DeduplicationWindow: pick(rc.DeduplicationWindow, def.DeduplicationWindow),
	}, nil
}

func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// Validate checks everything that can be checked without side effects.
// Schedules are validated by the probe runner, which owns their syntax.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := cfg.Scheduler.Resolve(); err != nil {
		errs = append(errs, err)
	}
	for _, f := range []struct{ path, raw string }{
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Probes.RatePerSec < 0 {
		errs = append(errs, errors.New("probes.rate_per_sec: must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Probes.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("probes.timezone: %w", err))
		}
	}
	seen := map[string]bool{}
	for i, t := range cfg.Probes.Targets {
		path := fmt.Sprintf("probes.targets[%d]", i)
		name := strings.TrimSpace(t.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = true
		if u, err := url.Parse(strings.TrimSpace(t.URL)); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.url: want an absolute http(s) URL, got %q", path, t.URL))
		}
		if strings.TrimSpace(t.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", path))
		}
		if _, err := scheduler.ParsePriority(t.Priority); err != nil {
			errs = append(errs, fmt.Errorf("%s.priority: %w", path, err))
		}
	}
	return errors.Join(errs...)
}
