package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted or zero values fall back to the scheduler defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Admin     AdminConfig     `json:"admin,omitempty"`
	Probes    ProbesConfig    `json:"probes,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" env:"LEVEL"`
	Console bool        `json:"console" env:"CONSOLE"`
	File    LoggingFile `json:"file" envPrefix:"FILE_"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Path    string `json:"path" env:"PATH"`
}

// SchedulerConfig controls the request scheduler.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 50
//   - max_queue_size: 1000
//   - request_timeout: "30s"
//   - retry_delay: "1s"
//   - retry_max_delay: "15s"
//   - retry_jitter: "1s"
//   - default_max_retries: 3 (negative disables retries)
//   - deduplication_window: "5s"
//   - sweep_interval: "60s"
//
// Only max_concurrent, max_queue_size, request_timeout, retry_delay,
// retry_max_delay and deduplication_window are applied on reload; the rest
// take effect on restart.
type SchedulerConfig struct {
	MaxConcurrent       int    `json:"max_concurrent,omitempty" env:"MAX_CONCURRENT"`
	MaxQueueSize        int    `json:"max_queue_size,omitempty" env:"MAX_QUEUE_SIZE"`
	RequestTimeout      string `json:"request_timeout,omitempty" env:"REQUEST_TIMEOUT"`
	RetryDelay          string `json:"retry_delay,omitempty" env:"RETRY_DELAY"`
	RetryMaxDelay       string `json:"retry_max_delay,omitempty" env:"RETRY_MAX_DELAY"`
	RetryJitter         string `json:"retry_jitter,omitempty" env:"RETRY_JITTER"`
	DefaultMaxRetries   int    `json:"default_max_retries,omitempty" env:"DEFAULT_MAX_RETRIES"`
	DeduplicationWindow string `json:"deduplication_window,omitempty" env:"DEDUPLICATION_WINDOW"`
	SweepInterval       string `json:"sweep_interval,omitempty" env:"SWEEP_INTERVAL"`
}

// AdminConfig controls the operator HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8090").
//   - If you bind to a non-loopback address, set a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Addr    string `json:"addr,omitempty" env:"ADDR"`   // default: "127.0.0.1:8090"
	Token   string `json:"token,omitempty" env:"TOKEN"` // optional bearer token (do not log)

	ReadTimeout  string `json:"read_timeout,omitempty" env:"READ_TIMEOUT"`
	WriteTimeout string `json:"write_timeout,omitempty" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `json:"idle_timeout,omitempty" env:"IDLE_TIMEOUT"`
}

// ProbesConfig lists the scheduled HTTP probes that feed the scheduler.
type ProbesConfig struct {
	// RatePerSec caps probe submissions per second across all targets (0 = 5).
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// Timezone applies to cron and HH:MM schedules (default: local).
	Timezone string        `json:"timezone,omitempty"`
	Targets  []ProbeTarget `json:"targets,omitempty"`
}

// ProbeTarget is one outbound HTTP GET submitted on a schedule.
//
// Example:
//
//	{ "name": "plans", "url": "https://api.example.com/plans",
//	  "schedule": "@every 30s", "priority": "low", "dedup_key": "plans" }
type ProbeTarget struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	Schedule   string `json:"schedule"`
	Priority   string `json:"priority,omitempty"`
	DedupKey   string `json:"dedup_key,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	// Disabled keeps the target in the file without scheduling it.
	Disabled bool `json:"disabled,omitempty"`
}
