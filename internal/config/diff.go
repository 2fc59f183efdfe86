package config

import (
	"reflect"
	"sort"
	"strings"

	logx "reqsched/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// fields describing them. Secrets such as the admin token are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Int("scheduler.max_concurrent", s.MaxConcurrent),
			logx.Int("scheduler.max_queue_size", s.MaxQueueSize),
			logx.String("scheduler.request_timeout", strings.TrimSpace(s.RequestTimeout)),
			logx.String("scheduler.retry_delay", strings.TrimSpace(s.RetryDelay)),
			logx.String("scheduler.retry_max_delay", strings.TrimSpace(s.RetryMaxDelay)),
			logx.String("scheduler.deduplication_window", strings.TrimSpace(s.DeduplicationWindow)),
		)
		if oldCfg.Scheduler.RetryJitter != s.RetryJitter ||
			oldCfg.Scheduler.DefaultMaxRetries != s.DefaultMaxRetries ||
			oldCfg.Scheduler.SweepInterval != s.SweepInterval {
			attrs = append(attrs, logx.Bool("scheduler.restart_required", true))
		}
	}

	// Admin (never log token)
	if oldCfg.Admin != newCfg.Admin {
		na := newCfg.Admin
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(na.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Probes, newCfg.Probes) {
		changed = append(changed, "probes")
		attrs = append(attrs,
			logx.Int("probes.targets", len(newCfg.Probes.Targets)),
			logx.Any("probes.changed", changedTargets(oldCfg.Probes.Targets, newCfg.Probes.Targets)),
		)
	}
	return changed, attrs
}

// changedTargets lists probe names that were added, removed or modified.
func changedTargets(oldT, newT []ProbeTarget) []string {
	byName := make(map[string]ProbeTarget, len(oldT))
	for _, t := range oldT {
		byName[t.Name] = t
	}
	var out []string
	for _, t := range newT {
		prev, ok := byName[t.Name]
		if !ok || prev != t {
			out = append(out, t.Name)
		}
		delete(byName, t.Name)
	}
	for name := range byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
