package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"reqsched/internal/scheduler"
	logx "reqsched/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  max_concurrent: 8
  request_timeout: 2s
  retry_delay: 100ms
  deduplication_window: 10s
admin:
  enabled: true
  addr: 127.0.0.1:0
probes:
  rate_per_sec: 2
  targets:
    - name: plans
      url: https://api.example.com/plans
      schedule: "@every 30s"
      priority: low
      dedup_key: plans
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	y, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if y.Scheduler.MaxConcurrent != 8 || y.Logging.Level != "debug" || len(y.Probes.Targets) != 1 {
		t.Fatalf("yaml decoded = %+v", y)
	}
	j, err := Decode("c.json", []byte(`{"scheduler":{"max_concurrent":8}}`))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if j.Scheduler.MaxConcurrent != 8 {
		t.Fatalf("json decoded = %+v", j)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body string
	}{
		{"unknown json key", "c.json", `{"scheduler":{"workers":2}}`},
		{"unknown yaml key", "c.yml", "scheduler:\n  workers: 2\n"},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "scheduler: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.file, []byte(tc.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSchedulerResolveAndPatch(t *testing.T) {
	t.Parallel()
	sc := SchedulerConfig{MaxConcurrent: 4, RequestTimeout: "2s", RetryMaxDelay: "3s"}
	rc, err := sc.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if rc.MaxConcurrent != 4 || rc.RequestTimeout != 2*time.Second || rc.MaxRetryDelay != 3*time.Second || rc.RetryDelay != 0 {
		t.Fatalf("resolved = %+v", rc)
	}

	p, err := sc.Patch()
	if err != nil {
		t.Fatal(err)
	}
	if *p.MaxConcurrent != 4 || *p.MaxQueueSize != scheduler.DefaultMaxQueueSize || *p.RetryDelay != scheduler.DefaultRetryDelay {
		t.Fatalf("patch = %d %d %v", *p.MaxConcurrent, *p.MaxQueueSize, *p.RetryDelay)
	}

	if _, err := (SchedulerConfig{RetryDelay: "soon"}).Resolve(); err == nil || !strings.Contains(err.Error(), "scheduler.retry_delay") {
		t.Fatalf("err = %v", err)
	}
	if _, err := (SchedulerConfig{MaxConcurrent: -1}).Resolve(); err == nil {
		t.Fatal("expected negative max_concurrent to fail")
	}
}

func TestValidateProbes(t *testing.T) {
	t.Parallel()
	cfg := &Config{Probes: ProbesConfig{Targets: []ProbeTarget{
		{Name: "a", URL: "https://x.test/a", Schedule: "@every 1m"},
		{Name: "a", URL: "ftp://x.test", Schedule: ""},
		{Name: "", URL: "https://x.test", Schedule: "1m", Priority: "urgent"},
	}}}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"duplicate", "targets[1].url", "targets[1].schedule", "targets[2].name", "targets[2].priority"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("empty config: %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("REQSCHED_SCHEDULER_MAX_CONCURRENT", "12")
	t.Setenv("REQSCHED_SCHEDULER_REQUEST_TIMEOUT", "750ms")
	t.Setenv("REQSCHED_LOGGING_FILE_ENABLED", "true")
	t.Setenv("REQSCHED_ADMIN_TOKEN", "s3cret")
	t.Setenv("REQSCHED_PROBES_RATE_PER_SEC", "1.5")

	cfg := &Config{Scheduler: SchedulerConfig{MaxConcurrent: 2, RetryDelay: "1s"}}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.MaxConcurrent != 12 || cfg.Scheduler.RequestTimeout != "750ms" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.RetryDelay != "1s" {
		t.Fatalf("unset variable overwrote file value: %q", cfg.Scheduler.RetryDelay)
	}
	if !cfg.Logging.File.Enabled || cfg.Admin.Token != "s3cret" || cfg.Probes.RatePerSec != 1.5 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "REQSCHED_TEST_DOTENV=loaded\n")
	t.Cleanup(func() { os.Unsetenv("REQSCHED_TEST_DOTENV") })

	if err := LoadEnvFiles(false, p); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("REQSCHED_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("env = %q", got)
	}
	if err := LoadEnvFiles(true, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("optional missing file: %v", err)
	}
	if err := LoadEnvFiles(false, filepath.Join(dir, "missing.env")); err == nil {
		t.Fatal("expected error for required missing file")
	}
}

func TestManagerLoadRunsValidator(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "reqsched.yaml", sampleYAML)
	m := NewManager(p)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Scheduler.MaxConcurrent > 4 {
			return errors.New("too many")
		}
		return nil
	})
	if _, err := m.Load(context.Background()); err == nil {
		t.Fatal("expected validator rejection")
	}
	if m.Get() != nil {
		t.Fatal("rejected config must not be committed")
	}

	m.SetValidator(nil)
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "reqsched.json", `{"scheduler":{"max_concurrent":2}}`)
	m := NewManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "reqsched.json", `{"scheduler":{"max_concurrent":9}}`)

	select {
	case cfg := <-ch:
		if cfg.Scheduler.MaxConcurrent != 9 {
			t.Fatalf("published max_concurrent = %d", cfg.Scheduler.MaxConcurrent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published after file change")
	}
}

func TestManagerReloadSkipsUnchangedAndInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "reqsched.json", `{"scheduler":{"max_concurrent":2}}`)
	m := NewManager(p)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.reload(context.Background()) {
		t.Fatal("unchanged content should not publish")
	}
	writeFile(t, dir, "reqsched.json", `{"scheduler":{"max_concurrent":-3}}`)
	if m.reload(context.Background()) {
		t.Fatal("invalid content should not publish")
	}
	if m.Get().Scheduler.MaxConcurrent != 2 {
		t.Fatal("invalid reload replaced committed config")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Admin:  AdminConfig{Enabled: true, Token: "a"},
		Probes: ProbesConfig{Targets: []ProbeTarget{{Name: "a"}, {Name: "b"}}},
	}
	newCfg := &Config{
		Scheduler: SchedulerConfig{MaxConcurrent: 3},
		Admin:     AdminConfig{Enabled: true, Token: "s3cret-rotated"},
		Probes:    ProbesConfig{Targets: []ProbeTarget{{Name: "a", URL: "https://x"}, {Name: "c"}}},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "scheduler,admin,probes" {
		t.Fatalf("changed = %v", changed)
	}
	var buf bytes.Buffer
	logx.New(zerolog.New(&buf)).Info("config reloaded", attrs...)
	if strings.Contains(buf.String(), "s3cret") {
		t.Fatalf("admin token leaked into log: %s", buf.String())
	}
	got := changedTargets(oldCfg.Probes.Targets, newCfg.Probes.Targets)
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("changedTargets = %v", got)
	}
}
