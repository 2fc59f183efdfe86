package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	rtsup "reqsched/internal/runtime/supervisor"
	logx "reqsched/pkg/logx"
)

const appConfig = `
logging:
  level: error
  console: true
scheduler:
  max_concurrent: 2
  retry_delay: 10ms
admin:
  enabled: true
  addr: 127.0.0.1:0
probes:
  rate_per_sec: 50
  targets:
    - name: upstream
      url: {{URL}}
      schedule: "@every 1h"
      dedup_key: upstream
`

func writeConfig(t *testing.T, path, upstream string, maxConcurrent string) {
	t.Helper()
	body := strings.ReplaceAll(appConfig, "{{URL}}", upstream)
	body = strings.Replace(body, "max_concurrent: 2", "max_concurrent: "+maxConcurrent, 1)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppEndToEnd(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	path := filepath.Join(t.TempDir(), "reqsched.yaml")
	writeConfig(t, path, upstream.URL, "2")

	ctx := context.Background()
	a, err := New(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopSignal)
	}()

	base := "http://" + a.AdminAddr()
	resp, err := http.Post(base+"/probes/upstream/run", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run probe = %d", resp.StatusCode)
	}
	waitFor(t, "probe to succeed", func() bool { return a.Scheduler().Stats().SuccessfulRequests == 1 })
	if hits.Load() != 1 {
		t.Fatalf("upstream hits = %d", hits.Load())
	}

	resp, err = http.Get(base + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if stats["max_concurrent"] != float64(2) {
		t.Fatalf("stats = %v", stats)
	}

	// Hot reload through the file watcher.
	writeConfig(t, path, upstream.URL, "7")
	waitFor(t, "reload to apply", func() bool { return a.Scheduler().Config().MaxConcurrent == 7 })

	select {
	case <-a.Done():
		t.Fatalf("app stopped unexpectedly: %v", a.Err())
	default:
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reqsched.json")
	body := `{"probes":{"targets":[{"name":"x","url":"https://x.test","schedule":"whenever"}]}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), path); err == nil {
		t.Fatal("expected bad schedule to be rejected")
	}
	if _, err := New(context.Background(), filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected missing file to fail")
	}
}

func TestStopStepHonoursDeadline(t *testing.T) {
	t.Parallel()
	a := &App{log: logx.Nop()}
	start := time.Now()
	a.step(context.Background(), "stuck", 30*time.Millisecond, func(c context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	if el := time.Since(start); el > 500*time.Millisecond {
		t.Fatalf("step waited %v for a stuck function", el)
	}

	ran := false
	a.step(context.Background(), "panics", time.Second, func(c context.Context) error {
		ran = true
		panic("boom")
	})
	if !ran {
		t.Fatal("step did not run")
	}
}

func TestNotifier(t *testing.T) {
	t.Parallel()
	var states []string
	n := notifier{log: logx.Nop(), send: func(state string) (bool, error) {
		states = append(states, state)
		if state == "STOPPING=1" {
			return false, errors.New("socket gone")
		}
		return true, nil
	}}
	n.ready()
	n.stopping()
	if strings.Join(states, ",") != "READY=1,STOPPING=1" {
		t.Fatalf("states = %v", states)
	}

	// Without a watchdog in the environment start is a no-op.
	sup := rtsup.New(context.Background())
	n.start(sup)
	if c := sup.Counters(); c.Started != 0 {
		t.Fatalf("watchdog goroutine started without WATCHDOG_USEC: %+v", c)
	}
	sup.Cancel()
}
