package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reqsched/internal/config"
	"reqsched/internal/scheduler"
	logx "reqsched/pkg/logx"
)

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Config{RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond}, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func run(t *testing.T, op scheduler.Operation, s *scheduler.Scheduler, maxRetries int) (Result, error) {
	t.Helper()
	h, err := s.Submit(op, scheduler.Options{MaxRetries: maxRetries})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return scheduler.Await[Result](ctx, h)
}

func TestHTTPGetStatusMapping(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("hello")) })
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1)%2 == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	s := newScheduler(t)

	res, err := run(t, httpGet(srv.Client(), srv.URL+"/ok"), s, 0)
	if err != nil || res.Status != http.StatusOK || res.Bytes != 5 {
		t.Fatalf("/ok = %+v, %v", res, err)
	}

	calls.Store(0)
	_, err = run(t, httpGet(srv.Client(), srv.URL+"/missing"), s, 3)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("/missing err = %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("4xx retried: %d calls", n)
	}
	if _, err := httpGet(srv.Client(), srv.URL+"/missing")(context.Background()); !scheduler.IsNoRetry(err) {
		t.Fatalf("/missing err = %v, want a no-retry error", err)
	}

	calls.Store(0)
	res, err = run(t, httpGet(srv.Client(), srv.URL+"/flaky"), s, 3)
	if err != nil || res.Status != http.StatusNoContent {
		t.Fatalf("/flaky = %+v, %v", res, err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("/flaky calls = %d, want 2", n)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"7", 7 * time.Second, true},
		{"-1", 0, false},
		{"99999999999999", maxRetryAfter, true},
		{now.Add(72 * time.Hour).Format(http.TimeFormat), maxRetryAfter, true},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
		{"tomorrow", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseRetryAfter(tc.in, now)
		if got != tc.want || ok != tc.ok {
			t.Errorf("parseRetryAfter(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	cfg, err := FromConfig(config.ProbesConfig{
		Timezone: "UTC",
		Targets: []config.ProbeTarget{
			{Name: "plans", URL: "https://x.test/plans", Schedule: "@every 30s", Priority: "low", DedupKey: " plans "},
			{Name: "off", URL: "https://x.test/off", Schedule: "bogus", Disabled: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Targets) != 1 || cfg.Location != time.UTC {
		t.Fatalf("cfg = %+v", cfg)
	}
	tg := cfg.Targets[0]
	if tg.Priority != scheduler.PriorityLow || tg.DedupKey != "plans" || tg.Schedule.Every != 30*time.Second {
		t.Fatalf("target = %+v", tg)
	}

	if _, err := FromConfig(config.ProbesConfig{Targets: []config.ProbeTarget{{Name: "x", Schedule: "bogus"}}}); err == nil {
		t.Fatal("expected bad schedule to fail")
	}
}

func TestRunnerFireRecordsResults(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRunner(newScheduler(t), logx.Nop(), WithHTTPClient(srv.Client()))
	r.Apply(Config{RatePerSec: 100, Burst: 10, Targets: []Target{
		{Name: "good", URL: srv.URL + "/good", Schedule: Schedule{Cron: "@yearly"}},
		{Name: "bad", URL: srv.URL + "/bad", Schedule: Schedule{Every: time.Hour}},
	}})

	if err := r.Fire("good"); !errors.Is(err, scheduler.ErrStopped) {
		t.Fatalf("Fire before Start = %v", err)
	}
	r.Start(context.Background())
	defer r.Stop(context.Background())

	if err := r.Fire("nope"); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("Fire(nope) = %v", err)
	}
	for _, name := range []string{"good", "bad"} {
		if err := r.Fire(name); err != nil {
			t.Fatalf("Fire(%s): %v", name, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := r.Snapshot()
		if len(snap) != 2 {
			t.Fatalf("snapshot = %+v", snap)
		}
		bad, good := snap[0], snap[1]
		if good.Succeeded == 1 && bad.Failed == 1 && !good.Next.IsZero() && !bad.Next.IsZero() {
			if good.LastStatus != http.StatusOK || bad.LastStatus != http.StatusBadRequest {
				t.Fatalf("statuses = %d, %d", good.LastStatus, bad.LastStatus)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("results not recorded: %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnerThrottles(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	r := NewRunner(newScheduler(t), logx.Nop(), WithHTTPClient(srv.Client()))
	r.Apply(Config{RatePerSec: 0.001, Burst: 1, Targets: []Target{
		{Name: "p", URL: srv.URL, Schedule: Schedule{Every: time.Hour}},
	}})
	r.Start(context.Background())
	defer r.Stop(context.Background())

	for i := 0; i < 3; i++ {
		if err := r.Fire("p"); err != nil {
			t.Fatal(err)
		}
	}
	st := r.Snapshot()[0]
	if st.Fired != 1 || st.Throttled != 2 {
		t.Fatalf("status = %+v, want 1 fired and 2 throttled", st)
	}
}

func TestRunnerStopWhileFiring(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	r := NewRunner(newScheduler(t), logx.Nop(), WithHTTPClient(srv.Client()))
	r.Apply(Config{RatePerSec: 1e6, Burst: 1000, Targets: []Target{
		{Name: "p", URL: srv.URL, Schedule: Schedule{Every: time.Hour}},
	}})
	r.Start(context.Background())

	var wg sync.WaitGroup
	var fired atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := r.Fire("p"); err != nil {
					if !errors.Is(err, scheduler.ErrStopped) {
						t.Errorf("Fire: %v", err)
					}
					return
				}
				fired.Add(1)
			}
		}()
	}
	for fired.Load() < 20 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wg.Wait()
	if err := r.Fire("p"); !errors.Is(err, scheduler.ErrStopped) {
		t.Fatalf("Fire after Stop = %v, want ErrStopped", err)
	}
}
