package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"reqsched/internal/config"
	"reqsched/internal/scheduler"
	logx "reqsched/pkg/logx"
)

const (
	defaultRatePerSec = 5
	defaultTimeout    = 30 * time.Second
)

// ErrUnknownTarget is returned by Fire for a name that is not configured.
var ErrUnknownTarget = errors.New("probe: unknown target")

// Submitter is the part of the scheduler the runner needs.
type Submitter interface {
	Submit(op scheduler.Operation, opt scheduler.Options) (*scheduler.Handle, error)
}

// Target is one resolved probe.
type Target struct {
	Name       string
	URL        string
	Schedule   Schedule
	Priority   scheduler.Priority
	DedupKey   string
	MaxRetries int
}

// Config is the resolved probes section.
type Config struct {
	RatePerSec float64
	Burst      int
	Location   *time.Location
	Targets    []Target
}

// FromConfig resolves and validates the probes config section. Disabled
// targets are dropped.
func FromConfig(c config.ProbesConfig) (Config, error) {
	out := Config{RatePerSec: c.RatePerSec, Burst: c.Burst, Location: time.Local}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Config{}, fmt.Errorf("probes.timezone: %w", err)
		}
		out.Location = loc
	}
	var errs []error
	for _, t := range c.Targets {
		if t.Disabled {
			continue
		}
		sch, err := ParseSchedule(t.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("probe %s: %w", t.Name, err))
			continue
		}
		prio, err := scheduler.ParsePriority(t.Priority)
		if err != nil {
			errs = append(errs, fmt.Errorf("probe %s: %w", t.Name, err))
			continue
		}
		out.Targets = append(out.Targets, Target{
			Name:       strings.TrimSpace(t.Name),
			URL:        strings.TrimSpace(t.URL),
			Schedule:   sch,
			Priority:   prio,
			DedupKey:   strings.TrimSpace(t.DedupKey),
			MaxRetries: t.MaxRetries,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Status is a per-target snapshot.
type Status struct {
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Schedule   string    `json:"schedule"`
	Next       time.Time `json:"next,omitempty"`
	Fired      uint64    `json:"fired"`
	Succeeded  uint64    `json:"succeeded"`
	Failed     uint64    `json:"failed"`
	Throttled  uint64    `json:"throttled"`
	LastStatus int       `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LastRun    time.Time `json:"last_run,omitempty"`
}

type entry struct {
	target Target
	id     cron.EntryID
	status Status
}

// Runner fires configured probes on their schedules and submits each as an
// HTTP GET to the scheduler. Results are awaited in the background and logged.
type Runner struct {
	sub     Submitter
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	waiters   sync.WaitGroup
	throttled rate.Sometimes
}

type Option func(*Runner)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) {
		if c != nil {
			r.client = c
		}
	}
}

func NewRunner(sub Submitter, log logx.Logger, opts ...Option) *Runner {
	r := &Runner{
		sub:       sub,
		client:    &http.Client{Timeout: defaultTimeout},
		limiter:   rate.NewLimiter(defaultRatePerSec, defaultRatePerSec),
		log:       log,
		entries:   map[string]*entry{},
		throttled: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Apply installs cfg, replacing all schedules. Counters survive for targets
// that keep their name.
func (r *Runner) Apply(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	r.limiter.SetLimit(rate.Limit(rps))
	r.limiter.SetBurst(burst)
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	r.cfg = cfg

	prev := r.entries
	r.entries = make(map[string]*entry, len(cfg.Targets))
	for _, t := range cfg.Targets {
		e := &entry{target: t}
		if old, ok := prev[t.Name]; ok {
			e.status = old.status
		}
		e.status.Name, e.status.URL, e.status.Schedule = t.Name, t.URL, t.Schedule.String()
		r.entries[t.Name] = e
	}
	if r.running {
		r.restartLocked()
	}
}

// Start begins firing schedules. It is a no-op if already running.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true
	r.restartLocked()
}

// Stop halts schedules, cancels result waiters and waits for them to return.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	c := r.c
	r.c = nil
	r.cancel()
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	done := make(chan struct{})
	go func() {
		r.waiters.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restartLocked rebuilds the cron instance from r.entries.
func (r *Runner) restartLocked() {
	if r.c != nil {
		// Stop without waiting: a running job may be blocked on r.mu.
		r.c.Stop()
	}
	r.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(r.cfg.Location))
	now := time.Now().In(r.cfg.Location)
	for name, e := range r.entries {
		sch, err := cronSchedule(e.target.Schedule, now, name)
		if err != nil {
			r.log.Warn("probe schedule rejected", logx.String("probe", name), logx.Err(err))
			continue
		}
		name := name
		e.id = r.c.Schedule(sch, cron.FuncJob(func() { _ = r.Fire(name) }))
	}
	r.c.Start()
	r.log.Info("probes scheduled", logx.Int("targets", len(r.entries)), logx.String("tz", r.cfg.Location.String()))
}

// Fire submits the named probe now. Submissions beyond the rate limit are
// dropped and counted as throttled.
func (r *Runner) Fire(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	if !r.running {
		r.mu.Unlock()
		return scheduler.ErrStopped
	}
	ctx := r.ctx
	t := e.target
	if !r.limiter.Allow() {
		e.status.Throttled++
		n := e.status.Throttled
		r.mu.Unlock()
		r.throttled.Do(func() {
			r.log.Warn("probe throttled", logx.String("probe", name), logx.Uint64("throttled", n))
		})
		return nil
	}
	e.status.Fired++
	e.status.LastRun = time.Now()
	// Added while running is confirmed so Stop never waits concurrently with Add.
	r.waiters.Add(1)
	r.mu.Unlock()

	h, err := r.sub.Submit(httpGet(r.client, t.URL), scheduler.Options{
		Priority:   t.Priority,
		MaxRetries: t.MaxRetries,
		DedupKey:   t.DedupKey,
	})
	if err != nil {
		r.waiters.Done()
		r.record(name, nil, err)
		return err
	}
	go func() {
		defer r.waiters.Done()
		res, err := scheduler.Await[Result](ctx, h)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		r.record(name, &res, err)
	}()
	return nil
}

func (r *Runner) record(name string, res *Result, err error) {
	r.mu.Lock()
	e := r.entries[name]
	if e != nil {
		if err != nil {
			e.status.Failed++
			e.status.LastError = err.Error()
		} else {
			e.status.Succeeded++
			e.status.LastError = ""
		}
		var se *StatusError
		switch {
		case res != nil && err == nil:
			e.status.LastStatus = res.Status
		case errors.As(err, &se):
			e.status.LastStatus = se.Code
		}
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("probe failed", logx.String("probe", name), logx.Err(err))
		return
	}
	r.log.Debug("probe ok", logx.String("probe", name), logx.Int("status", res.Status), logx.Duration("latency", res.Latency), logx.Int("bytes", res.Bytes))
}

// Snapshot returns per-target status sorted by name.
func (r *Runner) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		st := e.status
		if r.c != nil && e.id != 0 {
			st.Next = r.c.Entry(e.id).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
