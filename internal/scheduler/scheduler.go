package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"reqsched/internal/eventbus"
	rtsup "reqsched/internal/runtime/supervisor"
	logx "reqsched/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Scheduler admits, orders, deduplicates, retries and bounds concurrent
// operations. All bookkeeping is serialized by mu; only Operation bodies run
// in parallel.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	rng *rand.Rand

	running bool
	ctx     context.Context // parent of every attempt context
	sup     *rtsup.Supervisor

	queue   admissionQueue
	active  map[string]*task
	delayed map[string]*task
	dedup   dedupIndex

	counters  counters
	evictWarn rate.Sometimes
}

type counters struct {
	total        atomic.Uint64
	succeeded    atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	deduplicated atomic.Uint64
	cancelled    atomic.Uint64
	evicted      atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		active:    map[string]*task{},
		delayed:   map[string]*task{},
		dedup:     newDedupIndex(),
		evictWarn: rate.Sometimes{First: 1, Interval: warnThrottleEvery},
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Supervisor returns the scheduler's background supervisor (nil if not started).
func (s *Scheduler) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start begins accepting work. It is idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	s.ctx = s.sup.Context()
	s.running = true

	interval := s.cfg.SweepInterval
	s.sup.GoRestart("dedup.sweep", func(c context.Context) error {
		s.sweepLoop(c, interval)
		return c.Err()
	})
	s.sup.Go("parent.done", func(c context.Context) error {
		<-c.Done()
		s.drainAfterParent()
		return nil
	})
	s.log.Info("scheduler started",
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
		logx.Int("max_queue", s.cfg.MaxQueueSize),
		logx.Duration("request_timeout", s.cfg.RequestTimeout),
	)
}

// Stop cancels all queued, delayed and active tasks and waits for background
// goroutines. Cached results are kept so a later Start can still serve them.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancelAllLocked()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("scheduler stop", logx.Err(err))
		return
	}
	s.log.Info("scheduler stopped")
}

// Submit registers op and returns its handle without waiting for capacity.
//
// With a DedupKey, a fresh cached success or an in-flight handle for the same
// key is returned instead of creating a new task.
func (s *Scheduler) Submit(op Operation, opt Options) (*Handle, error) {
	if op == nil {
		return nil, ErrNilOperation
	}
	now := time.Now()
	key := strings.TrimSpace(opt.DedupKey)
	if opt.NoDedup {
		key = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.ctx.Err() != nil {
		return nil, ErrStopped
	}
	s.counters.total.Add(1)

	if key != "" {
		if h, cached := s.dedup.lookup(key, now); h != nil {
			s.counters.deduplicated.Add(1)
			s.publish(EventDeduplicated, TaskEvent{ID: h.ID(), Priority: opt.Priority.String(), DedupKey: key})
			s.log.Debug("task deduplicated", logx.String("id", h.ID()), logx.String("key", key), logx.Bool("cached", cached))
			return h, nil
		}
	}

	maxRetries := opt.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	id := uuid.NewString()
	t := &task{
		id:          id,
		op:          op,
		priority:    opt.Priority,
		dedupKey:    key,
		handle:      newHandle(id),
		maxRetries:  maxRetries,
		submittedAt: now,
	}
	if key != "" {
		s.dedup.register(key, t.handle)
	}
	s.admitLocked(t, false)
	s.publish(EventQueued, TaskEvent{ID: id, Priority: t.priority.String(), DedupKey: key})
	s.pumpLocked()
	return t.handle, nil
}

// drainAfterParent cancels everything left once the Start context ends
// without Stop. Stop drains on its own, so it is a no-op after Stop.
func (s *Scheduler) drainAfterParent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if n := s.cancelAllLocked(); n > 0 {
		s.log.Warn("scheduler context ended; outstanding tasks cancelled", logx.Int("count", n))
	}
}

// admitLocked enqueues t, evicting the oldest low-priority tasks while the queue
// is full. When nothing is evictable the queue grows past MaxQueueSize.
func (s *Scheduler) admitLocked(t *task, front bool) {
	for s.queue.len() >= s.cfg.MaxQueueSize {
		v := s.queue.evictLow()
		if v == nil {
			break
		}
		s.counters.evicted.Add(1)
		s.finishLocked(v, nil, ErrEvicted, EventEvicted)
		s.evictWarn.Do(func() {
			s.log.Warn("task evicted: queue full",
				logx.String("id", v.id),
				logx.Int("queue_len", s.queue.len()),
				logx.Int("queue_cap", s.cfg.MaxQueueSize),
				logx.Uint64("evicted_total", s.counters.evicted.Load()),
			)
		})
	}
	t.state = stateQueued
	t.enqueuedAt = time.Now()
	s.queue.push(t, front)
}

// pumpLocked starts queued tasks while slots are free.
func (s *Scheduler) pumpLocked() {
	for s.running && s.ctx.Err() == nil && len(s.active) < s.cfg.MaxConcurrent {
		t := s.queue.pop()
		if t == nil {
			return
		}
		s.startLocked(t)
	}
}

// UpdateConfig hot-applies p. Raising MaxConcurrent starts waiting work at once;
// lowering it lets running tasks finish. A lower MaxQueueSize applies at the
// next admission.
func (s *Scheduler) UpdateConfig(p ConfigPatch) error {
	if err := validatePatch(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	if p.MaxConcurrent != nil {
		s.cfg.MaxConcurrent = *p.MaxConcurrent
	}
	if p.MaxQueueSize != nil {
		s.cfg.MaxQueueSize = *p.MaxQueueSize
	}
	if p.RequestTimeout != nil {
		s.cfg.RequestTimeout = *p.RequestTimeout
	}
	if p.RetryDelay != nil {
		s.cfg.RetryDelay = *p.RetryDelay
	}
	if p.MaxRetryDelay != nil {
		s.cfg.MaxRetryDelay = *p.MaxRetryDelay
	}
	if p.DeduplicationWindow != nil {
		s.cfg.DeduplicationWindow = *p.DeduplicationWindow
	}
	if prev != s.cfg {
		s.log.Info("scheduler config updated",
			logx.Int("max_concurrent", s.cfg.MaxConcurrent),
			logx.Int("max_queue", s.cfg.MaxQueueSize),
			logx.Duration("request_timeout", s.cfg.RequestTimeout),
			logx.Duration("retry_delay", s.cfg.RetryDelay),
			logx.Duration("retry_max_delay", s.cfg.MaxRetryDelay),
			logx.Duration("dedup_window", s.cfg.DeduplicationWindow),
		)
	}
	s.pumpLocked()
	return nil
}

func validatePatch(p ConfigPatch) error {
	if p.MaxConcurrent != nil && *p.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: max_concurrent must be > 0", ErrInvalidConfig)
	}
	if p.MaxQueueSize != nil && *p.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: max_queue_size must be > 0", ErrInvalidConfig)
	}
	for name, d := range map[string]*time.Duration{
		"request_timeout":      p.RequestTimeout,
		"retry_delay":          p.RetryDelay,
		"retry_max_delay":      p.MaxRetryDelay,
		"deduplication_window": p.DeduplicationWindow,
	} {
		if d != nil && *d <= 0 {
			return fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, name)
		}
	}
	return nil
}

// Stats returns a snapshot of counters and current sizes.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		QueueSize:       s.queue.len(),
		ActiveCount:     len(s.active),
		DelayedCount:    len(s.delayed),
		RecentCacheSize: len(s.dedup.recent),
		PendingCount:    len(s.dedup.pending),
		MaxConcurrent:   s.cfg.MaxConcurrent,
		MaxQueueSize:    s.cfg.MaxQueueSize,
	}
	s.mu.Unlock()

	st.TotalRequests = s.counters.total.Load()
	st.SuccessfulRequests = s.counters.succeeded.Load()
	st.FailedRequests = s.counters.failed.Load()
	st.RetriedRequests = s.counters.retried.Load()
	st.DeduplicatedRequests = s.counters.deduplicated.Load()
	st.CancelledRequests = s.counters.cancelled.Load()
	st.EvictedRequests = s.counters.evicted.Load()
	return st
}

func (s *Scheduler) sweepLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.sweep(now); n > 0 {
				s.log.Debug("dedup cache swept", logx.Int("expired", n))
			}
		}
	}
}

func (s *Scheduler) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedup.sweep(now)
}

func (s *Scheduler) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
