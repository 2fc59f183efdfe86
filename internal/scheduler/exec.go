package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "reqsched/pkg/logx"
)

type outcome struct {
	val      any
	err      error
	timedOut bool
}

// startLocked moves t into the active set and launches one attempt.
func (s *Scheduler) startLocked(t *task) {
	now := time.Now()
	t.attempt++
	t.state = stateActive
	if t.startedAt.IsZero() {
		t.startedAt = now
	}
	timeout := s.cfg.RequestTimeout
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	t.cancel = cancel
	s.active[t.id] = t

	queueDelay := now.Sub(t.enqueuedAt)
	s.publish(EventStarted, TaskEvent{ID: t.id, Priority: t.priority.String(), DedupKey: t.dedupKey, Attempt: t.attempt, QueueDelay: queueDelay})
	s.log.Debug("task.started", logx.String("id", t.id), logx.String("priority", t.priority.String()), logx.Int("attempt", t.attempt), logx.Duration("queue_delay", queueDelay))

	go s.run(ctx, t, t.attempt, timeout)
}

// run executes one attempt. It stops waiting as soon as ctx ends, even if the
// operation ignores cancellation.
func (s *Scheduler) run(ctx context.Context, t *task, attempt int, timeout time.Duration) {
	res := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task.panic", logx.String("id", t.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				res <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := t.op(ctx)
		res <- outcome{val: v, err: err}
	}()

	var out outcome
	select {
	case out = <-res:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.timedOut = true
		out.err = &TimeoutError{After: timeout, Err: out.err}
	}
	s.attemptDone(t, attempt, out)
}

// attemptDone records the result of one attempt: success, retry or terminal failure.
func (s *Scheduler) attemptDone(t *task, attempt int, out outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Cancelled, or superseded by a newer attempt: the result is discarded.
	if s.active[t.id] != t || t.attempt != attempt {
		return
	}
	delete(s.active, t.id)
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	dur := time.Since(t.startedAt)

	if out.err == nil {
		s.counters.succeeded.Add(1)
		s.finishLocked(t, out.val, nil, EventSucceeded)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("id", t.id), logx.Duration("dur", dur), logx.Int("attempts", t.attempt))
		} else {
			s.log.Debug("task.completed", logx.String("id", t.id), logx.Duration("dur", dur), logx.Int("attempts", t.attempt))
		}
		s.pumpLocked()
		return
	}

	// The parent context ended without Stop: nothing should be retried.
	if s.ctx.Err() != nil {
		t.cancelled = true
	}
	d := decideRetry(s.cfg, t, out.err, s.rng)
	if d.retry && s.running {
		t.retries++
		s.counters.retried.Add(1)
		t.state = stateDelayed
		s.delayed[t.id] = t
		t.timer = time.AfterFunc(d.delay, func() { s.readmit(t) })
		s.publish(EventRetry, TaskEvent{ID: t.id, Priority: t.priority.String(), DedupKey: t.dedupKey, Attempt: t.attempt, RetryIn: d.delay, Error: out.err.Error()})
		s.log.Debug("task retry scheduled", logx.String("id", t.id), logx.Int("retry", t.retries), logx.Duration("delay", d.delay), logx.Bool("timeout", out.timedOut), logx.Err(out.err))
		s.pumpLocked()
		return
	}

	err := d.err
	if err == nil {
		err = out.err
	}
	if errors.Is(err, ErrCancelled) {
		s.counters.cancelled.Add(1)
		s.finishLocked(t, nil, err, EventCancelled)
		s.pumpLocked()
		return
	}
	s.counters.failed.Add(1)
	s.finishLocked(t, nil, err, EventFailed)
	s.log.Warn("task.failed", logx.String("id", t.id), logx.Int("attempts", t.attempt), logx.Duration("dur", dur), logx.Err(err))
	s.pumpLocked()
}

// readmit puts a task back at the front of its band once its backoff elapses.
func (s *Scheduler) readmit(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delayed[t.id] != t {
		return
	}
	delete(s.delayed, t.id)
	t.timer = nil
	if !s.running {
		return
	}
	if s.ctx.Err() != nil {
		s.cancelLocked(t)
		return
	}
	s.admitLocked(t, true)
	s.pumpLocked()
}

// finishLocked moves t to its terminal state and resolves its handle. Only
// successes are written to the recent cache.
func (s *Scheduler) finishLocked(t *task, val any, err error, event string) {
	t.state = stateDone
	if t.dedupKey != "" {
		if err == nil {
			s.dedup.complete(t.dedupKey, t.handle, val, time.Now().Add(s.cfg.DeduplicationWindow))
		} else {
			s.dedup.forget(t.dedupKey, t.handle)
		}
	}
	t.handle.resolve(val, err)

	ev := TaskEvent{ID: t.id, Priority: t.priority.String(), DedupKey: t.dedupKey, Attempt: t.attempt}
	if !t.startedAt.IsZero() {
		ev.Duration = time.Since(t.startedAt)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.publish(event, ev)
}
