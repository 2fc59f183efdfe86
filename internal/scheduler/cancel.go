package scheduler

import logx "reqsched/pkg/logx"

// Cancel cancels the task with the given id and reports whether it was found.
//
// A queued or backing-off task is dropped without running again. An active task
// gets its context cancelled and is released immediately; the scheduler does not
// wait for the operation to return. Cancelled tasks are never retried.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.queue.remove(id)
	if t == nil {
		t = s.delayed[id]
	}
	if t == nil {
		t = s.active[id]
	}
	if t == nil {
		return false
	}
	s.cancelLocked(t)
	s.log.Debug("task cancelled", logx.String("id", id))
	s.pumpLocked()
	return true
}

// CancelAll cancels every queued, delayed and active task and clears pending
// dedup entries. Cached results are kept. It returns how many tasks were
// cancelled.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.cancelAllLocked()
	if n > 0 {
		s.log.Info("all tasks cancelled", logx.Int("count", n))
	}
	return n
}

func (s *Scheduler) cancelAllLocked() int {
	n := 0
	for _, t := range s.queue.drain() {
		s.cancelLocked(t)
		n++
	}
	for _, t := range s.delayed {
		s.cancelLocked(t)
		n++
	}
	for _, t := range s.active {
		s.cancelLocked(t)
		n++
	}
	clear(s.dedup.pending)
	return n
}

// cancelLocked signals t (if running), detaches it from every structure and
// rejects its handle with ErrCancelled. The caller has already removed t from
// the queue when it was queued.
func (s *Scheduler) cancelLocked(t *task) {
	t.cancelled = true
	switch t.state {
	case stateActive:
		delete(s.active, t.id)
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
	case stateDelayed:
		delete(s.delayed, t.id)
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
	}
	s.counters.cancelled.Add(1)
	s.finishLocked(t, nil, ErrCancelled, EventCancelled)
}
