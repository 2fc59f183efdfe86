package scheduler

import (
	"context"
	"time"
)

type taskState int

const (
	stateQueued taskState = iota
	stateActive
	stateDelayed
	stateDone
)

// task is the scheduler's record of one submission. All fields after op are
// guarded by Scheduler.mu.
type task struct {
	id       string
	op       Operation
	priority Priority
	dedupKey string // empty when the task is not in the dedup index
	handle   *Handle

	maxRetries  int
	retries     int
	attempt     int // bumped per start; stale completions compare against it
	submittedAt time.Time
	enqueuedAt  time.Time
	startedAt   time.Time

	state     taskState
	cancelled bool
	cancel    context.CancelFunc
	timer     *time.Timer
}

// admissionQueue holds tasks waiting for a slot, one FIFO band per priority.
// Bands are served high → normal → low.
type admissionQueue struct {
	bands [3][]*task
}

func (q *admissionQueue) len() int {
	return len(q.bands[0]) + len(q.bands[1]) + len(q.bands[2])
}

// push appends t to its band, or prepends it when front is set (retries).
func (q *admissionQueue) push(t *task, front bool) {
	b := t.priority.band()
	if front {
		q.bands[b] = append([]*task{t}, q.bands[b]...)
		return
	}
	q.bands[b] = append(q.bands[b], t)
}

// pop removes the next task in priority order.
func (q *admissionQueue) pop() *task {
	for b := range q.bands {
		if len(q.bands[b]) == 0 {
			continue
		}
		t := q.bands[b][0]
		q.bands[b][0] = nil
		q.bands[b] = q.bands[b][1:]
		return t
	}
	return nil
}

// evictLow removes the oldest low-priority task, or returns nil if there is none.
func (q *admissionQueue) evictLow() *task {
	low := q.bands[PriorityLow.band()]
	if len(low) == 0 {
		return nil
	}
	t := low[0]
	low[0] = nil
	q.bands[PriorityLow.band()] = low[1:]
	return t
}

func (q *admissionQueue) remove(id string) *task {
	for b, band := range q.bands {
		for i, t := range band {
			if t.id != id {
				continue
			}
			q.bands[b] = append(band[:i:i], band[i+1:]...)
			return t
		}
	}
	return nil
}

// drain empties the queue and returns its tasks in priority order.
func (q *admissionQueue) drain() []*task {
	out := make([]*task, 0, q.len())
	for b := range q.bands {
		out = append(out, q.bands[b]...)
		q.bands[b] = nil
	}
	return out
}
