package scheduler

import (
	"context"
	"fmt"
	"sync"
)

// Handle is the pending result of a submission. It is resolved exactly once.
// Callers coalesced by a dedup key share the same Handle.
type Handle struct {
	id   string
	done chan struct{}
	once sync.Once

	val any
	err error
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// resolvedHandle returns a handle that is already complete.
func resolvedHandle(id string, v any) *Handle {
	h := newHandle(id)
	h.resolve(v, nil)
	return h
}

func (h *Handle) resolve(v any, err error) bool {
	first := false
	h.once.Do(func() {
		h.val, h.err = v, err
		close(h.done)
		first = true
	})
	return first
}

// ID is the id of the task backing this handle. Cache hits carry the id of the
// task that produced the cached value.
func (h *Handle) ID() string { return h.id }

// Done is closed once the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task is terminal or ctx ends.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.done:
		return h.val, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the terminal error, or nil if the task succeeded or is still running.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Await waits on h and asserts the result type.
func Await[T any](ctx context.Context, h *Handle) (T, error) {
	var zero T
	v, err := h.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("scheduler: result is %T, not %T", v, zero)
	}
	return t, nil
}
