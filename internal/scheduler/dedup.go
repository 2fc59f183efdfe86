package scheduler

import "time"

type cachedResult struct {
	taskID  string
	val     any
	expires time.Time
}

// dedupIndex maps a dedup key to either an in-flight handle or a recent success.
// A key is never present in both maps. Guarded by Scheduler.mu.
type dedupIndex struct {
	pending map[string]*Handle
	recent  map[string]cachedResult
}

func newDedupIndex() dedupIndex {
	return dedupIndex{
		pending: map[string]*Handle{},
		recent:  map[string]cachedResult{},
	}
}

// lookup returns a cached handle for key if one exists, and whether it came
// from the recent cache.
func (d *dedupIndex) lookup(key string, now time.Time) (h *Handle, cached bool) {
	if c, ok := d.recent[key]; ok {
		if now.Before(c.expires) {
			return resolvedHandle(c.taskID, c.val), true
		}
		delete(d.recent, key)
	}
	if h := d.pending[key]; h != nil {
		return h, false
	}
	return nil, false
}

func (d *dedupIndex) register(key string, h *Handle) {
	delete(d.recent, key)
	d.pending[key] = h
}

// complete moves key from pending to recent.
func (d *dedupIndex) complete(key string, h *Handle, v any, expires time.Time) {
	if d.pending[key] == h {
		delete(d.pending, key)
	}
	d.recent[key] = cachedResult{taskID: h.ID(), val: v, expires: expires}
}

// forget drops key from pending without caching anything.
func (d *dedupIndex) forget(key string, h *Handle) {
	if d.pending[key] == h {
		delete(d.pending, key)
	}
}

// sweep removes expired recent entries and returns how many were dropped.
func (d *dedupIndex) sweep(now time.Time) int {
	n := 0
	for k, c := range d.recent {
		if !now.Before(c.expires) {
			delete(d.recent, k)
			n++
		}
	}
	return n
}
