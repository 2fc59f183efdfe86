package scheduler

import (
	"errors"
	"math/rand"
	"time"
)

// retryDecision is the outcome of a failed attempt.
type retryDecision struct {
	retry bool
	delay time.Duration
	err   error // error to surface if the task does not retry
}

// decideRetry applies the retry policy to a failed attempt of t.
func decideRetry(cfg Config, t *task, err error, rng *rand.Rand) retryDecision {
	if t.cancelled {
		return retryDecision{err: ErrCancelled}
	}
	var nr noRetryError
	if errors.As(err, &nr) {
		return retryDecision{err: nr.err}
	}
	if t.retries >= t.maxRetries {
		return retryDecision{err: err}
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d > cfg.MaxRetryDelay {
			d = cfg.MaxRetryDelay
		}
		return retryDecision{retry: true, delay: d}
	}
	return retryDecision{retry: true, delay: backoffDelay(cfg, t.retries+1, rng)}
}

// backoffDelay returns min(MaxRetryDelay, RetryDelay*2^(retry-1) + jitter).
//
// Jitter is uniform in [0, min(RetryJitter, RetryDelay)), so the delay for
// retry n+1 is never shorter than the delay for retry n.
func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	if retry < 1 {
		retry = 1
	}
	base := cfg.RetryDelay
	maxD := cfg.MaxRetryDelay

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= maxD {
			return maxD
		}
	}

	j := cfg.RetryJitter
	if j > base {
		j = base
	}
	if j > 0 && rng != nil {
		d += time.Duration(rng.Int63n(int64(j)))
	}
	if d > maxD {
		d = maxD
	}
	return d
}
