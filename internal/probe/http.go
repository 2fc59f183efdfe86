package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reqsched/internal/scheduler"
)

const (
	// maxBodyBytes caps how much of a response body is read (and counted).
	maxBodyBytes = 1 << 20
	// maxRetryAfter caps server-suggested delays.
	maxRetryAfter = 24 * time.Hour
)

// Result is the value a successful probe resolves with.
type Result struct {
	Status  int
	Bytes   int
	Latency time.Duration
}

// StatusError reports a non-2xx/3xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// httpGet returns an operation that fetches url.
//
// 5xx and 429 responses are retryable, honouring Retry-After when present.
// Other 4xx responses are permanent. Transport errors are retryable.
func httpGet(client *http.Client, url string) scheduler.Operation {
	return func(ctx context.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, scheduler.NoRetry(err)
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

		code := resp.StatusCode
		switch {
		case code >= 500 || code == http.StatusTooManyRequests:
			serr := &StatusError{URL: url, Code: code}
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				return nil, scheduler.RetryAfter(serr, d)
			}
			return nil, serr
		case code >= 400:
			return nil, scheduler.NoRetry(&StatusError{URL: url, Code: code})
		}
		return Result{Status: code, Bytes: int(n), Latency: time.Since(start)}, nil
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date. The result is capped
// at maxRetryAfter.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		if secs > int(maxRetryAfter/time.Second) {
			return maxRetryAfter, true
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	return min(max(t.Sub(now), 0), maxRetryAfter), true
}
