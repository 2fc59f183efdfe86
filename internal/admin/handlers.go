package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reqsched/internal/probe"
	"reqsched/internal/scheduler"
	logx "reqsched/pkg/logx"
)

// configPatch is the PATCH /config body. Durations are Go duration strings.
type configPatch struct {
	MaxConcurrent       *int    `json:"max_concurrent"`
	MaxQueueSize        *int    `json:"max_queue_size"`
	RequestTimeout      *string `json:"request_timeout"`
	RetryDelay          *string `json:"retry_delay"`
	RetryMaxDelay       *string `json:"retry_max_delay"`
	DeduplicationWindow *string `json:"deduplication_window"`
}

func (p configPatch) resolve() (scheduler.ConfigPatch, error) {
	out := scheduler.ConfigPatch{MaxConcurrent: p.MaxConcurrent, MaxQueueSize: p.MaxQueueSize}
	for _, f := range []struct {
		name string
		raw  *string
		dst  **time.Duration
	}{
		{"request_timeout", p.RequestTimeout, &out.RequestTimeout},
		{"retry_delay", p.RetryDelay, &out.RetryDelay},
		{"retry_max_delay", p.RetryMaxDelay, &out.MaxRetryDelay},
		{"deduplication_window", p.DeduplicationWindow, &out.DeduplicationWindow},
	} {
		if f.raw == nil {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(*f.raw))
		if err != nil {
			return scheduler.ConfigPatch{}, errors.New(f.name + ": invalid duration " + *f.raw)
		}
		*f.dst = &d
	}
	return out, nil
}

// effectiveConfig is the GET/PATCH /config response.
type effectiveConfig struct {
	MaxConcurrent       int    `json:"max_concurrent"`
	MaxQueueSize        int    `json:"max_queue_size"`
	RequestTimeout      string `json:"request_timeout"`
	RetryDelay          string `json:"retry_delay"`
	RetryMaxDelay       string `json:"retry_max_delay"`
	RetryJitter         string `json:"retry_jitter"`
	DefaultMaxRetries   int    `json:"default_max_retries"`
	DeduplicationWindow string `json:"deduplication_window"`
	SweepInterval       string `json:"sweep_interval"`
}

func toEffective(c scheduler.Config) effectiveConfig {
	return effectiveConfig{
		MaxConcurrent:       c.MaxConcurrent,
		MaxQueueSize:        c.MaxQueueSize,
		RequestTimeout:      c.RequestTimeout.String(),
		RetryDelay:          c.RetryDelay.String(),
		RetryMaxDelay:       c.MaxRetryDelay.String(),
		RetryJitter:         c.RetryJitter.String(),
		DefaultMaxRetries:   c.DefaultMaxRetries,
		DeduplicationWindow: c.DeduplicationWindow.String(),
		SweepInterval:       c.SweepInterval.String(),
	}
}

// Handler builds the router. /healthz is always open; every other route
// requires "Authorization: Bearer <token>" when token is set.
func (s *Server) Handler(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Get("/stats", s.stats)
		r.Get("/config", s.getConfig)
		r.Patch("/config", s.patchConfig)
		r.Post("/tasks/cancel-all", s.cancelAll)
		r.Post("/tasks/{id}/cancel", s.cancelTask)
		r.Get("/probes", s.listProbes)
		r.Post("/probes/{name}/run", s.runProbe)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Health != nil {
		snap := s.deps.Health()
		body["counters"] = snap.Counters
		body["goroutines"] = snap.Goroutines
		if snap.FirstError != "" {
			body["first_error"] = snap.FirstError
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Stats())
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toEffective(s.deps.Scheduler.Config()))
}

func (s *Server) patchConfig(w http.ResponseWriter, r *http.Request) {
	var body configPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := body.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Scheduler.UpdateConfig(p); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrInvalidConfig) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, toEffective(s.deps.Scheduler.Config()))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": s.deps.Scheduler.Cancel(id)})
}

func (s *Server) cancelAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": s.deps.Scheduler.CancelAll()})
}

func (s *Server) listProbes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Probes == nil {
		writeJSON(w, http.StatusOK, []probe.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Probes.Snapshot())
}

func (s *Server) runProbe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.deps.Probes == nil {
		writeError(w, http.StatusNotFound, probe.ErrUnknownTarget)
		return
	}
	switch err := s.deps.Probes.Fire(name); {
	case errors.Is(err, probe.ErrUnknownTarget):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"probe": name, "submitted": true})
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" {
			return
		}
		s.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
