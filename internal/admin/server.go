package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"reqsched/internal/config"
	"reqsched/internal/probe"
	rtsup "reqsched/internal/runtime/supervisor"
	"reqsched/internal/scheduler"
	logx "reqsched/pkg/logx"
)

const (
	DefaultAddr         = "127.0.0.1:8090"
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Config is the resolved admin section.
type Config struct {
	Enabled      bool
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func FromConfig(c config.AdminConfig) (Config, error) {
	out := Config{Enabled: c.Enabled, Addr: strings.TrimSpace(c.Addr), Token: strings.TrimSpace(c.Token)}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("admin.read_timeout", c.ReadTimeout); err != nil {
		return Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("admin.write_timeout", c.WriteTimeout); err != nil {
		return Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("admin.idle_timeout", c.IdleTimeout); err != nil {
		return Config{}, err
	}
	return out.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	return c
}

// Scheduler is the scheduler surface exposed over HTTP.
type Scheduler interface {
	Stats() scheduler.Stats
	Config() scheduler.Config
	Cancel(id string) bool
	CancelAll() int
	UpdateConfig(p scheduler.ConfigPatch) error
}

// Probes is the optional probe surface.
type Probes interface {
	Snapshot() []probe.Status
	Fire(name string) error
}

// Deps are the collaborators the handlers call. Probes and Health may be nil.
type Deps struct {
	Scheduler Scheduler
	Probes    Probes
	Health    func() rtsup.Snapshot
}

// Server manages the lifecycle of the admin HTTP listener.
type Server struct {
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(deps Deps, log logx.Logger) *Server {
	return &Server{deps: deps, log: log.With(logx.String("comp", "admin"))}
}

// Apply starts, restarts or stops the listener so it matches cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	if s.srv != nil && s.cfg == cfg {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) error {
	if cfg.Token == "" && !isLoopback(cfg.Addr) {
		s.log.Warn("admin API bound to a non-loopback address without a token", logx.String("addr", cfg.Addr))
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("admin listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(cfg.Token),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.cfg = cfg
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("admin API enabled", logx.String("addr", addr), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""
	s.cfg = Config{}

	if ctx == nil {
		ctx = context.Background()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("admin shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("admin API disabled", logx.String("addr", addr))
}

// Addr reports the actual listen address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
