package app

import (
	"context"
	"fmt"
	"time"

	"reqsched/internal/admin"
	"reqsched/internal/config"
	"reqsched/internal/eventbus"
	"reqsched/internal/probe"
	rtsup "reqsched/internal/runtime/supervisor"
	"reqsched/internal/scheduler"
	logx "reqsched/pkg/logx"
)

// StopReason is recorded in the shutdown log.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	sched  *scheduler.Scheduler
	probes *probe.Runner
	admin  *admin.Server
	notify notifier
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.NewService(cfg.Logging.Logx())
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	schedCfg, err := cfg.Scheduler.Resolve()
	if err != nil {
		return nil, err
	}
	probeCfg, err := probe.FromConfig(cfg.Probes)
	if err != nil {
		return nil, err
	}
	adminCfg, err := admin.FromConfig(cfg.Admin)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	sched := scheduler.New(schedCfg, root.With(logx.String("comp", "scheduler")), bus)
	probes := probe.NewRunner(sched, root.With(logx.String("comp", "probe")))
	probes.Apply(probeCfg)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		sched:  sched,
		probes: probes,
		notify: newSystemdNotifier(log),
	}
	a.admin = admin.New(admin.Deps{
		Scheduler: sched,
		Probes:    probes,
		Health:    a.health,
	}, root)
	if err := a.admin.Apply(ctx, adminCfg); err != nil {
		a.admin.Stop(ctx)
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// validate rejects configs the components could not apply.
func validate(_ context.Context, cfg *config.Config) error {
	if _, err := probe.FromConfig(cfg.Probes); err != nil {
		return err
	}
	if _, err := admin.FromConfig(cfg.Admin); err != nil {
		return err
	}
	return nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// AdminAddr is the admin listen address, or "" when disabled.
func (a *App) AdminAddr() string { return a.admin.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() rtsup.Snapshot {
	if a.sup == nil {
		return rtsup.Snapshot{}
	}
	return a.sup.Snapshot()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.sched.Start(runCtx)
	a.probes.Start(runCtx)

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		a.logEvents(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.notify.start(a.sup)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()), logx.String("admin", a.admin.Addr()))
	a.notify.ready()
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("type", e.Type)}
			if te, ok := e.Data.(scheduler.TaskEvent); ok {
				fields = append(fields, logx.String("id", te.ID), logx.String("priority", te.Priority), logx.Int("attempt", te.Attempt))
				if te.Error != "" {
					fields = append(fields, logx.String("error", te.Error))
				}
			}
			// Debug-level: one line per task transition.
			a.log.Debug("event", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.stopping()
	a.sup.Cancel()

	// Admin goes first so no new operator calls arrive; probes before the
	// scheduler so nothing submits into a stopping scheduler.
	a.step(ctx, "admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	a.step(ctx, "probes", 2*time.Second, a.probes.Stop)
	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.Uint64("dropped_events", eventbus.Dropped(a.bus)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline. A step
// that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
