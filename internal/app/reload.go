package app

import (
	"context"
	"strings"

	"reqsched/internal/admin"
	"reqsched/internal/config"
	"reqsched/internal/probe"
	logx "reqsched/pkg/logx"
)

// reloadLoop applies configs published by the manager until ctx ends.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes newCfg into every component. A section that fails to apply
// keeps its previous settings; the others still update.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(newCfg.Logging.Logx())

	if patch, err := newCfg.Scheduler.Patch(); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.UpdateConfig(patch); err != nil {
		a.log.Warn("scheduler rejected config; keeping previous", logx.Err(err))
	}

	if pc, err := probe.FromConfig(newCfg.Probes); err != nil {
		a.log.Warn("invalid probes config; keeping previous", logx.Err(err))
	} else {
		a.probes.Apply(pc)
	}

	if ac, err := admin.FromConfig(newCfg.Admin); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else if err := a.admin.Apply(ctx, ac); err != nil {
		a.log.Warn("admin apply failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
