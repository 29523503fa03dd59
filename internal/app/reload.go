package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"gams/internal/config"
	logx "gams/pkg/logx"
)

// reloadLoop applies configs published by the watcher. Every config on the
// channel already passed mapConfig, so a failure here means the file
// changed between validation and apply; the previous settings stay.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}

			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			s, err := mapConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid config; keeping previous", logx.Err(err))
				continue
			}
			lastApplied = newCfg
			a.apply(ctx, s, sections)

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// apply pushes s to every live component.
func (a *App) apply(ctx context.Context, s settings, sections []string) {
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if slices.Contains(sections, "alerts") {
		if a.alerts != nil && s.alertsEnabled {
			a.alerts.Apply(s.notify)
		}
		a.log.Warn("alerts config changed; token, chat and enable changes need a restart")
	}

	a.mu.Lock()
	prev := a.applied
	a.applied.log = s.log
	a.applied.engine = s.engine
	a.applied.scheduler = s.scheduler
	a.applied.resultRetention = s.resultRetention
	a.applied.events = s.events
	a.applied.recovery = s.recovery
	a.applied.orchestrator = s.orchestrator
	a.applied.website = s.website
	a.applied.cycle = s.cycle
	a.applied.initialPhase = s.initialPhase
	a.applied.metrics = s.metrics
	a.applied.limits = s.limits
	a.applied.rl = s.rl
	a.applied.experiments = s.experiments
	a.applied.optimizer = s.optimizer
	a.applied.optimizerEnabled = s.optimizerEnabled
	a.applied.ops = s.ops
	a.mu.Unlock()

	a.logs.Apply(s.log)
	a.engine.Apply(ctx, s.engine)
	a.sched.Apply(s.scheduler)
	a.events.Apply(s.events)
	a.metrics.Apply(s.metrics)
	a.limiter.Apply(s.limits)
	a.recovery.Apply(s.recovery)
	a.orch.Apply(s.orchestrator)
	if a.website != nil {
		a.website.Apply(s.website)
	} else if len(s.website.Repositories) > 0 {
		a.log.Warn("website repositories added; restart required to start website processes")
	}
	if err := a.cycle.Apply(s.cycle); err != nil {
		a.log.Warn("cycle config not applied", logx.Err(err))
	} else if slices.Contains(sections, "cycle") {
		for name := range prev.cycle.FeedbackLoops {
			a.sched.Cancel(feedbackTaskID(name))
		}
		if err := a.scheduleHousekeeping(); err != nil {
			a.log.Warn("feedback loop schedule incomplete", logx.Err(err))
		}
	}

	a.rl.Apply(s.rl)
	a.exps.Apply(s.experiments)
	a.opt.Apply(s.optimizer)
	switch {
	case prev.optimizerEnabled && !s.optimizerEnabled:
		a.log.Info("revenue optimizer disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.opt.Stop(stopCtx); err != nil {
			a.log.Warn("revenue optimizer stop", logx.Err(err))
		}
		cancel()
	case !prev.optimizerEnabled && s.optimizerEnabled:
		a.log.Info("revenue optimizer enabled via config")
		a.opt.Start(ctx)
	}

	a.ops.Reconfigure(ctx, s.ops)
}
