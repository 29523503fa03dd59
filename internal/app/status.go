package app

import (
	"context"
	"fmt"
	"time"

	"gams/internal/cycle"
	"gams/internal/eventbus"
	"gams/internal/metrics"
	"gams/internal/notify"
	"gams/internal/orchestrator"
	"gams/internal/ratelimit"
	"gams/internal/recovery"
	"gams/internal/revenue/optimizer"
	rtsup "gams/internal/runtime/supervisor"
	"gams/internal/task/engine"
	"gams/internal/task/scheduler"
)

// Status is the operator view served on /status and by `gams health`.
type Status struct {
	StartedAt    time.Time                          `json:"started_at,omitzero"`
	Uptime       time.Duration                      `json:"uptime"`
	Health       recovery.SystemHealth              `json:"health"`
	Orchestrator orchestrator.Status                `json:"orchestrator"`
	Scheduler    scheduler.Snapshot                 `json:"scheduler"`
	TaskEngine   engine.Snapshot                    `json:"task_engine"`
	Cycle        cycle.Status                       `json:"cycle"`
	Optimizer    optimizer.Status                   `json:"optimizer"`
	RateLimits   map[string]ratelimit.CategoryStats `json:"rate_limits"`
	Metrics      metrics.Snapshot                   `json:"metrics"`
	EventNames   []string                           `json:"event_names"`
	Subscribers  int                                `json:"subscribers"`
	Bus          eventbus.Stats                     `json:"bus"`
	Supervisor   *rtsup.SupervisorSnapshot          `json:"supervisor,omitempty"`
	Alerts       *notify.Stats                      `json:"alerts,omitempty"`
	LogAlerts    alertCounts                        `json:"log_alerts"`
}

// alertCounts are the log alert sink counters.
type alertCounts struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// registerHealthChecks adds the checks owned by the app itself. The
// orchestrator registers the scheduler, event, git and storage checks.
func (a *App) registerHealthChecks() {
	a.recovery.RegisterHealthCheck("task_engine", func(context.Context) (recovery.HealthStatus, error) {
		snap := a.engine.Snapshot()
		st := recovery.HealthStatus{
			Status:   recovery.StatusHealthy,
			Message:  fmt.Sprintf("%d/%d queued, %d in flight", snap.QueueLen, snap.QueueCap, snap.InFlight),
			Critical: true,
			Details:  map[string]any{"failed": snap.Failed, "dropped": snap.Dropped},
		}
		switch {
		case !snap.Running:
			st.Status = recovery.StatusUnhealthy
			st.Message = "task engine not running"
		case snap.QueueCap > 0 && snap.QueueLen >= snap.QueueCap:
			st.Status = recovery.StatusDegraded
			st.Message = "task queue full"
		}
		return st, nil
	})

	a.recovery.RegisterHealthCheck("revenue_optimizer", func(context.Context) (recovery.HealthStatus, error) {
		a.mu.Lock()
		enabled := a.applied.optimizerEnabled
		a.mu.Unlock()
		if !enabled {
			return recovery.HealthStatus{Status: recovery.StatusHealthy, Message: "disabled"}, nil
		}
		if a.opt.Finished() {
			return recovery.HealthStatus{Status: recovery.StatusHealthy, Message: "finished after max iterations"}, nil
		}
		if !a.opt.Running() {
			return recovery.HealthStatus{Status: recovery.StatusUnhealthy, Message: "optimization loop stopped"}, nil
		}
		return recovery.HealthStatus{Status: recovery.StatusHealthy, Message: "running"}, nil
	}, recovery.WithRestart(func(context.Context) error {
		if a.sup == nil {
			return errNotStarted
		}
		a.opt.Start(a.sup.Context())
		return nil
	}))

	a.recovery.RegisterHealthCheck("improvement_cycle", func(context.Context) (recovery.HealthStatus, error) {
		if !a.cycle.Started() {
			return recovery.HealthStatus{Status: recovery.StatusUnknown, Message: "cycle not started"}, nil
		}
		return recovery.HealthStatus{
			Status:  recovery.StatusHealthy,
			Message: "phase " + a.cycle.CurrentPhase(),
		}, nil
	})
}

// Health runs every health check now.
func (a *App) Health(ctx context.Context) recovery.SystemHealth {
	return a.recovery.CheckSystemHealth(ctx)
}

func (a *App) healthReport(ctx context.Context) (bool, any) {
	h := a.Health(ctx)
	return h.Overall == recovery.StatusHealthy, h
}

func (a *App) Status() Status {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()

	st := Status{
		StartedAt:    started,
		Health:       a.recovery.HealthStatus(),
		Orchestrator: a.orch.Status(),
		Scheduler:    a.sched.Snapshot(),
		TaskEngine:   a.engine.Snapshot(),
		Cycle:        a.cycle.Status(),
		Optimizer:    a.opt.Status(),
		RateLimits:   a.limiter.Snapshot(),
		Metrics:      a.metrics.Snapshot(),
		EventNames:   a.events.EventNames(),
		Subscribers:  a.events.TotalSubscribers(),
		Bus:          a.bus.Stats(),
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Truncate(time.Second)
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	if a.alerts != nil {
		as := a.alerts.Stats()
		st.Alerts = &as
	}
	st.LogAlerts.Sent, st.LogAlerts.Dropped = a.logs.AlertStats()
	return st
}
