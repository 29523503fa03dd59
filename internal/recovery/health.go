package recovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	rtsup "gams/internal/runtime/supervisor"
	logx "gams/pkg/logx"

	"golang.org/x/sync/errgroup"
)

const maxParallelChecks = 8

type check struct {
	name    string
	fn      HealthCheck
	restart func(ctx context.Context) error
}

type CheckOption func(*check)

// WithRestart attaches a restart hook used when the component is unhealthy.
func WithRestart(fn func(ctx context.Context) error) CheckOption {
	return func(c *check) { c.restart = fn }
}

// RegisterHealthCheck adds or replaces the check for component.
func (m *Manager) RegisterHealthCheck(component string, fn HealthCheck, opts ...CheckOption) {
	c := &check{name: component, fn: fn}
	for _, o := range opts {
		o(c)
	}
	m.mu.Lock()
	replaced := false
	for i, old := range m.checks {
		if old.name == component {
			m.checks[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		m.checks = append(m.checks, c)
	}
	m.mu.Unlock()
	if replaced {
		m.log.Warn("overwriting health check", logx.String("component", component))
	} else {
		m.log.Debug("health check registered", logx.String("component", component))
	}
}

func (m *Manager) restartHook(component string) func(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.checks {
		if c.name == component {
			return c.restart
		}
	}
	return nil
}

func severity(st HealthStatus) string {
	switch {
	case st.Status == StatusHealthy:
		return StatusHealthy
	case st.Critical && st.Status != StatusError:
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}

func rank(s string) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	}
	return 0
}

// CheckSystemHealth runs every registered check and stores the aggregate.
// Checks run concurrently, each bounded by the check timeout.
func (m *Manager) CheckSystemHealth(ctx context.Context) SystemHealth {
	m.mu.Lock()
	checks := append([]*check(nil), m.checks...)
	timeout := m.cfg.CheckTimeout
	m.mu.Unlock()

	results := make([]HealthStatus, len(checks))
	var g errgroup.Group
	g.SetLimit(maxParallelChecks)
	for i, c := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[i] = m.runCheck(cctx, c)
			return nil
		})
	}
	_ = g.Wait()

	h := SystemHealth{Overall: StatusHealthy, Components: make(map[string]HealthStatus, len(checks)), LastCheck: m.now()}
	for i, c := range checks {
		st := results[i]
		h.Components[c.name] = st
		if sev := severity(st); rank(sev) > rank(h.Overall) {
			h.Overall = sev
		}
	}

	m.mu.Lock()
	m.health = h
	m.mu.Unlock()
	m.log.Info("system health check complete", logx.String("overall", h.Overall), logx.Int("components", len(checks)))
	return h
}

func (m *Manager) runCheck(ctx context.Context, c *check) (st HealthStatus) {
	defer func() {
		if r := recover(); r != nil {
			st = HealthStatus{Status: StatusError, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	st, err := c.fn(ctx)
	if err != nil {
		m.log.Error("health check failed", logx.String("component", c.name), logx.Err(err))
		return HealthStatus{Status: StatusError, Message: err.Error()}
	}
	if st.Status == "" {
		st.Status = StatusUnknown
	}
	return st
}

// HealthStatus returns the result of the last check.
func (m *Manager) HealthStatus() SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health
	h.Components = make(map[string]HealthStatus, len(m.health.Components))
	for k, v := range m.health.Components {
		h.Components[k] = v
	}
	return h
}

// StartMonitoring checks health every interval (the configured interval
// when <= 0) until StopMonitoring or ctx is done.
func (m *Manager) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.Config().HealthCheckInterval
	}
	m.monMu.Lock()
	defer m.monMu.Unlock()
	if m.monSup != nil {
		m.log.Warn("health monitoring already running")
		return
	}
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(m.log))
	m.monSup, m.monCtx = sup, ctx
	sup.GoEvery("recovery.health", interval, m.monitorOnce)
	m.log.Info("health monitoring started", logx.Duration("interval", interval))
}

// StopMonitoring stops the monitoring loop and waits for it.
func (m *Manager) StopMonitoring(ctx context.Context) {
	m.monMu.Lock()
	sup := m.monSup
	m.monSup = nil
	m.monMu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		m.log.Warn("health monitoring stop timed out", logx.Err(err))
	}
	m.log.Info("health monitoring stopped")
}

// Monitoring reports whether the monitoring loop runs.
func (m *Manager) Monitoring() bool {
	m.monMu.Lock()
	defer m.monMu.Unlock()
	return m.monSup != nil
}

func (m *Manager) monitorOnce(ctx context.Context) error {
	h := m.CheckSystemHealth(ctx)
	if h.Overall != StatusHealthy {
		names := make([]string, 0, len(h.Components))
		for name, st := range h.Components {
			if st.Status != StatusHealthy {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			m.recoverUnhealthy(ctx, name, h.Components[name])
		}
	}
	m.retryUnresolved(ctx)
	return nil
}

// recoverUnhealthy retries the component's open record, or opens a new one.
func (m *Manager) recoverUnhealthy(ctx context.Context, component string, st HealthStatus) Outcome {
	m.mu.Lock()
	id := m.openComponentRecordLocked(component)
	if id == "" {
		now := m.now()
		id = m.newIDLocked(fmt.Sprintf("%d_%s_unhealthy", now.Unix(), component))
		m.records[id] = &ErrorRecord{
			ID:   id,
			Type: TypeComponentUnhealthy,
			Details: map[string]any{
				"component": component,
				"status":    st.Status,
				"message":   st.Message,
			},
			Component: component,
			Timestamp: now,
		}
	}
	m.mu.Unlock()
	m.log.Info("attempting to recover unhealthy component", logx.String("component", component), logx.String("status", st.Status))
	return m.Recover(ctx, id)
}
