package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"gams/internal/task/scheduler"
)

// Option configures a registered process.
type Option func(*process) error

func WithDependencies(ids ...string) Option {
	return func(p *process) error {
		p.deps = append(p.deps, ids...)
		return nil
	}
}

func WithInterval(d time.Duration) Option {
	return func(p *process) error {
		if d <= 0 {
			return fmt.Errorf("%w: interval must be > 0", scheduler.ErrInvalidSchedule)
		}
		p.interval = d
		return nil
	}
}

func WithCron(expr string) Option {
	return func(p *process) error {
		sched, err := scheduler.ParseCron(expr)
		if err != nil {
			return err
		}
		p.cronExpr = strings.TrimSpace(expr)
		p.cron = sched
		return nil
	}
}

func WithEventTriggers(names ...string) Option {
	return func(p *process) error {
		p.triggers = append(p.triggers, names...)
		return nil
	}
}

// WithRetries overrides the retry policy. attempts 0 disables retries.
func WithRetries(attempts int, delay time.Duration) Option {
	return func(p *process) error {
		p.retryAttempts = max(attempts, 0)
		p.retryDelay = delay
		p.retrySet = true
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *process) error {
		p.timeout = d
		return nil
	}
}

type process struct {
	id       string
	fn       ProcessFunc
	deps     []string
	interval time.Duration
	cronExpr string
	cron     cron.Schedule
	triggers []string

	retrySet      bool
	retryAttempts int
	retryDelay    time.Duration
	timeout       time.Duration

	lastRun    time.Time
	lastStatus string
	lastErr    string
	lastParams map[string]any
	retryCount int
	restarts   int
	runs       int
	running    bool
}

func (p *process) scheduled() bool { return p.interval > 0 || p.cron != nil }

// due reports whether a scheduled process should run at now.
func (p *process) due(now time.Time) bool {
	switch {
	case !p.scheduled():
		return false
	case p.lastRun.IsZero():
		return true
	case p.interval > 0:
		return now.Sub(p.lastRun) >= p.interval
	default:
		return !p.cron.Next(p.lastRun).After(now)
	}
}

func (p *process) status() ProcessStatus {
	return ProcessStatus{
		ID:            p.id,
		Dependencies:  append([]string(nil), p.deps...),
		Interval:      p.interval,
		Cron:          p.cronExpr,
		EventTriggers: append([]string(nil), p.triggers...),
		LastRun:       p.lastRun,
		LastStatus:    p.lastStatus,
		LastError:     p.lastErr,
		RetryCount:    p.retryCount,
		Restarts:      p.restarts,
		Runs:          p.runs,
		Running:       p.running,
	}
}
