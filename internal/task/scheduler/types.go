package scheduler

import (
	"context"
	"errors"
	"time"

	"gams/internal/task/engine"
)

var (
	ErrTaskExists      = errors.New("task already scheduled")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNilTask         = errors.New("task function is nil")
)

// Kind is the trigger type of a task.
type Kind string

const (
	KindOnce      Kind = "once"
	KindInterval  Kind = "interval"
	KindCron      Kind = "cron"
	KindImmediate Kind = "immediate"
)

// Recurring reports whether tasks of this kind are re-queued after a run.
func (k Kind) Recurring() bool { return k == KindInterval || k == KindCron }

const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// Last run outcomes.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// TaskFunc is the unit of scheduled work. The returned value is kept as the
// task's last result.
type TaskFunc func(ctx context.Context) (any, error)

// Spec describes one scheduled task.
type Spec struct {
	ID       string
	Name     string // defaults to ID
	Kind     Kind
	Interval time.Duration // KindInterval
	Cron     string        // KindCron
	At       time.Time     // KindOnce
	// Priority 1 (highest) .. 10 (lowest); 0 means 5, out of range is clamped.
	Priority int
	Timeout  time.Duration
	// Retries is the number of engine retries after a failed run.
	Retries int
}

// Result is the stored outcome of the last run.
type Result struct {
	Timestamp     time.Time     `json:"timestamp"`
	ExecutionTime time.Duration `json:"execution_time"`
	Value         any           `json:"value,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Status is a point-in-time view of one task.
type Status struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	Schedule   string    `json:"schedule"`
	Priority   int       `json:"priority"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run"`
	LastStatus string    `json:"last_status,omitempty"`
	RunCount   int       `json:"run_count"`
	IsRunning  bool      `json:"is_running"`
	LastResult *Result   `json:"last_result,omitempty"`
}

// Config controls dispatch.
type Config struct {
	MaxConcurrentTasks int
	Tick               time.Duration
	ErrorBackoff       time.Duration
	Timezone           string // IANA TZ for cron schedules
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 10
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	return c
}

// Snapshot is a diagnostics view of the scheduler and its engine.
type Snapshot struct {
	Running            bool            `json:"running"`
	Timezone           string          `json:"timezone"`
	MaxConcurrentTasks int             `json:"max_concurrent_tasks"`
	Tasks              int             `json:"tasks"`
	Queued             int             `json:"queued"`
	Active             int             `json:"active"`
	Engine             engine.Snapshot `json:"engine"`
}
