package orchestrator

import (
	"context"
	"errors"
	"time"

	"gams/internal/website"
)

var (
	ErrProcessExists    = errors.New("process already registered")
	ErrUnknownProcess   = errors.New("process not registered")
	ErrNilProcess       = errors.New("process function is nil")
	ErrAlreadyRunning   = errors.New("process already running")
	ErrDependencyFailed = errors.New("failed or not executed")
	ErrRestartLimit     = errors.New("process restart limit reached")
	ErrStopped          = errors.New("orchestrator stopped")
	ErrNoWebsite        = errors.New("website updater not configured")
	ErrMissingEventData = errors.New("missing required event data")
)

const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
)

// Subscriber ids on the event manager.
const (
	subscriberID        = "process_orchestrator"
	triggerSubscriberID = "process_orchestrator.triggers"
)

// Events published by the orchestrator.
const (
	EventProcessCompleted       = "process_completed"
	EventProcessFailed          = "process_failed"
	EventWebsiteUpdateScheduled = "website_update_scheduled"
	EventWebsiteUpdateCompleted = "website_update_completed"
	EventTrafficAnalysisDone    = "traffic_spike_analysis_complete"
	EventContentPerformance     = "content_performance_change"
	EventAnalyticsUpdate        = "analytics_update"
	EventTrafficSpike           = "traffic_spike"
	EventSystemError            = "system_error"
)

// ProcessFunc is the body of a process.
type ProcessFunc func(ctx context.Context, params map[string]any) (any, error)

// WebsiteUpdater is the git side of website updates.
type WebsiteUpdater interface {
	Update(ctx context.Context, repo string) (website.UpdateResult, error)
	Repositories() []string
	Repository(name string) (website.Repository, bool)
	Ping(ctx context.Context) error
}

type Config struct {
	MaxConcurrentProcesses int           // default 5
	ProcessTimeout         time.Duration // default 1h
	RetryAttempts          int           // default 3; negative disables
	RetryDelay             time.Duration // default 60s
	MaxRestarts            int           // default 3
	ScheduleTick           time.Duration // default 60s
	DependencyPoll         time.Duration // default 1s
	WebsiteUpdateInterval  time.Duration // default 24h
	// ContentRepoMapping maps content ids to website repositories.
	ContentRepoMapping map[string]string
	// RateLimitCategory guards website updates; empty disables limiting.
	RateLimitCategory string
	HistoryLimit      int // website update records kept, default 100
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentProcesses <= 0 {
		c.MaxConcurrentProcesses = 5
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = time.Hour
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 60 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	if c.ScheduleTick <= 0 {
		c.ScheduleTick = 60 * time.Second
	}
	if c.DependencyPoll <= 0 {
		c.DependencyPoll = time.Second
	}
	if c.WebsiteUpdateInterval <= 0 {
		c.WebsiteUpdateInterval = 24 * time.Hour
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	return c
}

// ExecResult is the outcome of one Execute call.
type ExecResult struct {
	ProcessID string        `json:"process_id"`
	Status    string        `json:"status"`
	Result    any           `json:"result,omitempty"`
	Message   string        `json:"message,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Retrying  bool          `json:"retrying,omitempty"`
}

// TriggerResult pairs a triggered process with its outcome.
type TriggerResult struct {
	ProcessID string     `json:"process_id"`
	Result    ExecResult `json:"result"`
}

// ProcessStatus is the public view of a registered process.
type ProcessStatus struct {
	ID            string        `json:"id"`
	Dependencies  []string      `json:"dependencies,omitempty"`
	Interval      time.Duration `json:"interval,omitempty"`
	Cron          string        `json:"cron,omitempty"`
	EventTriggers []string      `json:"event_triggers,omitempty"`
	LastRun       time.Time     `json:"last_run"`
	LastStatus    string        `json:"last_status,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	RetryCount    int           `json:"retry_count"`
	Restarts      int           `json:"restarts"`
	Runs          int           `json:"runs"`
	Running       bool          `json:"running"`
}

// HistoryEntry is the last result recorded under a history key.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Result    any       `json:"result,omitempty"`
}

// WebsiteUpdate is a scheduled website update.
type WebsiteUpdate struct {
	ID            string    `json:"id"`
	Repository    string    `json:"repository,omitempty"`
	TaskID        string    `json:"task_id"`
	ScheduleKind  string    `json:"schedule_type"`
	ScheduleValue string    `json:"schedule_value,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	Error         string    `json:"error,omitempty"`
}

// Status is the orchestrator snapshot.
type Status struct {
	Running          bool                     `json:"running"`
	Processes        map[string]ProcessStatus `json:"processes"`
	RunningProcesses []string                 `json:"running_processes"`
	History          map[string]HistoryEntry  `json:"history"`
	WebsiteUpdates   []WebsiteUpdate          `json:"website_updates,omitempty"`
}
