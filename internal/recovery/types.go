package recovery

import (
	"context"
	"time"
)

// Error types with a built-in strategy.
const (
	TypeGitOperation       = "GitOperationError"
	TypeDatabaseConnection = "DatabaseConnectionError"
	TypeRateLimit          = "RateLimitError"
	TypeProcessCrash       = "ProcessCrashError"
	TypeFileSystem         = "FileSystemError"
	TypeComponentUnhealthy = "ComponentUnhealthy"
	// TypeDefault keys the fallback strategy.
	TypeDefault = "default"
)

// Outcome statuses.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeError   = "error"
)

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusError     = "error"
	StatusUnknown   = "unknown"
)

// EventEscalated is published when a record runs out of attempts.
const EventEscalated = "recovery_escalated"

// Outcome is the result of one recovery attempt.
type Outcome struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Result  map[string]any `json:"result,omitempty"`
}

func success(msg string, result map[string]any) Outcome {
	return Outcome{Status: OutcomeSuccess, Message: msg, Result: result}
}

func partial(msg string) Outcome { return Outcome{Status: OutcomePartial, Message: msg} }

func failure(msg string) Outcome { return Outcome{Status: OutcomeError, Message: msg} }

// ErrorRecord tracks one reported error across recovery attempts.
type ErrorRecord struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Details          map[string]any `json:"details,omitempty"`
	Component        string         `json:"component,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	RecoveryAttempts int            `json:"recovery_attempts"`
	Resolved         bool           `json:"resolved"`
	LastAttempt      time.Time      `json:"last_attempt,omitempty"`
	LastOutcome      *Outcome       `json:"last_outcome,omitempty"`
	Escalated        bool           `json:"escalated,omitempty"`
}

func (r ErrorRecord) clone() ErrorRecord {
	if r.LastOutcome != nil {
		o := *r.LastOutcome
		r.LastOutcome = &o
	}
	return r
}

// Strategy attempts to recover from rec. A returned error is reported as an
// error outcome.
type Strategy func(ctx context.Context, rec ErrorRecord) (Outcome, error)

// HealthStatus is one component's health.
type HealthStatus struct {
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Critical bool           `json:"critical,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) (HealthStatus, error)

// SystemHealth is the aggregate of the last check.
type SystemHealth struct {
	Overall    string                  `json:"overall"`
	Components map[string]HealthStatus `json:"components"`
	LastCheck  time.Time               `json:"last_check"`
}

// GitRepairer performs git operations on a configured repository.
type GitRepairer interface {
	Clone(ctx context.Context, repo string) error
	Pull(ctx context.Context, repo string) error
	Push(ctx context.Context, repo, branch string) error
	CreateBranch(ctx context.Context, repo, branch, from string) error
	Reset(ctx context.Context, repo, branch string) error
}

// ProcessRestarter restarts an orchestrated process.
type ProcessRestarter interface {
	RestartProcess(ctx context.Context, id string) error
}

// UnitRestarter restarts a systemd unit.
type UnitRestarter interface {
	RestartUnit(ctx context.Context, unit string) error
}

// Pinger checks a database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	MaxRecoveryAttempts int
	HealthCheckInterval time.Duration
	GitNetworkWait      time.Duration
	RateLimitWait       time.Duration
	ErrorRetention      time.Duration
	CheckTimeout        time.Duration
	// Units maps process ids to systemd units.
	Units map[string]string
}

func (c Config) withDefaults() Config {
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 300 * time.Second
	}
	if c.GitNetworkWait <= 0 {
		c.GitNetworkWait = 30 * time.Second
	}
	if c.RateLimitWait <= 0 {
		c.RateLimitWait = 60 * time.Second
	}
	if c.ErrorRetention <= 0 {
		c.ErrorRetention = 24 * time.Hour
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 30 * time.Second
	}
	return c
}
