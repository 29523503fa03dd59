package config

// Config is the root of the GAMS configuration file.
//
// All durations are Go duration strings ("500ms", "30s", "24h"). Zero or
// omitted values fall back to the defaults documented on each section.
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Alerts  *AlertsConfig  `json:"alerts,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Ops     OpsConfig      `json:"ops,omitempty"`

	TaskEngine   *TaskEngineConfig  `json:"task_engine,omitempty"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Events       EventsConfig       `json:"events"`
	Recovery     RecoveryConfig     `json:"recovery"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Website      WebsiteConfig      `json:"website"`
	Cycle        *CycleConfig       `json:"cycle,omitempty"`
	Metrics      MetricsConfig      `json:"metrics,omitempty"`

	// RateLimits is keyed by category (content, pricing, advertising, seo,
	// affiliate, website, ...).
	RateLimits map[string]RateLimitConfig `json:"rate_limits,omitempty"`

	Revenue RevenueConfig `json:"revenue"`
}

type LoggingConfig struct {
	Level   string           `json:"level"`
	Console bool             `json:"console"`
	File    LoggingFile      `json:"file"`
	Alerts  LoggingAlertSink `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlertSink forwards log records at or above MinLevel to the
// operator channel configured under alerts.
type LoggingAlertSink struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AlertsConfig configures the Telegram operator channel.
//
// Token may be left empty and provided through GAMS_TELEGRAM_TOKEN.
type AlertsConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"` // default 10s

	// Delivery pipeline.
	QueueSize   int    `json:"queue_size,omitempty"`   // default 256
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // default 1
	RetryMax    int    `json:"retry_max,omitempty"`    // default 0
	DedupWindow string `json:"dedup_window,omitempty"` // default 10m, "0s" disables
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	storage: { driver: sqlite, path: ./gams.db }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite, default 1s
}

// OpsConfig controls the diagnostics HTTP server (health, status, pprof).
//
// Prefer binding to localhost. Non-loopback addresses require a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TaskEngineConfig controls the worker pool that executes scheduled tasks.
//
// Defaults:
//   - workers: scheduler.max_concurrent_tasks
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// SchedulerConfig controls task dispatch.
//
// Defaults: max_concurrent_tasks 10, tick 1s, error_backoff 5s,
// result_retention 24h.
type SchedulerConfig struct {
	MaxConcurrentTasks int    `json:"max_concurrent_tasks,omitempty"`
	Tick               string `json:"tick,omitempty"`
	ErrorBackoff       string `json:"error_backoff,omitempty"`
	ResultRetention    string `json:"result_retention,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
}

// EventsConfig controls the Event Manager. history_limit defaults to 100.
type EventsConfig struct {
	HistoryLimit int  `json:"history_limit,omitempty"`
	Persist      bool `json:"persist,omitempty"`
}

// RecoveryConfig controls health monitoring and recovery.
//
// Defaults: max_recovery_attempts 3, health_check_interval 300s,
// git_network_wait 30s, rate_limit_wait 60s, error_retention 24h.
type RecoveryConfig struct {
	MaxRecoveryAttempts int    `json:"max_recovery_attempts,omitempty"`
	HealthCheckInterval string `json:"health_check_interval,omitempty"`
	GitNetworkWait      string `json:"git_network_wait,omitempty"`
	RateLimitWait       string `json:"rate_limit_wait,omitempty"`
	ErrorRetention      string `json:"error_retention,omitempty"`

	// Units maps process ids to systemd units restarted on ProcessCrashError.
	Units map[string]string `json:"units,omitempty"`
}

// OrchestratorConfig controls the Process Orchestrator.
//
// Defaults: max_concurrent_processes 5, process_timeout 3600s,
// retry_attempts 3, retry_delay 60s, schedule_tick 60s.
type OrchestratorConfig struct {
	MaxConcurrentProcesses int    `json:"max_concurrent_processes,omitempty"`
	ProcessTimeout         string `json:"process_timeout,omitempty"`
	RetryAttempts          int    `json:"retry_attempts,omitempty"`
	RetryDelay             string `json:"retry_delay,omitempty"`
	ScheduleTick           string `json:"schedule_tick,omitempty"`

	// ContentRepoMapping maps content ids to website repositories.
	ContentRepoMapping map[string]string `json:"content_repo_mapping,omitempty"`
}

// WebsiteConfig lists the git repositories kept up to date.
type WebsiteConfig struct {
	GitBinary     string             `json:"git_binary,omitempty"` // default "git"
	CommitMessage string             `json:"commit_message,omitempty"`
	Repositories  []RepositoryConfig `json:"repositories,omitempty"`
	// UpdateInterval of the "all repositories" process. Default 24h.
	UpdateInterval string `json:"update_interval,omitempty"`
}

type RepositoryConfig struct {
	Name           string `json:"name"`
	Path           string `json:"path"`
	URL            string `json:"url,omitempty"`
	Branch         string `json:"branch,omitempty"` // default main
	Remote         string `json:"remote,omitempty"` // default origin
	UpdateInterval string `json:"update_interval,omitempty"`
}

// CycleConfig configures the continuous improvement cycle. Omitted phases
// fall back to the six built-in phases.
type CycleConfig struct {
	AutoAdvance            bool                                  `json:"auto_advance,omitempty"`
	InitialPhase           string                                `json:"initial_phase,omitempty"`
	Phases                 []PhaseConfig                         `json:"phases,omitempty"`
	FeedbackLoops          map[string]FeedbackLoopConfig         `json:"feedback_loops,omitempty"`
	AccelerationStrategies map[string]AccelerationStrategyConfig `json:"acceleration_strategies,omitempty"`
}

type PhaseConfig struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Duration    string         `json:"duration,omitempty"`
	Tasks       []string       `json:"tasks"`
	Metrics     map[string]any `json:"metrics,omitempty"`
}

type FeedbackLoopConfig struct {
	Interval string   `json:"interval"`
	Metrics  []string `json:"metrics"`
}

type AccelerationStrategyConfig struct {
	Description string `json:"description,omitempty"`
	// Phases maps phase name to the parameter overrides applied to it.
	Phases map[string]map[string]any `json:"phases,omitempty"`
}

// MetricsConfig bounds in-memory series. max_points defaults to 1000.
type MetricsConfig struct {
	MaxPoints int `json:"max_points,omitempty"`
}

// RateLimitConfig defaults: max_per_minute 60, max_concurrent 10.
type RateLimitConfig struct {
	MaxPerMinute  int `json:"max_per_minute,omitempty"`
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

type RevenueConfig struct {
	RL          RLConfig          `json:"rl"`
	Experiments ExperimentsConfig `json:"experiments"`
	Optimizer   OptimizerConfig   `json:"optimizer"`
}

// RLConfig defaults: learning_rate 0.01, discount_factor 0.95,
// exploration epsilon_greedy 0.3/0.05/0.001, max_budget 10000,
// reward weights 0.6/0.3/0.1.
type RLConfig struct {
	LearningRate   float64            `json:"learning_rate,omitempty"`
	DiscountFactor float64            `json:"discount_factor,omitempty"`
	Exploration    ExplorationConfig  `json:"exploration,omitempty"`
	MaxBudget      float64            `json:"max_budget,omitempty"`
	RewardWeights  RewardWeights      `json:"reward_weights,omitempty"`
	Penalties      map[string]float64 `json:"penalties,omitempty"`
	Seed           int64              `json:"seed,omitempty"`
}

type ExplorationConfig struct {
	Strategy       string  `json:"strategy,omitempty"` // epsilon_greedy | ucb | thompson
	InitialEpsilon float64 `json:"initial_epsilon,omitempty"`
	MinEpsilon     float64 `json:"min_epsilon,omitempty"`
	Decay          float64 `json:"decay,omitempty"`
}

type RewardWeights struct {
	Revenue float64 `json:"revenue,omitempty"`
	Profit  float64 `json:"profit,omitempty"`
	Growth  float64 `json:"growth,omitempty"`
}

// ExperimentsConfig defaults: durations 24h/168h/72h, significance 0.05,
// min_sample_size 100, max_concurrent 5, primary metric revenue.
type ExperimentsConfig struct {
	MinDuration       string   `json:"min_duration,omitempty"`
	MaxDuration       string   `json:"max_duration,omitempty"`
	DefaultDuration   string   `json:"default_duration,omitempty"`
	SignificanceLevel float64  `json:"significance_level,omitempty"`
	MinSampleSize     int      `json:"min_sample_size,omitempty"`
	MaxConcurrent     int      `json:"max_concurrent,omitempty"`
	PrimaryMetric     string   `json:"primary_metric,omitempty"`
	SecondaryMetrics  []string `json:"secondary_metrics,omitempty"`
}

// OptimizerConfig defaults: optimization_interval 1h, state_update_interval
// 15m, experiment_check_interval 30m, model_save_interval 24h,
// max_iterations 1000.
type OptimizerConfig struct {
	Enabled                 bool   `json:"enabled"`
	OptimizationInterval    string `json:"optimization_interval,omitempty"`
	StateUpdateInterval     string `json:"state_update_interval,omitempty"`
	ExperimentCheckInterval string `json:"experiment_check_interval,omitempty"`
	ModelSaveInterval       string `json:"model_save_interval,omitempty"`
	MaxIterations           int    `json:"max_iterations,omitempty"`
	ModelPath               string `json:"model_path,omitempty"`
	ExperimentsPath         string `json:"experiments_path,omitempty"`
}
