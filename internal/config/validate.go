package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks the structural parts of cfg: duration strings, enums,
// numeric ranges and repository names. Component-level semantics (cycle
// phases, schedules) are validated by the components themselves.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", path))
		}
	}

	if cfg.Alerts != nil {
		dur("alerts.timeout", cfg.Alerts.Timeout)
		dur("alerts.dedup_window", cfg.Alerts.DedupWindow)
		nonNeg("alerts.queue_size", cfg.Alerts.QueueSize)
		nonNeg("alerts.rate_per_sec", cfg.Alerts.RatePerSec)
		nonNeg("alerts.retry_max", cfg.Alerts.RetryMax)
		if cfg.Alerts.Enabled && cfg.Alerts.ChatID == 0 {
			errs = append(errs, errors.New("alerts.chat_id: required when alerts are enabled"))
		}
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	}
	dur("ops.read_timeout", cfg.Ops.ReadTimeout)
	dur("ops.write_timeout", cfg.Ops.WriteTimeout)
	dur("ops.idle_timeout", cfg.Ops.IdleTimeout)

	if te := cfg.TaskEngine; te != nil {
		nonNeg("task_engine.workers", te.Workers)
		nonNeg("task_engine.queue_size", te.QueueSize)
		nonNeg("task_engine.history_size", te.HistorySize)
		nonNeg("task_engine.retry_max", te.RetryMax)
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	nonNeg("scheduler.max_concurrent_tasks", cfg.Scheduler.MaxConcurrentTasks)
	dur("scheduler.tick", cfg.Scheduler.Tick)
	dur("scheduler.error_backoff", cfg.Scheduler.ErrorBackoff)
	dur("scheduler.result_retention", cfg.Scheduler.ResultRetention)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	nonNeg("events.history_limit", cfg.Events.HistoryLimit)

	nonNeg("recovery.max_recovery_attempts", cfg.Recovery.MaxRecoveryAttempts)
	dur("recovery.health_check_interval", cfg.Recovery.HealthCheckInterval)
	dur("recovery.git_network_wait", cfg.Recovery.GitNetworkWait)
	dur("recovery.rate_limit_wait", cfg.Recovery.RateLimitWait)
	dur("recovery.error_retention", cfg.Recovery.ErrorRetention)

	nonNeg("orchestrator.max_concurrent_processes", cfg.Orchestrator.MaxConcurrentProcesses)
	nonNeg("orchestrator.retry_attempts", cfg.Orchestrator.RetryAttempts)
	dur("orchestrator.process_timeout", cfg.Orchestrator.ProcessTimeout)
	dur("orchestrator.retry_delay", cfg.Orchestrator.RetryDelay)
	dur("orchestrator.schedule_tick", cfg.Orchestrator.ScheduleTick)

	dur("website.update_interval", cfg.Website.UpdateInterval)
	seen := map[string]bool{}
	for i, r := range cfg.Website.Repositories {
		p := fmt.Sprintf("website.repositories[%d]", i)
		name := strings.TrimSpace(r.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name: required", p))
		case name == "all":
			errs = append(errs, fmt.Errorf("%s.name: %q is reserved", p, name))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", p, name))
		}
		seen[name] = true
		if strings.TrimSpace(r.Path) == "" {
			errs = append(errs, fmt.Errorf("%s.path: required", p))
		}
		dur(p+".update_interval", r.UpdateInterval)
	}
	for content, repo := range cfg.Orchestrator.ContentRepoMapping {
		if !seen[repo] {
			errs = append(errs, fmt.Errorf("orchestrator.content_repo_mapping[%s]: unknown repository %q", content, repo))
		}
	}

	if c := cfg.Cycle; c != nil {
		for i, ph := range c.Phases {
			dur(fmt.Sprintf("cycle.phases[%d].duration", i), ph.Duration)
		}
		for name, fl := range c.FeedbackLoops {
			dur("cycle.feedback_loops."+name+".interval", fl.Interval)
		}
	}

	nonNeg("metrics.max_points", cfg.Metrics.MaxPoints)
	for cat, rl := range cfg.RateLimits {
		nonNeg("rate_limits."+cat+".max_per_minute", rl.MaxPerMinute)
		nonNeg("rate_limits."+cat+".max_concurrent", rl.MaxConcurrent)
	}

	rl := cfg.Revenue.RL
	if rl.LearningRate < 0 || rl.LearningRate > 1 {
		errs = append(errs, errors.New("revenue.rl.learning_rate: must be within [0,1]"))
	}
	if rl.DiscountFactor < 0 || rl.DiscountFactor > 1 {
		errs = append(errs, errors.New("revenue.rl.discount_factor: must be within [0,1]"))
	}
	switch rl.Exploration.Strategy {
	case "", "epsilon_greedy", "ucb", "thompson":
	default:
		errs = append(errs, fmt.Errorf("revenue.rl.exploration.strategy: unknown %q", rl.Exploration.Strategy))
	}

	ex := cfg.Revenue.Experiments
	dur("revenue.experiments.min_duration", ex.MinDuration)
	dur("revenue.experiments.max_duration", ex.MaxDuration)
	dur("revenue.experiments.default_duration", ex.DefaultDuration)
	if ex.SignificanceLevel < 0 || ex.SignificanceLevel >= 1 {
		errs = append(errs, errors.New("revenue.experiments.significance_level: must be within [0,1)"))
	}
	nonNeg("revenue.experiments.min_sample_size", ex.MinSampleSize)
	nonNeg("revenue.experiments.max_concurrent", ex.MaxConcurrent)

	op := cfg.Revenue.Optimizer
	dur("revenue.optimizer.optimization_interval", op.OptimizationInterval)
	dur("revenue.optimizer.state_update_interval", op.StateUpdateInterval)
	dur("revenue.optimizer.experiment_check_interval", op.ExperimentCheckInterval)
	dur("revenue.optimizer.model_save_interval", op.ModelSaveInterval)
	nonNeg("revenue.optimizer.max_iterations", op.MaxIterations)

	return errors.Join(errs...)
}
