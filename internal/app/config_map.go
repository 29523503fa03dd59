package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gams/internal/config"
	"gams/internal/cycle"
	"gams/internal/events"
	"gams/internal/metrics"
	"gams/internal/notify"
	"gams/internal/notify/telegram"
	"gams/internal/observability/ops"
	"gams/internal/orchestrator"
	"gams/internal/ratelimit"
	"gams/internal/recovery"
	"gams/internal/revenue/experiment"
	"gams/internal/revenue/optimizer"
	"gams/internal/revenue/rl"
	"gams/internal/storage"
	"gams/internal/task/engine"
	"gams/internal/task/scheduler"
	"gams/internal/website"
	logx "gams/pkg/logx"
)

// TelegramTokenEnv supplies alerts.token when the file leaves it empty.
const TelegramTokenEnv = "GAMS_TELEGRAM_TOKEN"

// websiteRateCategory guards website updates in the rate limiter.
const websiteRateCategory = "website"

// settings is a config file mapped onto component configs.
type settings struct {
	log logx.Config

	alerts        telegram.Config
	notify        notify.Config
	alertsEnabled bool

	storage        storage.Config
	storageEnabled bool

	engine          engine.Config
	scheduler       scheduler.Config
	resultRetention time.Duration
	events          events.Config
	recovery        recovery.Config
	orchestrator    orchestrator.Config
	website         website.Config
	cycle           cycle.Config
	initialPhase    string
	metrics         metrics.Config
	limits          map[string]ratelimit.Limit

	rl               rl.Config
	seed             int64
	experiments      experiment.Config
	optimizer        optimizer.Config
	optimizerEnabled bool

	ops ops.Config
}

// durations collects parse errors so one pass reports every bad field.
type durations struct{ errs []error }

func (d *durations) get(path, raw string) time.Duration {
	v, err := config.ParseDurationField(path, raw)
	if err != nil {
		d.errs = append(d.errs, err)
	}
	return v
}

// mapConfig validates cfg and maps every section. It is used at startup and
// as the hot reload validator.
func mapConfig(cfg *config.Config) (settings, error) {
	if err := config.Validate(cfg); err != nil {
		return settings{}, err
	}
	var (
		s    settings
		d    durations
		errs []error
	)

	l := cfg.Logging
	s.log = logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts:  logx.AlertConfig{Enabled: l.Alerts.Enabled, MinLevel: l.Alerts.MinLevel, RatePerSec: l.Alerts.RatePerSec},
	}

	var err error
	s.alerts, s.notify, s.alertsEnabled, err = mapAlertsConfig(cfg)
	errs = append(errs, err)
	s.storage, s.storageEnabled, err = mapStorageConfig(cfg)
	errs = append(errs, err)
	s.engine, err = mapTaskEngineConfig(cfg)
	errs = append(errs, err)

	sc := cfg.Scheduler
	s.scheduler = scheduler.Config{
		MaxConcurrentTasks: sc.MaxConcurrentTasks,
		Tick:               d.get("scheduler.tick", sc.Tick),
		ErrorBackoff:       d.get("scheduler.error_backoff", sc.ErrorBackoff),
		Timezone:           sc.Timezone,
	}
	s.resultRetention = d.get("scheduler.result_retention", sc.ResultRetention)

	s.events = events.Config{HistoryLimit: cfg.Events.HistoryLimit, Persist: cfg.Events.Persist}

	rc := cfg.Recovery
	s.recovery = recovery.Config{
		MaxRecoveryAttempts: rc.MaxRecoveryAttempts,
		HealthCheckInterval: d.get("recovery.health_check_interval", rc.HealthCheckInterval),
		GitNetworkWait:      d.get("recovery.git_network_wait", rc.GitNetworkWait),
		RateLimitWait:       d.get("recovery.rate_limit_wait", rc.RateLimitWait),
		ErrorRetention:      d.get("recovery.error_retention", rc.ErrorRetention),
		Units:               rc.Units,
	}

	oc := cfg.Orchestrator
	s.orchestrator = orchestrator.Config{
		MaxConcurrentProcesses: oc.MaxConcurrentProcesses,
		ProcessTimeout:         d.get("orchestrator.process_timeout", oc.ProcessTimeout),
		RetryAttempts:          oc.RetryAttempts,
		RetryDelay:             d.get("orchestrator.retry_delay", oc.RetryDelay),
		ScheduleTick:           d.get("orchestrator.schedule_tick", oc.ScheduleTick),
		WebsiteUpdateInterval:  d.get("website.update_interval", cfg.Website.UpdateInterval),
		ContentRepoMapping:     oc.ContentRepoMapping,
		RateLimitCategory:      websiteRateCategory,
	}

	wc := cfg.Website
	s.website = website.Config{GitBinary: wc.GitBinary, CommitMessage: wc.CommitMessage}
	for i, r := range wc.Repositories {
		s.website.Repositories = append(s.website.Repositories, website.Repository{
			Name:           r.Name,
			Path:           r.Path,
			URL:            r.URL,
			Branch:         r.Branch,
			Remote:         r.Remote,
			UpdateInterval: d.get(fmt.Sprintf("website.repositories[%d].update_interval", i), r.UpdateInterval),
		})
	}

	s.cycle, s.initialPhase = mapCycleConfig(cfg.Cycle, &d)
	if err := cycle.Validate(s.cycle); err != nil {
		errs = append(errs, fmt.Errorf("cycle: %w", err))
	}

	s.metrics = metrics.Config{MaxPoints: cfg.Metrics.MaxPoints}
	s.limits = make(map[string]ratelimit.Limit, len(cfg.RateLimits))
	for cat, lim := range cfg.RateLimits {
		s.limits[cat] = ratelimit.Limit{PerMinute: lim.MaxPerMinute, Concurrent: lim.MaxConcurrent}
	}

	s.rl, s.seed = mapRLConfig(cfg.Revenue.RL)

	ec := cfg.Revenue.Experiments
	s.experiments = experiment.Config{
		MinDuration:       d.get("revenue.experiments.min_duration", ec.MinDuration),
		MaxDuration:       d.get("revenue.experiments.max_duration", ec.MaxDuration),
		DefaultDuration:   d.get("revenue.experiments.default_duration", ec.DefaultDuration),
		SignificanceLevel: ec.SignificanceLevel,
		MinSampleSize:     ec.MinSampleSize,
		MaxConcurrent:     ec.MaxConcurrent,
		PrimaryMetric:     ec.PrimaryMetric,
		SecondaryMetrics:  ec.SecondaryMetrics,
	}

	pc := cfg.Revenue.Optimizer
	s.optimizerEnabled = pc.Enabled
	s.optimizer = optimizer.Config{
		OptimizationInterval:    d.get("revenue.optimizer.optimization_interval", pc.OptimizationInterval),
		StateUpdateInterval:     d.get("revenue.optimizer.state_update_interval", pc.StateUpdateInterval),
		ExperimentCheckInterval: d.get("revenue.optimizer.experiment_check_interval", pc.ExperimentCheckInterval),
		ModelSaveInterval:       d.get("revenue.optimizer.model_save_interval", pc.ModelSaveInterval),
		MaxIterations:           pc.MaxIterations,
		ModelPath:               pc.ModelPath,
		ExperimentPath:          pc.ExperimentsPath,
	}

	opc := cfg.Ops
	s.ops = ops.Config{
		Enabled:       opc.Enabled,
		Addr:          opc.Addr,
		Token:         opc.Token,
		AllowInsecure: opc.AllowInsecure,
		Pprof:         opc.Pprof,
		ReadTimeout:   d.get("ops.read_timeout", opc.ReadTimeout),
		WriteTimeout:  d.get("ops.write_timeout", opc.WriteTimeout),
		IdleTimeout:   d.get("ops.idle_timeout", opc.IdleTimeout),
	}

	errs = append(errs, d.errs...)
	if err := errors.Join(errs...); err != nil {
		return settings{}, err
	}
	return s, nil
}

// Validate loads and maps the config at path without building anything. It
// returns a short summary of the effective settings.
func Validate(path string) ([]string, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	s, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}
	driver := "none"
	if s.storageEnabled {
		driver = s.storage.Driver
	}
	phases := make([]string, 0, len(s.cycle.Phases))
	for _, p := range s.cycle.Phases {
		phases = append(phases, p.Name)
	}
	return []string{
		"storage: " + driver,
		fmt.Sprintf("workers: %d", s.engine.Workers),
		fmt.Sprintf("website repositories: %d", len(s.website.Repositories)),
		"cycle phases: " + strings.Join(phases, " > "),
		fmt.Sprintf("revenue optimizer: %t", s.optimizerEnabled),
		fmt.Sprintf("alerts: %t", s.alertsEnabled),
		fmt.Sprintf("ops: %t", s.ops.Enabled),
	}, nil
}

func mapAlertsConfig(cfg *config.Config) (telegram.Config, notify.Config, bool, error) {
	a := cfg.Alerts
	if a == nil || !a.Enabled {
		return telegram.Config{}, notify.Config{}, false, nil
	}
	var d durations
	timeout, err := config.ParseDurationOrDefault("alerts.timeout", a.Timeout, 10*time.Second)
	if err != nil {
		d.errs = append(d.errs, err)
	}
	dedup := 10 * time.Minute
	if strings.TrimSpace(a.DedupWindow) != "" {
		dedup = d.get("alerts.dedup_window", a.DedupWindow)
	}
	token := strings.TrimSpace(a.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(TelegramTokenEnv))
	}
	if token == "" {
		d.errs = append(d.errs, fmt.Errorf("alerts.token: required when alerts are enabled (or set %s)", TelegramTokenEnv))
	}
	if err := errors.Join(d.errs...); err != nil {
		return telegram.Config{}, notify.Config{}, false, err
	}
	tc := telegram.Config{Token: token, ChatID: a.ChatID, ThreadID: a.ThreadID, Timeout: timeout}
	nc := notify.Config{QueueSize: a.QueueSize, RatePerSec: a.RatePerSec, RetryMax: a.RetryMax, DedupWindow: dedup}
	return tc, nc, true, nil
}

// mapTaskEngineConfig sizes the worker pool to the scheduler's concurrency
// unless task_engine overrides it.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Workers: cfg.Scheduler.MaxConcurrentTasks}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers != 0 {
		out.Workers = te.Workers
	}
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	out.RetryMax = te.RetryMax

	var d durations
	out.DefaultTimeout = d.get("task_engine.default_timeout", te.DefaultTimeout)
	out.MaxQueueDelay = d.get("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err := errors.Join(d.errs...); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// mapCycleConfig falls back to the built-in phases and feedback loops for
// omitted sections.
func mapCycleConfig(cc *config.CycleConfig, d *durations) (cycle.Config, string) {
	out := cycle.Config{Phases: cycle.DefaultPhases(), FeedbackLoops: cycle.DefaultFeedbackLoops()}
	if cc == nil {
		return out, ""
	}
	out.AutoAdvance = cc.AutoAdvance
	if len(cc.Phases) > 0 {
		out.Phases = make([]cycle.Phase, 0, len(cc.Phases))
		for i, p := range cc.Phases {
			out.Phases = append(out.Phases, cycle.Phase{
				Name:        p.Name,
				Description: p.Description,
				Duration:    d.get(fmt.Sprintf("cycle.phases[%d].duration", i), p.Duration),
				Tasks:       p.Tasks,
				Metrics:     p.Metrics,
			})
		}
	}
	if len(cc.FeedbackLoops) > 0 {
		out.FeedbackLoops = make(map[string]cycle.FeedbackLoop, len(cc.FeedbackLoops))
		for name, fl := range cc.FeedbackLoops {
			out.FeedbackLoops[name] = cycle.FeedbackLoop{
				Interval: d.get("cycle.feedback_loops."+name+".interval", fl.Interval),
				Metrics:  fl.Metrics,
			}
		}
	}
	if len(cc.AccelerationStrategies) > 0 {
		out.AccelerationStrategies = make(map[string]cycle.Strategy, len(cc.AccelerationStrategies))
		for name, st := range cc.AccelerationStrategies {
			out.AccelerationStrategies[name] = cycle.Strategy{Description: st.Description, Phases: st.Phases}
		}
	}
	return out, cc.InitialPhase
}

func mapRLConfig(rc config.RLConfig) (rl.Config, int64) {
	out := rl.Config{
		LearningRate:   rc.LearningRate,
		DiscountFactor: rc.DiscountFactor,
		Exploration: rl.Exploration{
			Type:           rc.Exploration.Strategy,
			InitialEpsilon: rc.Exploration.InitialEpsilon,
			MinEpsilon:     rc.Exploration.MinEpsilon,
			DecayRate:      rc.Exploration.Decay,
		},
		MaxBudget: rc.MaxBudget,
		Penalties: rc.Penalties,
	}
	if w := rc.RewardWeights; w != (config.RewardWeights{}) {
		out.RewardWeights = map[string]float64{"revenue": w.Revenue, "profit": w.Profit, "growth": w.Growth}
	}
	return out, rc.Seed
}
