package config

import (
	"reflect"
	"sort"
	"strings"

	logx "gams/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// safe structured attrs for logging. Secrets (tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	mark := func(section string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	mark("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
	)

	oa, na := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	tokenChanged := strings.TrimSpace(oa.Token) != strings.TrimSpace(na.Token)
	oa.Token, na.Token = "", ""
	mark("alerts", tokenChanged || oa != na,
		logx.Bool("alerts.enabled", na.Enabled),
		logx.Bool("alerts.token_changed", tokenChanged),
		logx.Bool("alerts.chat_set", na.ChatID != 0),
	)

	oldS, ns := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	mark("storage", oldS != ns,
		logx.String("storage.driver", ns.Driver),
		logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
	)

	oo, no := oldCfg.Ops, newCfg.Ops
	opsTokenSet := strings.TrimSpace(no.Token) != ""
	opsTokenChanged := strings.TrimSpace(oo.Token) != strings.TrimSpace(no.Token)
	oo.Token, no.Token = "", ""
	mark("ops", opsTokenChanged || oo != no,
		logx.Bool("ops.enabled", no.Enabled),
		logx.String("ops.addr", strings.TrimSpace(no.Addr)),
		logx.Bool("ops.pprof", no.Pprof),
		logx.Bool("ops.token_set", opsTokenSet),
	)

	ote, nte := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	mark("task_engine", ote != nte,
		logx.Int("task_engine.workers", nte.Workers),
		logx.Int("task_engine.queue_size", nte.QueueSize),
		logx.Int("task_engine.retry_max", nte.RetryMax),
	)

	mark("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.Int("scheduler.max_concurrent_tasks", newCfg.Scheduler.MaxConcurrentTasks),
		logx.String("scheduler.tick", newCfg.Scheduler.Tick),
	)
	mark("events", oldCfg.Events != newCfg.Events,
		logx.Int("events.history_limit", newCfg.Events.HistoryLimit),
	)
	mark("recovery", !reflect.DeepEqual(oldCfg.Recovery, newCfg.Recovery),
		logx.String("recovery.health_check_interval", newCfg.Recovery.HealthCheckInterval),
		logx.Int("recovery.max_recovery_attempts", newCfg.Recovery.MaxRecoveryAttempts),
	)
	mark("orchestrator", !reflect.DeepEqual(oldCfg.Orchestrator, newCfg.Orchestrator),
		logx.Int("orchestrator.max_concurrent_processes", newCfg.Orchestrator.MaxConcurrentProcesses),
	)
	mark("website", !reflect.DeepEqual(oldCfg.Website, newCfg.Website),
		logx.Int("website.repositories", len(newCfg.Website.Repositories)),
	)
	mark("cycle", !reflect.DeepEqual(oldCfg.Cycle, newCfg.Cycle))
	mark("metrics", oldCfg.Metrics != newCfg.Metrics)
	mark("rate_limits", !reflect.DeepEqual(oldCfg.RateLimits, newCfg.RateLimits),
		logx.Int("rate_limits.categories", len(newCfg.RateLimits)),
	)
	mark("revenue", !reflect.DeepEqual(oldCfg.Revenue, newCfg.Revenue),
		logx.Bool("revenue.optimizer.enabled", newCfg.Revenue.Optimizer.Enabled),
	)

	sort.Strings(changed)
	return changed, attrs
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
