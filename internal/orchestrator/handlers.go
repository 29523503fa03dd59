package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"gams/internal/events"
	"gams/internal/metrics"
	"gams/internal/recovery"
	"gams/internal/task/scheduler"
	logx "gams/pkg/logx"
)

func (o *Orchestrator) registerEventHandlers() {
	em := o.deps.Events
	if em == nil {
		return
	}
	em.Subscribe(EventContentPerformance, o.handleContentPerformance, subscriberID)
	em.Subscribe(EventTrafficSpike, o.handleTrafficSpike, subscriberID)
	em.Subscribe(EventSystemError, o.handleSystemError, subscriberID)
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return strings.TrimSpace(s)
}

func (o *Orchestrator) handleContentPerformance(ctx context.Context, ev events.Event) (any, error) {
	contentID := stringField(ev.Data, "content_id")
	change, ok := metrics.Float(ev.Data["change"])
	if contentID == "" || !ok {
		return nil, fmt.Errorf("%s: %w (content_id, change)", ev.Name, ErrMissingEventData)
	}
	o.mu.Lock()
	repo := o.cfg.ContentRepoMapping[contentID]
	o.mu.Unlock()

	if change < -20 && repo != "" {
		upd, err := o.ScheduleWebsiteUpdate(ctx, repo, scheduler.KindImmediate, "")
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"message":    fmt.Sprintf("scheduled immediate website update for %s after performance drop", repo),
			"action":     "website_update_scheduled",
			"process_id": upd.ID,
		}, nil
	}
	return map[string]any{
		"message": "content performance change processed",
		"action":  "no_action_needed",
	}, nil
}

func (o *Orchestrator) handleTrafficSpike(ctx context.Context, ev events.Event) (any, error) {
	page := stringField(ev.Data, "page_url")
	spike, ok := metrics.Float(ev.Data["spike_percentage"])
	if page == "" || !ok {
		return nil, fmt.Errorf("%s: %w (page_url, spike_percentage)", ev.Name, ErrMissingEventData)
	}
	if o.deps.Scheduler == nil {
		return o.analyzeTrafficSpike(ctx, page, spike), nil
	}
	base := fmt.Sprintf("analyze_traffic_spike_%d", o.now().Unix())
	id, err := o.scheduleUnique(base, "immediate", 2, func(string) scheduler.TaskFunc {
		return func(ctx context.Context) (any, error) {
			return o.analyzeTrafficSpike(ctx, page, spike), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"message": "scheduled traffic spike analysis task " + id,
		"action":  "analysis_task_scheduled",
		"task_id": id,
	}, nil
}

// analyzeTrafficSpike classifies a spike and publishes the analysis.
func (o *Orchestrator) analyzeTrafficSpike(ctx context.Context, page string, spike float64) map[string]any {
	pick := func(cond bool, a, b string) string {
		if cond {
			return a
		}
		return b
	}
	result := map[string]any{
		"page_url":         page,
		"spike_percentage": spike,
		"analysis": map[string]any{
			"source":         pick(spike > 200, "social_media", "organic"),
			"significance":   pick(spike > 100, "high", "medium"),
			"recommendation": pick(spike > 50, "optimize_content", "monitor"),
		},
	}
	o.log.Info("traffic spike analyzed", logx.String("page", page), logx.Float64("spike", spike))
	o.publish(ctx, EventTrafficAnalysisDone, result)
	return result
}

func (o *Orchestrator) handleSystemError(ctx context.Context, ev events.Event) (any, error) {
	errType := stringField(ev.Data, "error_type")
	if errType == "" {
		return nil, fmt.Errorf("%s: %w (error_type)", ev.Name, ErrMissingEventData)
	}
	if o.deps.Recovery == nil {
		return nil, fmt.Errorf("%s: recovery not configured", ev.Name)
	}
	details, _ := ev.Data["error_details"].(map[string]any)
	out := o.deps.Recovery.ReportError(ctx, errType, details, stringField(ev.Data, "component"))
	return map[string]any{
		"message":         "reported error to recovery manager",
		"recovery_result": out,
	}, nil
}

func (o *Orchestrator) registerHealthChecks() {
	rm := o.deps.Recovery
	if rm == nil {
		return
	}
	if s := o.deps.Scheduler; s != nil {
		rm.RegisterHealthCheck("task_scheduler", func(context.Context) (recovery.HealthStatus, error) {
			snap := s.Snapshot()
			st := recovery.HealthStatus{
				Status:   recovery.StatusHealthy,
				Message:  "task scheduler is running",
				Critical: true,
				Details:  map[string]any{"tasks": snap.Tasks, "queued": snap.Queued, "active": snap.Active},
			}
			if !snap.Running {
				st.Status, st.Message = recovery.StatusDegraded, "task scheduler is not running"
			}
			return st, nil
		})
	}
	if em := o.deps.Events; em != nil {
		rm.RegisterHealthCheck("event_manager", func(context.Context) (recovery.HealthStatus, error) {
			n := em.TotalSubscribers()
			return recovery.HealthStatus{
				Status:  recovery.StatusHealthy,
				Message: fmt.Sprintf("event manager is healthy with %d total subscribers", n),
				Details: map[string]any{"subscribers": n},
			}, nil
		})
	}
	if w := o.deps.Website; w != nil {
		rm.RegisterHealthCheck("git_integration", func(ctx context.Context) (recovery.HealthStatus, error) {
			if err := w.Ping(ctx); err != nil {
				return recovery.HealthStatus{
					Status:   recovery.StatusUnhealthy,
					Message:  "git integration is unhealthy: " + err.Error(),
					Critical: true,
				}, nil
			}
			return recovery.HealthStatus{
				Status:   recovery.StatusHealthy,
				Message:  fmt.Sprintf("git integration is healthy, %d repositories available", len(w.Repositories())),
				Critical: true,
			}, nil
		})
	}
	if db := o.deps.Store; db != nil {
		rm.RegisterHealthCheck("storage", func(ctx context.Context) (recovery.HealthStatus, error) {
			if err := db.Ping(ctx); err != nil {
				return recovery.HealthStatus{Status: recovery.StatusUnhealthy, Message: "storage ping failed: " + err.Error()}, nil
			}
			return recovery.HealthStatus{Status: recovery.StatusHealthy, Message: "storage reachable"}, nil
		})
	}
}
