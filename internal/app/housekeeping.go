package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"gams/internal/storage"
	"gams/internal/task/scheduler"
	logx "gams/pkg/logx"
)

// Events published by the app.
const (
	EventPhaseChanged        = "cycle_phase_changed"
	EventFeedbackLoop        = "feedback_loop_triggered"
	appPublisherID           = "gams"
	eventRecordRetention     = 30 * 24 * time.Hour
	cycleCheckInterval       = time.Minute
	statePersistInterval     = 15 * time.Minute
	eventHistoryPersistEvery = time.Hour
)

type housekeepingTask struct {
	id       string
	every    string
	priority int
	fn       scheduler.TaskFunc
}

// scheduleHousekeeping registers the maintenance tasks. Tasks that need
// storage are skipped when it is disabled.
func (a *App) scheduleHousekeeping() error {
	tasks := []housekeepingTask{
		{"clear_completed_results", "@daily", scheduler.PriorityLowest, a.clearCompletedResults},
		{"clear_resolved_errors", "@daily", scheduler.PriorityLowest, a.clearResolvedErrors},
		{"cycle_auto_advance", "every:" + cycleCheckInterval.String(), scheduler.PriorityDefault, a.advanceCycle},
	}
	if a.store != nil {
		tasks = append(tasks,
			housekeepingTask{"event_history_persist", "every:" + eventHistoryPersistEvery.String(), scheduler.PriorityLowest, a.persistEventHistory},
			housekeepingTask{"cycle_state_persist", "every:" + statePersistInterval.String(), scheduler.PriorityLowest, a.persistCycleState},
			housekeepingTask{"prune_event_records", "@daily", scheduler.PriorityLowest, a.pruneEventRecords},
		)
	}

	a.mu.Lock()
	loops := a.applied.cycle.FeedbackLoops
	a.mu.Unlock()
	names := make([]string, 0, len(loops))
	for name := range loops {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if loops[name].Interval <= 0 {
			continue
		}
		tasks = append(tasks, housekeepingTask{
			feedbackTaskID(name), "every:" + loops[name].Interval.String(), scheduler.PriorityDefault, a.feedbackLoop(name),
		})
	}

	var errs []error
	for _, t := range tasks {
		if err := a.sched.ScheduleString(t.id, t.every, t.priority, t.fn); err != nil && !errors.Is(err, scheduler.ErrTaskExists) {
			errs = append(errs, err)
		}
	}
	a.log.Debug("housekeeping scheduled", logx.Int("tasks", len(tasks)))
	return errors.Join(errs...)
}

func (a *App) clearCompletedResults(context.Context) (any, error) {
	a.mu.Lock()
	age := a.applied.resultRetention
	a.mu.Unlock()
	cleared := a.sched.ClearCompletedResults(age)
	removed := a.sched.RemoveFinished(age)
	for _, id := range removed {
		a.metrics.Clear("tasks", id+".status")
		a.metrics.Clear("tasks", id+".failures")
	}
	return map[string]any{"cleared": cleared, "removed": len(removed)}, nil
}

func (a *App) clearResolvedErrors(context.Context) (any, error) {
	return map[string]any{"cleared": a.recovery.ClearResolvedErrors(0)}, nil
}

func (a *App) persistEventHistory(ctx context.Context) (any, error) {
	return nil, a.events.SaveHistory(ctx)
}

func (a *App) persistCycleState(ctx context.Context) (any, error) {
	return nil, a.persistCycle(ctx)
}

func (a *App) pruneEventRecords(ctx context.Context) (any, error) {
	n, err := a.store.PruneRecords(ctx, storage.KindEvent, time.Now().Add(-eventRecordRetention))
	return map[string]any{"pruned": n}, err
}

// advanceCycle moves to the next phase once the current phase's duration
// has elapsed and auto advance is on.
func (a *App) advanceCycle(ctx context.Context) (any, error) {
	if !a.cycle.AutoAdvance() {
		return map[string]any{"advanced": false, "reason": "auto_advance disabled"}, nil
	}
	prev := a.cycle.CurrentPhase()
	advanced, err := a.cycle.AdvanceIfDue()
	if err != nil || !advanced {
		return map[string]any{"advanced": false}, err
	}
	phase := a.cycle.CurrentPhase()
	a.events.Publish(ctx, EventPhaseChanged, map[string]any{
		"previous_phase": prev,
		"phase":          phase,
		"tasks":          a.cycle.CurrentTasks(),
	}, appPublisherID)
	return map[string]any{"advanced": true, "phase": phase}, nil
}

func feedbackTaskID(loop string) string { return "feedback_loop_" + loop }

func (a *App) feedbackLoop(name string) scheduler.TaskFunc {
	return func(ctx context.Context) (any, error) {
		res, err := a.cycle.TriggerFeedbackLoop(name)
		if err != nil {
			return nil, err
		}
		a.events.Publish(ctx, EventFeedbackLoop, map[string]any{
			"loop_type": res.Type,
			"metrics":   res.Config.Metrics,
			"phase":     a.cycle.CurrentPhase(),
		}, appPublisherID)
		return res, nil
	}
}
