package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gams/internal/recovery"
	"gams/internal/task/scheduler"
	"gams/internal/website"
	logx "gams/pkg/logx"
)

const websiteComponent = "website_updater"

func orAll(repo string) string {
	if repo == "" {
		return "all"
	}
	return repo
}

// scheduleString turns a kind and value into a scheduler schedule string.
func (o *Orchestrator) scheduleString(kind scheduler.Kind, value string) string {
	value = strings.TrimSpace(value)
	switch kind {
	case scheduler.KindImmediate:
		return "immediate"
	case "":
		if value == "" {
			return "interval:" + o.cfg.WebsiteUpdateInterval.String()
		}
		return value
	}
	if value == "" && kind == scheduler.KindInterval {
		value = o.cfg.WebsiteUpdateInterval.String()
	}
	return string(kind) + ":" + value
}

// scheduleUnique schedules fn under base, or base_n when base is taken.
func (o *Orchestrator) scheduleUnique(base, schedule string, priority int, fn func(id string) scheduler.TaskFunc) (string, error) {
	for n := 0; ; n++ {
		id := base
		if n > 0 {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		err := o.deps.Scheduler.ScheduleString(id, schedule, priority, fn(id))
		if errors.Is(err, scheduler.ErrTaskExists) {
			continue
		}
		return id, err
	}
}

// ScheduleWebsiteUpdate schedules a git update of repo, or of every
// repository when repo is empty.
func (o *Orchestrator) ScheduleWebsiteUpdate(ctx context.Context, repo string, kind scheduler.Kind, value string) (WebsiteUpdate, error) {
	if o.deps.Website == nil || o.deps.Scheduler == nil {
		return WebsiteUpdate{}, ErrNoWebsite
	}
	if repo != "" {
		if _, ok := o.deps.Website.Repository(repo); !ok {
			return WebsiteUpdate{}, fmt.Errorf("%w: %s", website.ErrUnknownRepository, repo)
		}
	}
	o.mu.Lock()
	sched := o.scheduleString(kind, value)
	base := fmt.Sprintf("website_update_%s_%d", orAll(repo), o.now().Unix())
	o.mu.Unlock()

	var upd WebsiteUpdate
	taskID, err := o.scheduleUnique("task_"+base, sched, scheduler.PriorityDefault, func(id string) scheduler.TaskFunc {
		pid := strings.TrimPrefix(id, "task_")
		return func(ctx context.Context) (any, error) {
			return o.runWebsiteUpdate(ctx, pid, repo)
		}
	})
	if err != nil {
		return WebsiteUpdate{}, err
	}
	if kind == "" {
		kind = scheduler.KindInterval
	}
	upd = WebsiteUpdate{
		ID:            strings.TrimPrefix(taskID, "task_"),
		Repository:    repo,
		TaskID:        taskID,
		ScheduleKind:  string(kind),
		ScheduleValue: value,
		Status:        StatusScheduled,
		CreatedAt:     o.now(),
	}
	o.mu.Lock()
	o.updates = append(o.updates, upd)
	if over := len(o.updates) - o.cfg.HistoryLimit; over > 0 {
		o.updates = append([]WebsiteUpdate(nil), o.updates[over:]...)
	}
	o.mu.Unlock()

	o.log.Info("website update scheduled",
		logx.String("repository", orAll(repo)),
		logx.String("process", upd.ID),
		logx.String("schedule", sched),
	)
	o.publish(ctx, EventWebsiteUpdateScheduled, map[string]any{
		"process_id":      upd.ID,
		"task_id":         taskID,
		"repository_name": repo,
		"schedule_type":   upd.ScheduleKind,
		"schedule_value":  value,
	})
	return upd, nil
}

func (o *Orchestrator) setUpdateStatus(id, status string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.updates {
		if o.updates[i].ID == id {
			o.updates[i].Status = status
			o.updates[i].Error = ""
			if err != nil {
				o.updates[i].Error = err.Error()
			}
			return
		}
	}
}

// runWebsiteUpdate is the scheduler task body of a website update.
func (o *Orchestrator) runWebsiteUpdate(ctx context.Context, id, repo string) (any, error) {
	o.setUpdateStatus(id, StatusRunning, nil)
	o.log.Info("website update running", logx.String("repository", orAll(repo)))

	var result any
	err := o.limited(ctx, func(ctx context.Context) error {
		if repo != "" {
			res, err := o.deps.Website.Update(ctx, repo)
			result = res
			return err
		}
		var all []website.UpdateResult
		var errs []error
		for _, name := range o.deps.Website.Repositories() {
			res, err := o.deps.Website.Update(ctx, name)
			all = append(all, res)
			if err != nil {
				errs = append(errs, err)
			}
		}
		result = map[string]any{"repositories": all}
		return errors.Join(errs...)
	})

	if err != nil {
		o.setUpdateStatus(id, StatusError, err)
		o.log.Error("website update failed", logx.String("repository", orAll(repo)), logx.Err(err))
		if o.deps.Recovery != nil {
			details := map[string]any{
				"repository":    repo,
				"operation":     "website_update",
				"error_message": err.Error(),
			}
			// The failing git step lets recovery redo clone, pull or push.
			var ge *website.GitError
			if errors.As(err, &ge) {
				for k, v := range ge.RecoveryDetails() {
					details[k] = v
				}
			}
			o.deps.Recovery.ReportError(ctx, recovery.TypeGitOperation, details, websiteComponent)
		}
		return nil, err
	}

	o.setUpdateStatus(id, StatusSuccess, nil)
	o.mu.Lock()
	o.history["website_update_"+orAll(repo)] = HistoryEntry{Timestamp: o.now(), Result: result}
	o.mu.Unlock()
	o.publish(ctx, EventWebsiteUpdateCompleted, map[string]any{
		"process_id":      id,
		"repository_name": repo,
		"result":          result,
	})
	return result, nil
}

func (o *Orchestrator) limited(ctx context.Context, fn func(ctx context.Context) error) error {
	o.mu.Lock()
	cat := o.cfg.RateLimitCategory
	o.mu.Unlock()
	if o.deps.Limiter == nil || cat == "" {
		return fn(ctx)
	}
	return o.deps.Limiter.Execute(ctx, cat, fn)
}

// RegisterWebsiteUpdateProcess registers website_update_<repo> (or
// website_update_all) running every interval and on content performance or
// analytics events. Each run schedules one immediate update task.
func (o *Orchestrator) RegisterWebsiteUpdateProcess(repo string, interval time.Duration) error {
	if o.deps.Website == nil {
		return ErrNoWebsite
	}
	if interval <= 0 {
		o.mu.Lock()
		interval = o.cfg.WebsiteUpdateInterval
		o.mu.Unlock()
	}
	return o.Register("website_update_"+orAll(repo), func(ctx context.Context, _ map[string]any) (any, error) {
		return o.ScheduleWebsiteUpdate(ctx, repo, scheduler.KindImmediate, "")
	},
		WithInterval(interval),
		WithEventTriggers(EventContentPerformance, EventAnalyticsUpdate),
	)
}

// InitializeProcesses registers the website update processes: one for all
// repositories plus one per repository using its update interval.
func (o *Orchestrator) InitializeProcesses() error {
	if o.deps.Website == nil {
		o.log.Info("website updates disabled, no standard processes")
		return nil
	}
	var errs []error
	if err := o.RegisterWebsiteUpdateProcess("", 0); err != nil && !errors.Is(err, ErrProcessExists) {
		errs = append(errs, err)
	}
	for _, name := range o.deps.Website.Repositories() {
		r, _ := o.deps.Website.Repository(name)
		if err := o.RegisterWebsiteUpdateProcess(name, r.UpdateInterval); err != nil && !errors.Is(err, ErrProcessExists) {
			errs = append(errs, err)
		}
	}
	o.log.Info("standard processes initialized", logx.Int("processes", len(o.Processes())))
	return errors.Join(errs...)
}
