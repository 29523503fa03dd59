package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gams/internal/task/engine"
	logx "gams/pkg/logx"
)

func clampPriority(p int) int {
	switch {
	case p == 0:
		return PriorityDefault
	case p < PriorityHighest:
		return PriorityHighest
	case p > PriorityLowest:
		return PriorityLowest
	}
	return p
}

// Schedule registers fn under sp.ID and queues its first run.
func (s *Service) Schedule(sp Spec, fn TaskFunc) error {
	sp.ID = strings.TrimSpace(sp.ID)
	if sp.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidSchedule)
	}
	if fn == nil {
		return ErrNilTask
	}
	if strings.TrimSpace(sp.Name) == "" {
		sp.Name = sp.ID
	}
	sp.Priority = clampPriority(sp.Priority)

	e := &entry{spec: sp, fn: fn, state: &engine.RunState{}}
	switch sp.Kind {
	case KindInterval:
		if sp.Interval <= 0 {
			return fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
		}
	case KindCron:
		sched, err := s.parser.Parse(strings.TrimSpace(sp.Cron))
		if err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, sp.Cron, err)
		}
		e.cron = sched
	case KindOnce:
		if sp.At.IsZero() {
			return fmt.Errorf("%w: once requires a time", ErrInvalidSchedule)
		}
	case KindImmediate:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, sp.Kind)
	}

	s.mu.Lock()
	if _, ok := s.tasks[sp.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskExists, sp.ID)
	}
	now := s.now()
	var first time.Time
	switch sp.Kind {
	case KindInterval:
		first = now.Add(sp.Interval)
	case KindCron:
		first = e.cron.Next(now.In(s.loc))
	case KindOnce:
		first = sp.At
	default:
		first = now
	}
	s.tasks[sp.ID] = e
	s.pushLocked(e, first)
	s.mu.Unlock()

	s.log.Debug("task scheduled",
		logx.String("task", sp.ID),
		logx.String("kind", string(sp.Kind)),
		logx.String("schedule", describe(sp)),
		logx.Int("priority", sp.Priority),
		logx.Time("next", first),
	)
	s.kick()
	return nil
}

// ScheduleString is Schedule with a schedule string (see ParseSchedule).
func (s *Service) ScheduleString(id, schedule string, priority int, fn TaskFunc) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	return s.Schedule(ps.Spec(id, priority), fn)
}

// Cancel removes a task. A run in progress finishes but is not re-queued.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		e.version++ // invalidates queued items
	}
	s.mu.Unlock()
	if ok {
		s.log.Debug("task cancelled", logx.String("task", id))
	}
	return ok
}

// Status returns a task's current view.
func (s *Service) Status(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return Status{}, false
	}
	return statusOf(e), true
}

// Statuses returns all tasks keyed by ID.
func (s *Service) Statuses() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.tasks))
	for id, e := range s.tasks {
		out[id] = statusOf(e)
	}
	return out
}

// ClearCompletedResults drops stored results older than maxAge (24h when
// maxAge <= 0) and returns how many were cleared.
func (s *Service) ClearCompletedResults(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxAge)
	n := 0
	for _, e := range s.tasks {
		if e.result != nil && e.result.Timestamp.Before(cutoff) {
			e.result = nil
			n++
		}
	}
	return n
}

// RemoveFinished drops once and immediate tasks whose last run ended
// before maxAge ago (24h when maxAge <= 0). Tasks still queued or running
// are kept. It returns the removed IDs.
func (s *Service) RemoveFinished(maxAge time.Duration) []string {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	s.mu.Lock()
	cutoff := s.now().Add(-maxAge)
	var removed []string
	for id, e := range s.tasks {
		if e.spec.Kind.Recurring() || e.running || e.runCount == 0 || !e.nextRun.IsZero() {
			continue
		}
		if e.lastRun.Before(cutoff) {
			delete(s.tasks, id)
			e.version++
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(removed)
	if len(removed) > 0 {
		s.log.Debug("finished tasks removed", logx.Int("count", len(removed)))
	}
	return removed
}

// Snapshot is a diagnostics view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:            s.sup != nil,
		Timezone:           s.loc.String(),
		MaxConcurrentTasks: s.cfg.MaxConcurrentTasks,
		Tasks:              len(s.tasks),
		Active:             s.active,
	}
	for _, it := range s.queue {
		if e := s.tasks[it.id]; e != nil && e.version == it.version {
			snap.Queued++
		}
	}
	s.mu.Unlock()
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}

func statusOf(e *entry) Status {
	st := Status{
		ID:         e.spec.ID,
		Name:       e.spec.Name,
		Kind:       e.spec.Kind,
		Schedule:   describe(e.spec),
		Priority:   e.spec.Priority,
		NextRun:    e.nextRun,
		LastRun:    e.lastRun,
		LastStatus: e.lastStatus,
		RunCount:   e.runCount,
		IsRunning:  e.running,
	}
	if e.result != nil {
		r := *e.result
		st.LastResult = &r
	}
	return st
}
