package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gams/internal/eventbus"
	rtsup "gams/internal/runtime/supervisor"
	"gams/internal/task/engine"
	logx "gams/pkg/logx"

	"github.com/robfig/cron/v3"
)

type entry struct {
	spec  Spec
	fn    TaskFunc
	cron  cron.Schedule
	state *engine.RunState

	nextRun    time.Time
	lastRun    time.Time
	lastStatus string
	runCount   int
	running    bool
	result     *Result
	version    uint64
}

// ResultHook is called after every finished run, outside the scheduler lock.
type ResultHook func(id string, st Status)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	log     logx.Logger
	bus     eventbus.Bus
	engine  *engine.Service
	parser  cron.Parser
	tasks   map[string]*entry
	queue   runQueue
	seq     uint64
	active  int
	hook    ResultHook
	sup     *rtsup.Supervisor
	wake    chan struct{}
	nowFunc func() time.Time

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:    cfg,
		loc:    loadLocation(cfg.Timezone),
		log:    log,
		bus:    bus,
		engine: eng,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cronParser,
		tasks:       map[string]*entry{},
		wake:        make(chan struct{}, 1),
		nowFunc:     time.Now,
		lastEnqWarn: map[string]time.Time{},
	}
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func (s *Service) now() time.Time { return s.nowFunc() }

// SetResultHook installs fn as the per-run result callback.
func (s *Service) SetResultHook(fn ResultHook) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

// Apply swaps dispatch settings. Cron tasks are re-timed when the timezone
// changes.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if strings.TrimSpace(cfg.Timezone) != oldTZ {
		s.loc = loadLocation(cfg.Timezone)
		now := s.now()
		for _, e := range s.tasks {
			if e.spec.Kind == KindCron && !e.running {
				s.pushLocked(e, e.cron.Next(now.In(s.loc)))
			}
		}
		s.log.Info("timezone changed", logx.String("tz", s.loc.String()))
	}
	s.mu.Unlock()
	s.kick()
}

// Start runs the dispatch loop until Stop or ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.sup = sup
	tz := s.loc.String()
	n := len(s.tasks)
	s.mu.Unlock()

	sup.GoRestart("scheduler.loop", s.loop, rtsup.WithPublishFirstError(true))
	s.log.Info("service started", logx.String("tz", tz), logx.Int("tasks", n))
}

// Stop ends the dispatch loop. Tasks already handed to the engine are left
// to the engine's own shutdown.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Running reports whether the dispatch loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) error {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-s.wake:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		}

		s.mu.Lock()
		wait := s.cfg.Tick
		backoff := s.cfg.ErrorBackoff
		s.mu.Unlock()

		if err := s.dispatch(); err != nil {
			s.log.Warn("dispatch failed", logx.Err(err), logx.Duration("backoff", backoff))
			wait = backoff
		}
		t.Reset(wait)
	}
}

type dueRun struct {
	e    *entry
	item queueItem
}

// dispatch hands due tasks to the engine while capacity remains.
func (s *Service) dispatch() error {
	s.mu.Lock()
	now := s.now()
	var due []dueRun
	for s.active+len(due) < s.cfg.MaxConcurrentTasks {
		it, ok := s.queue.peek()
		if !ok || it.at.After(now) {
			break
		}
		heap.Pop(&s.queue)
		e := s.tasks[it.id]
		if e == nil || e.version != it.version || e.running {
			continue
		}
		e.running = true
		due = append(due, dueRun{e: e, item: it})
	}
	s.active += len(due)
	s.mu.Unlock()

	var firstErr error
	for i, d := range due {
		err := s.engine.Enqueue(s.engineTask(d.e))
		if err == nil {
			continue
		}
		s.reportEnqueueError(d.e.spec.Name, err)
		s.mu.Lock()
		d.e.running = false
		s.active--
		if errors.Is(err, engine.ErrStopped) || errors.Is(err, engine.ErrStopping) {
			// Put back everything not yet handed over and back off.
			s.requeueLocked(d)
			for _, rest := range due[i+1:] {
				rest.e.running = false
				s.active--
				s.requeueLocked(rest)
			}
			s.mu.Unlock()
			return err
		}
		s.retryLaterLocked(d, now)
		s.mu.Unlock()
		if firstErr == nil && errors.Is(err, engine.ErrQueueFull) {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) requeueLocked(d dueRun) {
	if s.tasks[d.item.id] != d.e || d.e.version != d.item.version {
		return
	}
	s.pushLocked(d.e, d.item.at)
}

// retryLaterLocked re-times a run the engine refused. Recurring tasks skip to
// their next trigger; one-shot tasks retry after the error backoff.
func (s *Service) retryLaterLocked(d dueRun, now time.Time) {
	if s.tasks[d.item.id] != d.e || d.e.version != d.item.version {
		return
	}
	if d.e.spec.Kind.Recurring() {
		s.pushLocked(d.e, s.nextAfterLocked(d.e, now))
		return
	}
	s.pushLocked(d.e, now.Add(s.cfg.ErrorBackoff))
}

func (s *Service) engineTask(e *entry) engine.Task {
	sp, fn := e.spec, e.fn
	var value any
	opt := engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1}
	if sp.Retries > 0 {
		opt.RetryMax = sp.Retries
	}
	return engine.Task{
		Name:    sp.Name,
		Timeout: sp.Timeout,
		Opt:     opt,
		State:   e.state,
		Run: func(ctx context.Context) error {
			v, err := fn(ctx)
			value = v
			return err
		},
		OnDone: func(res engine.Result) { s.finish(sp.ID, e, res, value) },
	}
}

// finish records a run outcome and re-queues recurring tasks.
func (s *Service) finish(id string, e *entry, res engine.Result, value any) {
	s.mu.Lock()
	e.running = false
	if s.active > 0 {
		s.active--
	}
	now := s.now()
	started := res.Started
	if started.IsZero() {
		started = now
	}
	e.lastRun = started
	e.runCount++
	r := &Result{Timestamp: now, ExecutionTime: res.Duration, Value: value}
	if res.Err != nil {
		e.lastStatus = StatusError
		r.Error = res.Err.Error()
	} else {
		e.lastStatus = StatusSuccess
	}
	e.result = r

	live := s.tasks[id] == e
	if live {
		if e.spec.Kind.Recurring() {
			s.pushLocked(e, s.nextAfterLocked(e, now))
		} else {
			e.nextRun = time.Time{}
		}
	}
	st := statusOf(e)
	hook := s.hook
	s.mu.Unlock()

	if res.Err != nil {
		s.log.Warn("task failed", logx.String("task", id), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
	} else {
		s.log.Debug("task finished", logx.String("task", id), logx.Duration("took", res.Duration))
	}
	if hook != nil {
		hook(id, st)
	}
	s.kick()
}

func (s *Service) nextAfterLocked(e *entry, now time.Time) time.Time {
	switch e.spec.Kind {
	case KindInterval:
		return now.Add(e.spec.Interval)
	case KindCron:
		return e.cron.Next(now.In(s.loc))
	default:
		return now
	}
}

// pushLocked supersedes any queued run of e with one at `at`.
func (s *Service) pushLocked(e *entry, at time.Time) {
	e.version++
	e.nextRun = at
	s.seq++
	heap.Push(&s.queue, queueItem{at: at, priority: e.spec.Priority, seq: s.seq, id: e.spec.ID, version: e.version})
}
