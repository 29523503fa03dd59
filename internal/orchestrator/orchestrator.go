package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"gams/internal/events"
	"gams/internal/metrics"
	"gams/internal/ratelimit"
	"gams/internal/recovery"
	rtsup "gams/internal/runtime/supervisor"
	"gams/internal/storage"
	"gams/internal/task/scheduler"
	logx "gams/pkg/logx"
)

// Deps are the collaborating subsystems. Any of them may be nil.
type Deps struct {
	Events    *events.Manager
	Scheduler *scheduler.Service
	Recovery  *recovery.Manager
	Website   WebsiteUpdater
	Limiter   *ratelimit.Limiter
	Store     storage.Store
	Metrics   *metrics.Service
}

type Orchestrator struct {
	mu        sync.Mutex
	cfg       Config
	log       logx.Logger
	deps      Deps
	sem       *semaphore.Weighted
	processes map[string]*process
	order     []string
	hooks     map[string][]string // event name -> process ids
	history   map[string]HistoryEntry
	updates   []WebsiteUpdate
	now       func() time.Time

	bg      *rtsup.Supervisor // retries, restarts, triggered runs
	loop    *rtsup.Supervisor
	stopped bool
}

func New(cfg Config, log logx.Logger, deps Deps) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		log:       log,
		deps:      deps,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentProcesses)),
		processes: map[string]*process{},
		hooks:     map[string][]string{},
		history:   map[string]HistoryEntry{},
		now:       time.Now,
	}
	o.bg = rtsup.NewSupervisor(context.Background(), rtsup.WithLogger(log))
	o.registerEventHandlers()
	o.registerHealthChecks()
	return o
}

// Apply updates limits and retry policy. Runs holding the old semaphore
// release into it.
func (o *Orchestrator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	o.mu.Lock()
	if cfg.MaxConcurrentProcesses != o.cfg.MaxConcurrentProcesses {
		o.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentProcesses))
	}
	o.cfg = cfg
	o.mu.Unlock()
}

// Register adds a process. Event triggers are subscribed on the event
// manager so published events run the process.
func (o *Orchestrator) Register(id string, fn ProcessFunc, opts ...Option) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id required", ErrUnknownProcess)
	}
	if fn == nil {
		return ErrNilProcess
	}
	p := &process{id: id, fn: fn}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return fmt.Errorf("process %s: %w", id, err)
		}
	}

	o.mu.Lock()
	if _, ok := o.processes[id]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessExists, id)
	}
	o.processes[id] = p
	o.order = append(o.order, id)
	var subscribe []string
	for _, ev := range p.triggers {
		if len(o.hooks[ev]) == 0 {
			subscribe = append(subscribe, ev)
		}
		o.hooks[ev] = append(o.hooks[ev], id)
	}
	o.mu.Unlock()

	if o.deps.Events != nil {
		for _, ev := range subscribe {
			o.deps.Events.Subscribe(ev, o.onTrigger, triggerSubscriberID)
		}
	}
	o.log.Info("process registered",
		logx.String("process", id),
		logx.Strings("dependencies", p.deps),
		logx.Strings("triggers", p.triggers),
	)
	return nil
}

// Processes lists registered process ids in registration order.
func (o *Orchestrator) Processes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

// Process returns one process's status.
func (o *Orchestrator) Process(id string) (ProcessStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.processes[id]
	if !ok {
		return ProcessStatus{}, false
	}
	return p.status(), true
}

// Execute runs a process once after its dependencies. A failed run is
// retried in the background until the retry policy is exhausted, then it is
// reported to recovery.
func (o *Orchestrator) Execute(ctx context.Context, id string, params map[string]any) (ExecResult, error) {
	res := ExecResult{ProcessID: id, Status: StatusError}
	o.mu.Lock()
	p, ok := o.processes[id]
	poll := o.cfg.DependencyPoll
	o.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownProcess, id)
		res.Message = err.Error()
		return res, err
	}

	if err := o.awaitDependencies(ctx, p, poll); err != nil {
		o.log.Warn("process blocked by dependency", logx.String("process", id), logx.Err(err))
		res.Message = err.Error()
		return res, err
	}

	o.mu.Lock()
	sem := o.sem
	o.mu.Unlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		res.Message = err.Error()
		return res, err
	}
	defer sem.Release(1)

	o.mu.Lock()
	if p.running {
		o.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		res.Message = err.Error()
		return res, err
	}
	p.running = true
	p.lastParams = params
	timeout := p.timeout
	if timeout <= 0 {
		timeout = o.cfg.ProcessTimeout
	}
	o.mu.Unlock()

	res.Started = o.now()
	o.log.Info("process started", logx.String("process", id))
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	out, err := runProcess(runCtx, p.fn, params)
	cancel()
	res.Duration = o.now().Sub(res.Started)

	if err == nil {
		res.Status = StatusSuccess
		res.Result = out
		o.succeeded(p, res)
		return res, nil
	}
	res.Message = err.Error()
	res.Retrying = o.failed(ctx, p, params, res, err)
	return res, err
}

func (o *Orchestrator) awaitDependencies(ctx context.Context, p *process, poll time.Duration) error {
	for _, dep := range p.deps {
		for {
			o.mu.Lock()
			d, ok := o.processes[dep]
			running := ok && d.running
			status := ""
			if ok {
				status = d.lastStatus
			}
			o.mu.Unlock()
			if running {
				t := time.NewTimer(poll)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
				continue
			}
			if status != StatusSuccess {
				return fmt.Errorf("dependency %s %w", dep, ErrDependencyFailed)
			}
			break
		}
	}
	return nil
}

func runProcess(ctx context.Context, fn ProcessFunc, params map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	if params == nil {
		params = map[string]any{}
	}
	return fn(ctx, params)
}

func (o *Orchestrator) succeeded(p *process, res ExecResult) {
	o.mu.Lock()
	p.running = false
	p.lastRun = o.now()
	p.lastStatus = StatusSuccess
	p.lastErr = ""
	p.retryCount = 0
	p.restarts = 0
	p.runs++
	o.history[p.id] = HistoryEntry{Timestamp: p.lastRun, Result: res.Result}
	o.mu.Unlock()

	o.log.Info("process completed", logx.String("process", p.id), logx.Duration("took", res.Duration))
	o.observe(res)
	o.publish(context.Background(), EventProcessCompleted, map[string]any{
		"process_id": p.id,
		"duration":   res.Duration.Seconds(),
	})
}

// failed records a failure and returns true when a retry was scheduled.
func (o *Orchestrator) failed(ctx context.Context, p *process, params map[string]any, res ExecResult, err error) bool {
	o.mu.Lock()
	p.running = false
	p.lastRun = o.now()
	p.lastStatus = StatusError
	p.lastErr = err.Error()
	p.runs++
	attempts, delay := o.cfg.RetryAttempts, o.cfg.RetryDelay
	if p.retrySet {
		attempts, delay = p.retryAttempts, p.retryDelay
	}
	cancelled := ctx.Err() != nil
	retry := !cancelled && !o.stopped && p.retryCount < attempts
	if retry {
		p.retryCount++
	}
	count := p.retryCount
	o.mu.Unlock()

	o.log.Error("process failed", logx.String("process", p.id), logx.Int("retry_count", count), logx.Err(err))
	o.observe(res)
	o.publish(ctx, EventProcessFailed, map[string]any{
		"process_id":    p.id,
		"error_message": err.Error(),
		"retry_count":   count,
	})

	switch {
	case retry:
		o.log.Info("process retry scheduled", logx.String("process", p.id), logx.Duration("delay", delay))
		o.bg.Go("orchestrator.retry", func(bctx context.Context) error {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-bctx.Done():
				return nil
			case <-t.C:
			}
			_, _ = o.Execute(bctx, p.id, params)
			return nil
		})
	case !cancelled && o.deps.Recovery != nil:
		o.deps.Recovery.ReportError(ctx, recovery.TypeProcessCrash, map[string]any{
			"process_id":    p.id,
			"error_message": err.Error(),
			"retry_count":   count,
		}, subscriberID)
	}
	return retry
}

func (o *Orchestrator) observe(res ExecResult) {
	if m := o.deps.Metrics; m != nil {
		m.Record("orchestrator", "process."+res.ProcessID+".duration", res.Duration.Seconds())
		if res.Status != StatusSuccess {
			m.Record("orchestrator", "process."+res.ProcessID+".failures", 1)
		}
	}
	if o.deps.Store == nil {
		return
	}
	rec := map[string]any{
		"process_id": res.ProcessID,
		"status":     res.Status,
		"message":    res.Message,
		"started":    res.Started,
		"duration":   res.Duration.Seconds(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	err = o.deps.Store.AppendRecord(context.Background(), storage.Record{
		At:   res.Started,
		Kind: storage.KindProcess,
		Key:  res.ProcessID,
		JSON: string(b),
	})
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		o.log.Warn("process result not persisted", logx.String("process", res.ProcessID), logx.Err(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, name string, data map[string]any) {
	if o.deps.Events != nil {
		o.deps.Events.Publish(ctx, name, data, subscriberID)
	}
}

// RestartProcess re-runs a process in the background with its last
// parameters. Restarts reset on the next success and are capped by
// MaxRestarts.
func (o *Orchestrator) RestartProcess(_ context.Context, id string) error {
	o.mu.Lock()
	p, ok := o.processes[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if p.restarts >= o.cfg.MaxRestarts {
		n := p.restarts
		o.mu.Unlock()
		return fmt.Errorf("%w: %s restarted %d times", ErrRestartLimit, id, n)
	}
	p.restarts++
	p.retryCount = 0
	params := p.lastParams
	n := p.restarts
	o.mu.Unlock()

	o.log.Warn("process restarting", logx.String("process", id), logx.Int("restart", n))
	o.bg.Go("orchestrator.restart", func(ctx context.Context) error {
		_, _ = o.Execute(ctx, id, params)
		return nil
	})
	return nil
}

// TriggerEvent runs the processes hooked to an event in registration order.
func (o *Orchestrator) TriggerEvent(ctx context.Context, name string, data map[string]any) []TriggerResult {
	o.mu.Lock()
	ids := append([]string(nil), o.hooks[name]...)
	o.mu.Unlock()
	if len(ids) == 0 {
		o.log.Debug("no processes for event", logx.String("event", name))
		return nil
	}
	out := make([]TriggerResult, 0, len(ids))
	for _, id := range ids {
		o.log.Info("process triggered", logx.String("process", id), logx.String("event", name))
		res, _ := o.Execute(ctx, id, data)
		out = append(out, TriggerResult{ProcessID: id, Result: res})
	}
	return out
}

// onTrigger runs hooked processes off the publisher's goroutine.
func (o *Orchestrator) onTrigger(_ context.Context, ev events.Event) (any, error) {
	o.mu.Lock()
	ids := append([]string(nil), o.hooks[ev.Name]...)
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}
	o.bg.Go("orchestrator.trigger", func(ctx context.Context) error {
		o.TriggerEvent(ctx, ev.Name, ev.Data)
		return nil
	})
	return map[string]any{"triggered": ids}, nil
}

// RunScheduledProcesses runs every scheduled process that is due and not
// running, in registration order.
func (o *Orchestrator) RunScheduledProcesses(ctx context.Context) map[string]ExecResult {
	o.mu.Lock()
	now := o.now()
	var due []string
	for _, id := range o.order {
		p := o.processes[id]
		if !p.running && p.due(now) {
			due = append(due, id)
		}
	}
	o.mu.Unlock()

	out := make(map[string]ExecResult, len(due))
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		o.log.Debug("running scheduled process", logx.String("process", id))
		res, _ := o.Execute(ctx, id, nil)
		out[id] = res
	}
	return out
}

// Start begins the schedule loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.loop != nil || o.stopped {
		o.mu.Unlock()
		return
	}
	o.loop = rtsup.NewSupervisor(ctx, rtsup.WithLogger(o.log))
	loop, tick := o.loop, o.cfg.ScheduleTick
	o.mu.Unlock()

	loop.GoEvery("orchestrator.schedule", tick, func(ctx context.Context) error {
		o.RunScheduledProcesses(ctx)
		return nil
	})
	o.log.Info("orchestrator started", logx.Duration("tick", tick))
}

// Stop ends the schedule loop and waits for background retries and
// restarts.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	loop := o.loop
	o.loop = nil
	o.mu.Unlock()

	var errs []error
	if loop != nil {
		errs = append(errs, loop.Stop(ctx))
	}
	errs = append(errs, o.bg.Stop(ctx))
	o.log.Info("orchestrator stopped")
	return errors.Join(errs...)
}

// Running reports whether the schedule loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loop != nil
}

// Status returns processes, the running set, history and website updates.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		Running:          o.loop != nil,
		Processes:        make(map[string]ProcessStatus, len(o.processes)),
		RunningProcesses: []string{},
		History:          make(map[string]HistoryEntry, len(o.history)),
		WebsiteUpdates:   append([]WebsiteUpdate(nil), o.updates...),
	}
	for id, p := range o.processes {
		st.Processes[id] = p.status()
		if p.running {
			st.RunningProcesses = append(st.RunningProcesses, id)
		}
	}
	sort.Strings(st.RunningProcesses)
	for k, v := range o.history {
		st.History[k] = v
	}
	return st
}
