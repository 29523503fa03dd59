package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"gams/internal/config"
	"gams/internal/cycle"
	"gams/internal/eventbus"
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
	rtsup "gams/internal/runtime/supervisor"
	"gams/internal/storage"
	"gams/internal/task/engine"
	"gams/internal/task/scheduler"
	"gams/internal/website"
	logx "gams/pkg/logx"
)

var errNotStarted = errors.New("app not started")

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	alerts *notify.Service
	bus    eventbus.Bus
	store  storage.Store
	units  *unitControl

	engine   *engine.Service
	sched    *scheduler.Service
	events   *events.Manager
	metrics  *metrics.Service
	limiter  *ratelimit.Limiter
	recovery *recovery.Manager
	website  *website.GitUpdater
	orch     *orchestrator.Orchestrator
	cycle    *cycle.Cycle
	rl       *rl.Engine
	exps     *experiment.Manager
	opt      *optimizer.Optimizer
	ops      *ops.Service

	mu       sync.Mutex
	applied  settings
	started  time.Time
	stopOnce sync.Once
}

// New loads the config at path and builds every component. Nothing runs
// until Start.
func New(path string) (*App, error) {
	cfgm := config.NewManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(s.log, nil)
	log := root.With(logx.Component("app"))
	comp := func(name string) logx.Logger { return root.With(logx.Component(name)) }

	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New(), applied: s}

	if s.alertsEnabled {
		tg, err := telegram.New(s.alerts)
		if err != nil {
			logs.Close()
			return nil, fmt.Errorf("alerts: %w", err)
		}
		a.alerts = notify.New(s.notify, tg, comp("notify"), a.bus)
		logs.SetAlertSender(a.alerts)
	}

	if s.storageEnabled {
		st, err := storage.Open(s.storage, comp("storage"))
		if err != nil {
			logs.Close()
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", s.storage.Driver))
	}

	a.metrics = metrics.New(s.metrics, comp("metrics"))
	a.limiter = ratelimit.New(ratelimit.Limit{}, comp("ratelimit"))
	a.limiter.Apply(s.limits)

	a.engine = engine.New(s.engine, comp("taskengine"), a.bus)
	a.sched = scheduler.New(s.scheduler, a.engine, comp("scheduler"), a.bus)
	a.sched.SetResultHook(a.recordTaskResult)

	a.events = events.New(s.events, comp("events"), a.bus, a.store, a.metrics)
	a.events.RegisterAnalyticsEvents()

	deps := recovery.Deps{Events: a.events, Store: a.store}
	if a.alerts != nil {
		deps.Alerts = a.alerts
	}
	a.recovery = recovery.New(s.recovery, comp("recovery"), deps)
	if len(s.recovery.Units) > 0 {
		a.units = newUnitControl(context.Background(), comp("systemd"))
		a.recovery.SetUnitRestarter(a.units)
		a.units.registerUnitChecks(a.recovery, s.recovery.Units)
	}

	var web orchestrator.WebsiteUpdater
	if len(s.website.Repositories) > 0 {
		a.website = website.New(s.website, comp("website"))
		a.recovery.SetGitRepairer(a.website)
		web = a.website
	}
	a.orch = orchestrator.New(s.orchestrator, comp("orchestrator"), orchestrator.Deps{
		Events:    a.events,
		Scheduler: a.sched,
		Recovery:  a.recovery,
		Website:   web,
		Limiter:   a.limiter,
		Store:     a.store,
		Metrics:   a.metrics,
	})
	a.recovery.SetProcessRestarter(a.orch)
	if err := a.orch.InitializeProcesses(); err != nil {
		log.Warn("website processes incomplete", logx.Err(err))
	}

	if a.cycle, err = cycle.New(s.cycle, comp("cycle"), a.metrics); err != nil {
		a.closeStore()
		logs.Close()
		return nil, err
	}

	var rlOpts []rl.Option
	if s.seed != 0 {
		rlOpts = append(rlOpts, rl.WithRand(rand.New(rand.NewPCG(uint64(s.seed), uint64(s.seed)))))
	}
	a.rl = rl.New(s.rl, comp("rl"), rlOpts...)
	var expOpts []experiment.Option
	if a.store != nil {
		expOpts = append(expOpts, experiment.WithRecorder(a.store))
	}
	a.exps = experiment.New(s.experiments, comp("experiments"), expOpts...)
	a.opt = optimizer.New(s.optimizer, comp("optimizer"), a.rl, a.exps, optimizer.Deps{
		Events:  a.events,
		Limiter: a.limiter,
		Metrics: a.metrics,
	})
	if err := a.registerRevenueIntegrations(); err != nil {
		a.closeStore()
		logs.Close()
		return nil, err
	}
	if err := a.opt.LoadSaved(); err != nil {
		log.Warn("saved revenue model not loaded", logx.Err(err))
	}

	a.registerHealthChecks()
	a.ops = ops.New(s.ops, comp("ops"), a.healthReport, func() any { return a.Status() })
	return a, nil
}

// Done is closed when the app supervisor is canceled by a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Optimizer() *optimizer.Optimizer { return a.opt }

func (a *App) Events() *events.Manager { return a.events }

func (a *App) Metrics() *metrics.Service { return a.metrics }

func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

func (a *App) Recovery() *recovery.Manager { return a.recovery }

func (a *App) Cycle() *cycle.Cycle { return a.cycle }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()
	if a.alerts != nil {
		a.alerts.Start(run)
	}

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	if a.store != nil {
		if err := a.events.LoadHistory(run); err != nil {
			a.log.Warn("event history not restored", logx.Err(err))
		}
	}

	a.engine.Start(run)
	a.sched.Start(run)
	if err := a.scheduleHousekeeping(); err != nil {
		return err
	}
	a.startCycle(run)
	a.orch.Start(run)
	a.recovery.StartMonitoring(run, 0)

	a.mu.Lock()
	s := a.applied
	a.started = time.Now()
	a.mu.Unlock()
	if s.optimizerEnabled {
		a.opt.Start(run)
	}
	a.ops.Start(run)

	evs, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-evs:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Bool("optimizer", s.optimizerEnabled), logx.Int("processes", len(a.orch.Processes())))
	return nil
}

// startCycle resumes a saved cycle or starts at the configured phase.
func (a *App) startCycle(ctx context.Context) {
	if a.store != nil {
		ok, err := a.cycle.LoadState(ctx, a.store)
		if err != nil {
			a.log.Warn("cycle state not restored", logx.Err(err))
		}
		if ok {
			return
		}
	}
	a.mu.Lock()
	initial := a.applied.initialPhase
	a.mu.Unlock()
	a.cycle.Start(initial)
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one component can't stall the whole stop. Stop is safe to call
// on an app that was never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var errs []error
	a.stopOnce.Do(func() { errs = a.stop(ctx, reason) })
	return errors.Join(errs...)
}

func (a *App) stop(ctx context.Context, reason StopReason) []error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(stepCtx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("optimizer", 3*time.Second, func(c context.Context) error {
		if a.opt.Running() || a.opt.Finished() {
			return a.opt.Stop(c)
		}
		return a.opt.SaveIfNeeded(true)
	})
	step("recovery", 2*time.Second, func(c context.Context) error { a.recovery.StopMonitoring(c); return nil })
	step("orchestrator", 3*time.Second, a.orch.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.store != nil {
		// History was only loaded by Start; saving it otherwise would
		// overwrite the stored history.
		if a.sup != nil {
			step("state", 2*time.Second, func(c context.Context) error {
				return errors.Join(a.persistCycle(c), a.events.SaveHistory(c))
			})
		}
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	if a.alerts != nil {
		step("alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	}
	if a.units != nil {
		step("systemd", time.Second, func(context.Context) error { return a.units.Close() })
	}
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errs
}

func (a *App) persistCycle(ctx context.Context) error {
	if !a.cycle.Started() {
		return nil
	}
	return a.cycle.SaveState(ctx, a.store)
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// recordTaskResult feeds scheduled task outcomes into metrics.
func (a *App) recordTaskResult(id string, st scheduler.Status) {
	a.metrics.Record("tasks", id+".status", st.LastStatus)
	if st.LastStatus != scheduler.StatusError || st.LastResult == nil {
		return
	}
	a.metrics.Record("tasks", id+".failures", 1)
	a.log.Debug("scheduled task failed", logx.String("task", id), logx.String("err", st.LastResult.Error))
}
