package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gams/internal/events"
	"gams/internal/metrics"
	"gams/internal/ratelimit"
	"gams/internal/revenue/experiment"
	"gams/internal/revenue/rl"
	rtsup "gams/internal/runtime/supervisor"
	"gams/pkg/jsonfile"
	logx "gams/pkg/logx"
)

// Deps are optional collaborators.
type Deps struct {
	Events  *events.Manager
	Limiter *ratelimit.Limiter
	Metrics *metrics.Service
}

type Optimizer struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	engine   *rl.Engine
	exps     *experiment.Manager
	deps     Deps
	sources  map[string]DataSource
	handlers map[string]ActionHandler
	now      func() time.Time

	iterations    int
	lastState     time.Time
	lastCheck     time.Time
	lastSave      time.Time
	loop          *rtsup.Supervisor
	ended         *rtsup.Supervisor
	maxIterWarned bool
}

func New(cfg Config, log logx.Logger, engine *rl.Engine, exps *experiment.Manager, deps Deps) *Optimizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Optimizer{
		cfg:      cfg.withDefaults(),
		log:      log,
		engine:   engine,
		exps:     exps,
		deps:     deps,
		sources:  map[string]DataSource{},
		handlers: map[string]ActionHandler{},
		now:      time.Now,
	}
}

// Apply swaps intervals and paths. Running loops pick new intervals up on
// the next Start.
func (o *Optimizer) Apply(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *Optimizer) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// RegisterDataSource adds or replaces the source for state section name.
func (o *Optimizer) RegisterDataSource(name string, src DataSource) error {
	if src == nil {
		return ErrNilHandler
	}
	o.mu.Lock()
	_, replaced := o.sources[name]
	o.sources[name] = src
	o.mu.Unlock()
	if replaced {
		o.log.Warn("overwriting data source", logx.String("source", name))
	} else {
		o.log.Info("data source registered", logx.String("source", name))
	}
	return nil
}

// RegisterActionHandler adds or replaces the handler for kind.
func (o *Optimizer) RegisterActionHandler(kind string, h ActionHandler) error {
	if h == nil {
		return ErrNilHandler
	}
	known := false
	for _, dk := range dimensionKinds {
		known = known || dk.kind == kind
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownHandlerKind, kind)
	}
	o.mu.Lock()
	_, replaced := o.handlers[kind]
	o.handlers[kind] = h
	o.mu.Unlock()
	if replaced {
		o.log.Warn("overwriting action handler", logx.String("kind", kind))
	} else {
		o.log.Info("action handler registered", logx.String("kind", kind))
	}
	return nil
}

// UpdateState collects every data source into the RL state when the state
// interval elapsed or force is set. Failing sources are skipped.
func (o *Optimizer) UpdateState(ctx context.Context, force bool) bool {
	o.mu.Lock()
	now := o.now()
	if !force && !o.lastState.IsZero() && now.Sub(o.lastState) < o.cfg.StateUpdateInterval {
		o.mu.Unlock()
		return false
	}
	names := make([]string, 0, len(o.sources))
	for name := range o.sources {
		names = append(names, name)
	}
	sources := make(map[string]DataSource, len(o.sources))
	for k, v := range o.sources {
		sources[k] = v
	}
	o.mu.Unlock()
	sort.Strings(names)

	data := map[string]any{}
	for _, name := range names {
		d, err := sources[name].Collect(ctx)
		if err != nil {
			o.log.Error("data source failed", logx.String("source", name), logx.Err(err))
			continue
		}
		if len(d) > 0 {
			data[name] = d
		}
	}
	if len(data) == 0 {
		return false
	}
	o.engine.UpdateState(data)
	o.mu.Lock()
	o.lastState = now
	o.mu.Unlock()
	o.log.Info("state updated from data sources", logx.Int("sources", len(data)))
	return true
}

// ExperimentType picks the experiment for action: several dimensions get a
// multivariate test, a single price or budget change a bandit, anything
// else an A/B test.
func ExperimentType(action rl.Action) string {
	switch {
	case len(action) > 1:
		return experiment.Multivariate
	case action[rl.DimPricing] != nil || action[rl.DimAdSpend] != nil:
		return experiment.Bandit
	default:
		return experiment.ABTest
	}
}

// Iterate runs one optimization pass.
func (o *Optimizer) Iterate(ctx context.Context) (IterationResult, error) {
	o.mu.Lock()
	if o.iterations >= o.cfg.MaxIterations {
		warned := o.maxIterWarned
		o.maxIterWarned = true
		o.mu.Unlock()
		if !warned {
			o.log.Warn("max optimization iterations reached", logx.Int("max", o.cfg.MaxIterations))
		}
		return IterationResult{}, ErrMaxIterations
	}
	o.iterations++
	res := IterationResult{Iteration: o.iterations}
	o.mu.Unlock()

	o.UpdateState(ctx, false)
	res.Action = o.engine.SelectAction()
	res.ExperimentType = ExperimentType(res.Action)

	id, err := o.launch(ctx, res.Action, res.ExperimentType, experiment.UrgencyNormal)
	if err != nil {
		o.log.Warn("experiment not started", logx.Int("iteration", res.Iteration), logx.Err(err))
	} else {
		res.ExperimentID = id
		res.Handlers = o.execute(ctx, res.Action, id)
	}
	res.Completed = o.CheckExperiments(ctx, false)
	o.SaveIfNeeded(false)

	o.deps.Metrics.Record("revenue", "iterations", res.Iteration)
	o.publish(ctx, EventIteration, map[string]any{
		"iteration":       res.Iteration,
		"action":          map[string]any(res.Action),
		"experiment_id":   res.ExperimentID,
		"experiment_type": res.ExperimentType,
		"completed":       res.Completed,
	})
	o.log.Info("optimization iteration complete",
		logx.Int("iteration", res.Iteration),
		logx.String("experiment_type", res.ExperimentType),
		logx.Int("completed", len(res.Completed)))
	return res, err
}

// launch designs and starts an experiment for action.
func (o *Optimizer) launch(ctx context.Context, action rl.Action, typ, urgency string) (string, error) {
	designed := o.exps.Design(action, typ, urgency)
	exp, err := o.exps.Start(designed.ID)
	if err != nil {
		return "", err
	}
	o.publish(ctx, EventExperimentStarted, map[string]any{
		"experiment_id": exp.ID,
		"type":          exp.Type,
		"variants":      len(exp.Variants),
		"end_time":      exp.EndTime,
	})
	return exp.ID, nil
}

// execute runs every registered handler whose dimension the action sets.
// Handlers run under their kind's rate limit; failures are logged and
// reported.
func (o *Optimizer) execute(ctx context.Context, action rl.Action, experimentID string) []HandlerOutcome {
	o.mu.Lock()
	prefix := o.cfg.RateLimitPrefix
	type job struct {
		kind string
		h    ActionHandler
	}
	var jobs []job
	for _, dk := range dimensionKinds {
		if _, set := action[dk.dim]; !set {
			continue
		}
		if h := o.handlers[dk.kind]; h != nil {
			jobs = append(jobs, job{dk.kind, h})
		}
	}
	o.mu.Unlock()

	out := make([]HandlerOutcome, 0, len(jobs))
	for _, j := range jobs {
		oc := HandlerOutcome{Kind: j.kind}
		run := func(ctx context.Context) error {
			v, err := j.h.Execute(ctx, action.Clone(), experimentID)
			oc.Result = v
			return err
		}
		var err error
		if o.deps.Limiter != nil {
			err = o.deps.Limiter.Execute(ctx, prefix+j.kind, run)
		} else {
			err = run(ctx)
		}
		if err != nil {
			oc.Error = err.Error()
			o.log.Error("action handler failed", logx.String("kind", j.kind), logx.String("experiment", experimentID), logx.Err(err))
		} else {
			o.log.Info("action executed", logx.String("kind", j.kind), logx.String("experiment", experimentID))
		}
		out = append(out, oc)
	}
	return out
}

// CheckExperiments completes finished experiments, feeding their reward to
// the RL engine, and re-allocates running bandits. It returns the ids of
// completed experiments.
func (o *Optimizer) CheckExperiments(ctx context.Context, force bool) []string {
	o.mu.Lock()
	now := o.now()
	if !force && !o.lastCheck.IsZero() && now.Sub(o.lastCheck) < o.cfg.ExperimentCheckInterval {
		o.mu.Unlock()
		return nil
	}
	o.lastCheck = now
	o.mu.Unlock()

	var done []string
	for _, exp := range o.exps.Active() {
		finished, err := o.exps.CheckCompletion(exp.ID)
		if err != nil {
			continue
		}
		if !finished {
			if exp.Type == experiment.Bandit {
				if _, err := o.exps.UpdateAllocations(exp.ID); err != nil {
					o.log.Warn("bandit allocation update failed", logx.String("experiment", exp.ID), logx.Err(err))
				}
			}
			continue
		}
		completed, err := o.exps.Complete(ctx, exp.ID)
		if err != nil {
			continue
		}
		done = append(done, completed.ID)
		o.learn(ctx, completed)
	}
	o.log.Debug("experiments checked", logx.Int("completed", len(done)))
	return done
}

// learn rewards the RL engine with the outcome of a completed experiment.
// A control win credits the tested action with zero reward.
func (o *Optimizer) learn(ctx context.Context, exp experiment.Experiment) {
	an := exp.Analysis
	if an == nil || an.Winner == "" {
		o.log.Warn("experiment has no winner", logx.String("experiment", exp.ID))
		return
	}
	action := rl.Action(exp.Action)
	outcome := map[string]float64{"revenue": 0, "profit": 0, "growth": 0}
	if an.Winner != an.Control {
		w, _ := exp.Variant(an.Winner)
		action = rl.Action(w.Action)
		outcome = rewardOutcome(exp, an.Winner, an.Control)
	}
	reward, err := o.engine.ReceiveReward(action, outcome)
	if err != nil {
		o.log.Warn("reward not applied", logx.String("experiment", exp.ID), logx.Err(err))
	}
	o.deps.Metrics.Record("revenue", "reward", reward)
	o.publish(ctx, EventExperimentCompleted, map[string]any{
		"experiment_id": exp.ID,
		"type":          exp.Type,
		"winner":        an.Winner,
		"significant":   an.Significant,
		"lift":          an.Lift,
		"reward":        reward,
	})
	o.log.Info("experiment results processed", logx.String("experiment", exp.ID),
		logx.String("winner", an.Winner), logx.Float64("reward", reward))
}

// rewardOutcome turns winner-over-control lifts into reward components,
// each capped at 1.
func rewardOutcome(exp experiment.Experiment, winner, control string) map[string]float64 {
	out := map[string]float64{}
	wr, cr := exp.Results.Variants[winner], exp.Results.Variants[control]
	if wr == nil || cr == nil {
		return out
	}
	lift := func(metric string, floor bool) (float64, bool) {
		w, wok := wr.Metrics[metric]
		c, cok := cr.Metrics[metric]
		if !wok || !cok {
			return 0, false
		}
		if w <= c {
			return 0, true
		}
		den := c
		if floor {
			den = max(0.01, c)
		}
		return min(1, (w-c)/den), true
	}
	if v, ok := lift(exp.PrimaryMetric, false); ok {
		out["revenue"] = v
	}
	if v, ok := lift("profit_margin", true); ok {
		out["profit"] = v
	}
	if v, ok := lift("conversion_rate", true); ok {
		out["growth"] = v
	}
	return out
}

// SaveIfNeeded saves the model and experiments when the save interval
// elapsed or force is set.
func (o *Optimizer) SaveIfNeeded(force bool) error {
	o.mu.Lock()
	now := o.now()
	if !force && !o.lastSave.IsZero() && now.Sub(o.lastSave) < o.cfg.ModelSaveInterval {
		o.mu.Unlock()
		return nil
	}
	model, exps := o.cfg.ModelPath, o.cfg.ExperimentPath
	o.lastSave = now
	o.mu.Unlock()

	var errs []error
	if model != "" {
		errs = append(errs, o.engine.Save(model))
	}
	if exps != "" {
		errs = append(errs, o.exps.Save(exps))
	}
	err := errors.Join(errs...)
	if err != nil {
		o.log.Error("model save failed", logx.Err(err))
	}
	return err
}

// LoadSaved restores the model and experiments saved by SaveIfNeeded.
// Missing files are not an error.
func (o *Optimizer) LoadSaved() error {
	cfg := o.Config()
	var errs []error
	if cfg.ModelPath != "" {
		if err := o.engine.Load(cfg.ModelPath); err != nil && !jsonfile.NotExist(err) {
			errs = append(errs, err)
		}
	}
	if cfg.ExperimentPath != "" {
		if err := o.exps.Load(cfg.ExperimentPath); err != nil && !jsonfile.NotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ManualOptimization experiments with a caller-chosen action right away.
func (o *Optimizer) ManualOptimization(ctx context.Context, action rl.Action) (ManualResult, error) {
	res := ManualResult{Action: action, ExperimentType: ExperimentType(action)}
	if len(action) == 0 {
		res.Status, res.Message = events.StatusError, rl.ErrNilAction.Error()
		return res, rl.ErrNilAction
	}
	o.UpdateState(ctx, false)
	id, err := o.launch(ctx, action, res.ExperimentType, experiment.UrgencyNormal)
	if err != nil {
		res.Status = events.StatusError
		res.Message = "manual optimization failed: " + err.Error()
		o.log.Error("manual optimization failed", logx.Err(err))
		return res, err
	}
	res.ExperimentID = id
	res.Handlers = o.execute(ctx, action, id)
	res.Status = events.StatusSuccess
	res.Message = "manual optimization action executed"
	o.log.Info("manual optimization executed", logx.String("experiment", id), logx.String("type", res.ExperimentType))
	return res, nil
}

// Start runs the optimization, state, experiment and save loops until Stop
// or ctx is done.
func (o *Optimizer) Start(ctx context.Context) {
	o.mu.Lock()
	if o.loop != nil {
		o.mu.Unlock()
		return
	}
	loop := rtsup.NewSupervisor(ctx, rtsup.WithLogger(o.log))
	o.loop = loop
	o.ended = nil
	o.iterations = 0
	o.maxIterWarned = false
	cfg := o.cfg
	o.mu.Unlock()

	loop.GoEvery("optimizer.iterate", cfg.OptimizationInterval, func(ctx context.Context) error {
		res, err := o.Iterate(ctx)
		if errors.Is(err, ErrMaxIterations) || (res.Iteration > 0 && res.Iteration >= o.Config().MaxIterations) {
			o.finish(loop)
			return nil
		}
		if errors.Is(err, experiment.ErrTooManyActive) {
			return nil
		}
		return err
	}, rtsup.WithErrorBackoff(time.Minute))
	loop.GoEvery("optimizer.state", cfg.StateUpdateInterval, func(ctx context.Context) error {
		o.UpdateState(ctx, false)
		return nil
	}, rtsup.WithoutImmediateTick())
	loop.GoEvery("optimizer.experiments", cfg.ExperimentCheckInterval, func(ctx context.Context) error {
		o.CheckExperiments(ctx, false)
		return nil
	}, rtsup.WithoutImmediateTick())
	loop.GoEvery("optimizer.save", cfg.ModelSaveInterval, func(context.Context) error {
		return o.SaveIfNeeded(false)
	}, rtsup.WithoutImmediateTick())
	o.log.Info("revenue optimizer started", logx.Duration("interval", cfg.OptimizationInterval))
}

// finish ends loop once the iteration cap is reached. The next Start
// begins a fresh run.
func (o *Optimizer) finish(loop *rtsup.Supervisor) {
	o.mu.Lock()
	if o.loop != loop {
		o.mu.Unlock()
		return
	}
	o.loop = nil
	o.ended = loop
	n := o.iterations
	o.mu.Unlock()

	loop.Cancel()
	_ = o.SaveIfNeeded(true)
	o.log.Info("revenue optimizer finished", logx.Int("iterations", n))
}

// Stop ends the loops and saves the model.
func (o *Optimizer) Stop(ctx context.Context) error {
	o.mu.Lock()
	loop, ended := o.loop, o.ended
	o.loop, o.ended = nil, nil
	o.mu.Unlock()
	if loop == nil {
		if ended != nil {
			return ended.Wait(ctx)
		}
		return nil
	}
	err := loop.Stop(ctx)
	err = errors.Join(err, o.SaveIfNeeded(true))
	o.log.Info("revenue optimizer stopped")
	return err
}

func (o *Optimizer) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loop != nil
}

// Finished reports whether the last run ended at the iteration cap.
func (o *Optimizer) Finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ended != nil
}

func (o *Optimizer) publish(ctx context.Context, name string, data map[string]any) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Publish(ctx, name, data, publisherID)
}
