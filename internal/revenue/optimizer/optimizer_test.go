package optimizer

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gams/internal/events"
	"gams/internal/metrics"
	"gams/internal/ratelimit"
	"gams/internal/revenue/experiment"
	"gams/internal/revenue/rl"
	logx "gams/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type call struct {
	kind, experiment string
	action           rl.Action
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) handler(kind string) ActionHandler {
	return ActionHandlerFunc(func(_ context.Context, a rl.Action, id string) (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, call{kind: kind, experiment: id, action: a})
		return kind + " ok", nil
	})
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c.kind)
	}
	return out
}

type fixture struct {
	o       *Optimizer
	engine  *rl.Engine
	exps    *experiment.Manager
	events  *events.Manager
	metrics *metrics.Service
	clk     *clock
}

func newFixture(t *testing.T, cfg Config, rlCfg rl.Config, limiter *ratelimit.Limiter) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	eng := rl.New(rlCfg, logx.Nop(), rl.WithRand(rand.New(rand.NewPCG(5, 6))), rl.WithClock(clk.now))
	exps := experiment.New(experiment.Config{}, logx.Nop(),
		experiment.WithRand(rand.New(rand.NewPCG(8, 9))), experiment.WithClock(clk.now))
	em := events.New(events.Config{}, logx.Nop(), nil, nil, nil)
	ms := metrics.New(metrics.Config{}, logx.Nop())
	o := New(cfg, logx.Nop(), eng, exps, Deps{Events: em, Limiter: limiter, Metrics: ms})
	o.now = clk.now
	return &fixture{o: o, engine: eng, exps: exps, events: em, metrics: ms, clk: clk}
}

func explore() rl.Config {
	return rl.Config{Exploration: rl.Exploration{InitialEpsilon: 1, MinEpsilon: 1}}
}

func TestExperimentType(t *testing.T) {
	assert.Equal(t, experiment.Multivariate, ExperimentType(rl.Action{"pricing": 1.0, "content_type": "blog"}))
	assert.Equal(t, experiment.Bandit, ExperimentType(rl.Action{"pricing": 1.0}))
	assert.Equal(t, experiment.Bandit, ExperimentType(rl.Action{"ad_spend": 1.0}))
	assert.Equal(t, experiment.ABTest, ExperimentType(rl.Action{"seo_tactic": "technical_seo"}))
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, Config{}, rl.Config{}, nil)
	rec := &recorder{}
	require.NoError(t, f.o.RegisterActionHandler(KindSEO, rec.handler(KindSEO)))
	assert.ErrorIs(t, f.o.RegisterActionHandler("email", rec.handler("email")), ErrUnknownHandlerKind)
	assert.ErrorIs(t, f.o.RegisterActionHandler(KindSEO, nil), ErrNilHandler)
	assert.ErrorIs(t, f.o.RegisterDataSource("traffic", nil), ErrNilHandler)
	require.NoError(t, f.o.RegisterDataSource("traffic", DataSourceFunc(func(context.Context) (map[string]any, error) {
		return nil, nil
	})))
	st := f.o.Status()
	assert.Equal(t, []string{KindSEO}, st.ActionHandlers)
	assert.Equal(t, []string{"traffic"}, st.DataSources)
}

func TestIterate(t *testing.T) {
	f := newFixture(t, Config{}, explore(), nil)
	rec := &recorder{}
	for _, k := range []string{KindContent, KindPricing, KindAdvertising, KindSEO, KindAffiliate} {
		require.NoError(t, f.o.RegisterActionHandler(k, rec.handler(k)))
	}
	collected := 0
	require.NoError(t, f.o.RegisterDataSource("traffic", DataSourceFunc(func(context.Context) (map[string]any, error) {
		collected++
		return map[string]any{"organic": 50.0}, nil
	})))
	require.NoError(t, f.o.RegisterDataSource("broken", DataSourceFunc(func(context.Context) (map[string]any, error) {
		return nil, errors.New("analytics down")
	})))

	res, err := f.o.Iterate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iteration)
	assert.Len(t, res.Action, 5)
	assert.Equal(t, experiment.Multivariate, res.ExperimentType)
	require.NotEmpty(t, res.ExperimentID)
	assert.Equal(t, []string{KindContent, KindPricing, KindAdvertising, KindSEO, KindAffiliate}, rec.kinds())
	for _, h := range res.Handlers {
		assert.Empty(t, h.Error)
		assert.Equal(t, h.Kind+" ok", h.Result)
	}
	assert.Equal(t, res.ExperimentID, rec.calls[0].experiment)
	assert.Equal(t, 50.0, f.engine.State()["traffic"].(map[string]any)["organic"])

	st, _ := f.exps.Status(res.ExperimentID)
	assert.Equal(t, experiment.StatusRunning, st)
	assert.Len(t, f.events.History(EventIteration, 0)[EventIteration], 1)
	assert.Len(t, f.events.History(EventExperimentStarted, 0)[EventExperimentStarted], 1)
	v, ok := f.metrics.Latest("revenue", "iterations")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// The state interval has not elapsed.
	_, err = f.o.Iterate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, collected)
	f.clk.advance(16 * time.Minute)
	_, err = f.o.Iterate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, collected)
	assert.Equal(t, 3, f.o.Status().Iterations)
}

func TestIterateStopsAtMaxIterations(t *testing.T) {
	f := newFixture(t, Config{MaxIterations: 1}, explore(), nil)
	_, err := f.o.Iterate(context.Background())
	require.NoError(t, err)
	_, err = f.o.Iterate(context.Background())
	assert.ErrorIs(t, err, ErrMaxIterations)
}

func TestLoopEndsAtMaxIterations(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{MaxIterations: 2, OptimizationInterval: 10 * time.Millisecond}, explore(), nil)

	f.o.Start(context.Background())
	require.Eventually(t, f.o.Finished, 2*time.Second, 5*time.Millisecond)
	assert.False(t, f.o.Running())
	st := f.o.Status()
	assert.True(t, st.Finished)
	assert.Equal(t, 2, st.Iterations)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.o.Stop(ctx))
	assert.False(t, f.o.Finished())
}

func TestStartResetsIterationCap(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, Config{MaxIterations: 2}, explore(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := f.o.Iterate(ctx)
	require.NoError(t, err)
	_, err = f.o.Iterate(ctx)
	require.NoError(t, err)
	_, err = f.o.Iterate(ctx)
	require.ErrorIs(t, err, ErrMaxIterations)

	// The hourly loop ticks once right away, leaving one iteration.
	f.o.Start(ctx)
	require.Eventually(t, func() bool { return f.o.Status().Iterations == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.o.Stop(ctx))
	f.o.Start(ctx)
	require.Eventually(t, func() bool { return f.o.Status().Iterations == 1 }, 2*time.Second, 5*time.Millisecond)

	res, err := f.o.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iteration)
	require.NoError(t, f.o.Stop(ctx))
}

func TestHandlersAreRateLimited(t *testing.T) {
	lim := ratelimit.New(ratelimit.Limit{}, logx.Nop())
	lim.Configure("revenue_seo", 1, 1)
	f := newFixture(t, Config{}, rl.Config{}, lim)
	rec := &recorder{}
	require.NoError(t, f.o.RegisterActionHandler(KindSEO, rec.handler(KindSEO)))

	action := rl.Action{rl.DimSEOTactic: "backlink_building"}
	first, err := f.o.ManualOptimization(context.Background(), action)
	require.NoError(t, err)
	require.Len(t, first.Handlers, 1)
	assert.Empty(t, first.Handlers[0].Error)

	second, err := f.o.ManualOptimization(context.Background(), action)
	require.NoError(t, err)
	require.Len(t, second.Handlers, 1)
	assert.Contains(t, second.Handlers[0].Error, ratelimit.ErrRateLimited.Error())
	assert.Len(t, rec.kinds(), 1)
}

func TestManualOptimization(t *testing.T) {
	f := newFixture(t, Config{}, rl.Config{}, nil)
	res, err := f.o.ManualOptimization(context.Background(), rl.Action{rl.DimContentType: "video"})
	require.NoError(t, err)
	assert.Equal(t, events.StatusSuccess, res.Status)
	assert.Equal(t, experiment.ABTest, res.ExperimentType)
	assert.NotEmpty(t, res.ExperimentID)

	res, err = f.o.ManualOptimization(context.Background(), nil)
	assert.ErrorIs(t, err, rl.ErrNilAction)
	assert.Equal(t, events.StatusError, res.Status)
}

func TestManualOptimizationRespectsConcurrency(t *testing.T) {
	f := newFixture(t, Config{}, rl.Config{}, nil)
	f.exps.Apply(experiment.Config{MaxConcurrent: 1})
	_, err := f.o.ManualOptimization(context.Background(), rl.Action{rl.DimContentType: "video"})
	require.NoError(t, err)
	res, err := f.o.ManualOptimization(context.Background(), rl.Action{rl.DimContentType: "blog"})
	assert.ErrorIs(t, err, experiment.ErrTooManyActive)
	assert.Equal(t, events.StatusError, res.Status)
}

func TestCheckExperimentsRewardsWinner(t *testing.T) {
	f := newFixture(t, Config{}, rl.Config{}, nil)
	res, err := f.o.ManualOptimization(context.Background(), rl.Action{rl.DimContentType: "video"})
	require.NoError(t, err)
	id := res.ExperimentID
	require.NoError(t, f.exps.Record(id, "control", map[string]float64{"revenue": 10, "profit_margin": 0.2, "conversion_rate": 0.02}))
	require.NoError(t, f.exps.Record(id, "variant_1", map[string]float64{"revenue": 20, "profit_margin": 0.25, "conversion_rate": 0.01}))

	assert.Empty(t, f.o.CheckExperiments(context.Background(), true))
	f.clk.advance(73 * time.Hour)
	done := f.o.CheckExperiments(context.Background(), true)
	assert.Equal(t, []string{id}, done)

	// revenue lift capped at 1, profit lift 0.25, conversion fell.
	m := f.engine.PerformanceMetrics()
	assert.Equal(t, 1, m.TotalRewards)
	assert.InDelta(t, 0.6*1+0.3*0.25, m.AverageReward, 1e-9)
	evs := f.events.History(EventExperimentCompleted, 0)[EventExperimentCompleted]
	require.Len(t, evs, 1)
	assert.Equal(t, "variant_1", evs[0].Data["winner"])
}

func TestCheckExperimentsControlWin(t *testing.T) {
	f := newFixture(t, Config{}, rl.Config{}, nil)
	action := rl.Action{rl.DimContentType: "ebook"}
	res, err := f.o.ManualOptimization(context.Background(), action)
	require.NoError(t, err)
	require.NoError(t, f.exps.Record(res.ExperimentID, "control", map[string]float64{"revenue": 30}))
	require.NoError(t, f.exps.Record(res.ExperimentID, "variant_1", map[string]float64{"revenue": 20}))
	f.clk.advance(73 * time.Hour)
	require.Len(t, f.o.CheckExperiments(context.Background(), true), 1)

	q, ok := f.engine.QValue(f.engine.State(), action)
	require.True(t, ok)
	assert.Zero(t, q)
}

func TestCheckExperimentsUpdatesBandits(t *testing.T) {
	f := newFixture(t, Config{}, rl.Config{}, nil)
	res, err := f.o.ManualOptimization(context.Background(), rl.Action{rl.DimAdSpend: 400.0})
	require.NoError(t, err)
	require.Equal(t, experiment.Bandit, res.ExperimentType)
	for range 20 {
		require.NoError(t, f.exps.Record(res.ExperimentID, "arm_2", map[string]float64{"revenue": 50}))
		require.NoError(t, f.exps.Record(res.ExperimentID, "arm_1", map[string]float64{"revenue": 1}))
	}
	assert.Empty(t, f.o.CheckExperiments(context.Background(), true))
	_, exp := f.exps.Status(res.ExperimentID)
	arm1, _ := exp.Variant("arm_1")
	arm2, _ := exp.Variant("arm_2")
	assert.Greater(t, arm2.Allocation, arm1.Allocation)

	// Checks are rate limited by the interval unless forced.
	f.o.CheckExperiments(context.Background(), true)
	assert.Nil(t, f.o.CheckExperiments(context.Background(), false))
}

func TestRewardOutcome(t *testing.T) {
	exp := experiment.Experiment{
		PrimaryMetric: "revenue",
		Results: &experiment.Results{Variants: map[string]*experiment.VariantResult{
			"control":   {Metrics: map[string]float64{"revenue": 100, "profit_margin": 0, "conversion_rate": 0.1}},
			"variant_1": {Metrics: map[string]float64{"revenue": 150, "profit_margin": 0.005, "conversion_rate": 0.1}},
		}},
	}
	got := rewardOutcome(exp, "variant_1", "control")
	assert.InDelta(t, 0.5, got["revenue"], 1e-9)
	assert.InDelta(t, 0.5, got["profit"], 1e-9)
	assert.Zero(t, got["growth"])
}

func TestSaveAndLoadSaved(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		ModelPath:      filepath.Join(dir, "model", "rl.json.zst"),
		ExperimentPath: filepath.Join(dir, "model", "experiments.json"),
	}
	f := newFixture(t, cfg, rl.Config{}, nil)
	action := rl.Action{rl.DimPricing: 25.0}
	require.NoError(t, f.engine.Update(action, 4, nil))
	_, err := f.o.ManualOptimization(context.Background(), action)
	require.NoError(t, err)
	require.NoError(t, f.o.SaveIfNeeded(false))

	// Within the interval nothing is written.
	require.NoError(t, os.Remove(cfg.ModelPath))
	require.NoError(t, f.o.SaveIfNeeded(false))
	_, err = os.Stat(cfg.ModelPath)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, f.o.SaveIfNeeded(true))

	g := newFixture(t, cfg, rl.Config{}, nil)
	require.NoError(t, g.o.LoadSaved())
	_, ok := g.engine.QValue(f.engine.State(), action)
	assert.True(t, ok)
	assert.Len(t, g.exps.Active(), 1)

	empty := newFixture(t, Config{ModelPath: filepath.Join(dir, "none.json")}, rl.Config{}, nil)
	assert.NoError(t, empty.o.LoadSaved())
}

func TestRevenueInsights(t *testing.T) {
	f := newFixture(t, Config{}, rl.Config{}, nil)
	in := f.o.RevenueInsights()
	require.Len(t, in.Recommendations, 1)
	assert.Equal(t, "general", in.Recommendations[0].Type)

	for i := range 4 {
		require.NoError(t, f.engine.Update(rl.Action{rl.DimPricing: float64(i)}, float64(i), nil))
	}
	res, err := f.o.ManualOptimization(context.Background(), rl.Action{rl.DimSEOTactic: "content_refresh"})
	require.NoError(t, err)
	require.NoError(t, f.exps.Record(res.ExperimentID, "control", map[string]float64{"revenue": 10}))
	require.NoError(t, f.exps.Record(res.ExperimentID, "variant_1", map[string]float64{"revenue": 15}))
	_, err = f.exps.Complete(context.Background(), res.ExperimentID)
	require.NoError(t, err)

	in = f.o.RevenueInsights()
	assert.Equal(t, 1.0, in.ExperimentSuccessRate)
	assert.InDelta(t, 0.5, in.AverageLift, 1e-9)
	require.Len(t, in.Recommendations, 4)
	assert.Equal(t, "implement_action", in.Recommendations[0].Type)
	assert.Equal(t, map[string]any{rl.DimPricing: 3.0}, in.Recommendations[0].Action)
	assert.Equal(t, "experiment_strategy", in.Recommendations[3].Type)
	assert.Contains(t, in.Recommendations[3].Message, experiment.ABTest)
	assert.Len(t, in.TopActions, 5)
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	dir := t.TempDir()
	f := newFixture(t, Config{
		OptimizationInterval: 10 * time.Millisecond,
		ModelPath:            filepath.Join(dir, "rl.json"),
	}, explore(), nil)

	f.o.Start(context.Background())
	assert.True(t, f.o.Running())
	require.Eventually(t, func() bool { return f.o.Status().Iterations >= 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.o.Stop(ctx))
	assert.False(t, f.o.Running())
	_, err := os.Stat(filepath.Join(dir, "rl.json"))
	assert.NoError(t, err)
	assert.NoError(t, f.o.Stop(ctx))
}
