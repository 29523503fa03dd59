package app

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gams/internal/config"
	"gams/internal/cycle"
	"gams/internal/events"
	"gams/internal/recovery"
	"gams/internal/revenue/experiment"
	"gams/internal/revenue/optimizer"
	"gams/internal/revenue/rl"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gams.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.NewManager(writeConfig(t, body)).Load()
	require.NoError(t, err)
	return cfg
}

func TestMapConfigDefaults(t *testing.T) {
	cfg := loadConfig(t, `
scheduler:
  max_concurrent_tasks: 3
  tick: 2s
`)
	s, err := mapConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, 3, s.engine.Workers, "engine sized to scheduler concurrency")
	assert.Equal(t, 2*time.Second, s.scheduler.Tick)
	assert.Len(t, s.cycle.Phases, len(cycle.DefaultPhases()))
	assert.False(t, s.storageEnabled)
	assert.False(t, s.alertsEnabled)
	assert.Equal(t, websiteRateCategory, s.orchestrator.RateLimitCategory)
}

func TestMapConfigTaskEngineOverride(t *testing.T) {
	cfg := loadConfig(t, `
scheduler:
  max_concurrent_tasks: 3
task_engine:
  workers: 7
  default_timeout: 30s
`)
	s, err := mapConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 7, s.engine.Workers)
	assert.Equal(t, 30*time.Second, s.engine.DefaultTimeout)
}

func TestMapConfigReportsEveryBadDuration(t *testing.T) {
	cfg := &config.Config{}
	cfg.Revenue.Experiments.MinDuration = "soon"
	cfg.Revenue.Optimizer.OptimizationInterval = "often"

	_, err := mapConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revenue.experiments.min_duration")
	assert.Contains(t, err.Error(), "revenue.optimizer.optimization_interval")
}

func TestMapConfigAlertsToken(t *testing.T) {
	t.Setenv(TelegramTokenEnv, "")
	cfg := &config.Config{Alerts: &config.AlertsConfig{Enabled: true, ChatID: 42}}

	_, err := mapConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), TelegramTokenEnv)

	t.Setenv(TelegramTokenEnv, "123:abc")
	s, err := mapConfig(cfg)
	require.NoError(t, err)
	assert.True(t, s.alertsEnabled)
	assert.Equal(t, "123:abc", s.alerts.Token)
	assert.Equal(t, 10*time.Second, s.alerts.Timeout)
}

func TestMapConfigRLWeightsAndSeed(t *testing.T) {
	cfg := loadConfig(t, `
revenue:
  rl:
    learning_rate: 0.2
    seed: 7
    reward_weights:
      revenue: 0.5
      profit: 0.3
      growth: 0.2
`)
	s, err := mapConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.seed)
	assert.InDelta(t, 0.2, s.rl.LearningRate, 1e-9)
	assert.Equal(t, map[string]float64{"revenue": 0.5, "profit": 0.3, "growth": 0.2}, s.rl.RewardWeights)
}

func TestMapConfigRejectsDuplicatePhases(t *testing.T) {
	cfg := loadConfig(t, `
cycle:
  phases:
    - name: build
      duration: 1h
      tasks: [draft]
    - name: build
      duration: 1h
      tasks: [publish]
`)
	_, err := mapConfig(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, cycle.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "duplicate phase build")
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	path := writeConfig(t, `
logging:
  level: error
  console: false
storage:
  driver: file
  path: `+filepath.Join(dir, "state", "gams.json")+`
scheduler:
  tick: 50ms
revenue:
  rl:
    seed: 1
`)
	a, err := New(path)
	require.NoError(t, err)
	return a
}

func TestStopWithoutStart(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	require.NoError(t, a.Stop(ctx, StopAppStop), "second stop is a no-op")
}

func TestAppLifecycle(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		assert.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	assert.True(t, a.Cycle().Started())
	assert.Equal(t, cycle.DefaultPhases()[0].Name, a.Cycle().CurrentPhase())

	st := a.Status()
	assert.False(t, st.StartedAt.IsZero())
	assert.Contains(t, st.EventNames, EventExperimentResult)
	assert.NotNil(t, st.Supervisor)

	// Metrics reports land in the metrics store and feed the RL state.
	res := a.Events().Publish(ctx, EventMetricsReport, map[string]any{
		"category": "traffic",
		"values":   map[string]any{"visitors": 1200.0},
	}, "test")
	require.Zero(t, res.Failed())
	v, ok := a.Metrics().Latest("traffic", "visitors")
	require.True(t, ok)
	assert.InDelta(t, 1200.0, v, 1e-9)

	res = a.Events().Publish(ctx, EventMetricsReport, map[string]any{
		"category": "traffic",
		"values":   map[string]any{"visitors": math.NaN(), "bounce": math.Inf(1), "sessions": 300.0},
	}, "test")
	require.Zero(t, res.Failed())
	v, _ = a.Metrics().Latest("traffic", "visitors")
	assert.InDelta(t, 1200.0, v, 1e-9)
	_, ok = a.Metrics().Latest("traffic", "bounce")
	assert.False(t, ok)
	res = a.Events().Publish(ctx, EventMetricsReport, map[string]any{
		"category": "traffic",
		"values":   map[string]any{"visitors": math.NaN()},
	}, "test")
	assert.Equal(t, 1, res.Failed())

	// Manual optimization dispatches the action as a revenue_action event.
	var (
		mu    sync.Mutex
		kinds []string
	)
	a.Events().Subscribe(EventRevenueAction, func(_ context.Context, ev events.Event) (any, error) {
		mu.Lock()
		kinds = append(kinds, ev.Data["kind"].(string))
		mu.Unlock()
		return nil, nil
	}, "test.agent")

	out, err := a.Optimizer().ManualOptimization(ctx, rl.Action{rl.DimSEOTactic: "schema_markup"})
	require.NoError(t, err)
	require.NotEmpty(t, out.ExperimentID)
	assert.Equal(t, experiment.ABTest, out.ExperimentType)
	mu.Lock()
	assert.Equal(t, []string{optimizer.KindSEO}, kinds)
	mu.Unlock()

	// Results flow back into the running experiment.
	res = a.Events().Publish(ctx, EventExperimentResult, map[string]any{
		"experiment_id": out.ExperimentID,
		"variant_id":    "variant_1",
		"metrics":       map[string]any{"revenue": 25.0},
	}, "test")
	require.Zero(t, res.Failed())

	bad := a.Events().Publish(ctx, EventExperimentResult, map[string]any{"experiment_id": out.ExperimentID}, "test")
	assert.Equal(t, 1, bad.Failed())
	bad = a.Events().Publish(ctx, EventExperimentResult, map[string]any{
		"experiment_id": out.ExperimentID,
		"variant_id":    "variant_1",
		"metrics":       map[string]any{"revenue": math.NaN()},
	}, "test")
	assert.Equal(t, 1, bad.Failed())

	h := a.Health(ctx)
	assert.Contains(t, h.Components, "task_engine")
	assert.Equal(t, recovery.StatusHealthy, h.Components["task_engine"].Status)
	assert.Contains(t, h.Components, "improvement_cycle")
}

func TestCyclePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
logging:
  console: false
storage:
  driver: file
  path: `+filepath.Join(dir, "gams.json")+`
`)
	run := func(advance bool) string {
		a, err := New(path)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		require.NoError(t, a.Start(ctx))
		if advance {
			_, err := a.Cycle().Advance()
			require.NoError(t, err)
		}
		phase := a.Cycle().CurrentPhase()
		stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
		return phase
	}

	advanced := run(true)
	assert.Equal(t, cycle.DefaultPhases()[1].Name, advanced)
	assert.Equal(t, advanced, run(false), "restart resumes the saved phase")
}
