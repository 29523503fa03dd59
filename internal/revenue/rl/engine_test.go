package rl

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	logx "gams/pkg/logx"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	return New(cfg, logx.Nop(), WithRand(rand.New(rand.NewPCG(1, 2))))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 0.01, cfg.LearningRate)
	assert.Equal(t, 0.95, cfg.DiscountFactor)
	assert.Equal(t, EpsilonGreedy, cfg.Exploration.Type)
	assert.Equal(t, 0.3, cfg.Exploration.InitialEpsilon)
	assert.Equal(t, 10000.0, cfg.MaxBudget)
	assert.Equal(t, map[string]float64{"revenue": 0.6, "profit": 0.3, "growth": 0.1}, cfg.RewardWeights)
	assert.Len(t, cfg.ActionSpace.ContentTypes, 5)
	assert.Equal(t, 201, cfg.ActionSpace.Pricing.values())
	assert.Equal(t, 101, cfg.ActionSpace.AdSpend.values())
}

func TestStateKeyRoundsFloatsAndIsOrderIndependent(t *testing.T) {
	a := State{"traffic": map[string]any{"organic": 1.004, "paid": 2.0}, "x": "y"}
	b := State{"x": "y", "traffic": map[string]any{"paid": 2.001, "organic": 1.0}}
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, `{"traffic":{"organic":1,"paid":2},"x":"y"}`, a.Key())
}

func TestUpdateStateDeepMerges(t *testing.T) {
	e := newEngine(t, Config{})
	st := e.UpdateState(map[string]any{
		"traffic":           map[string]any{"organic": 120.0},
		"market_conditions": map[string]any{"trend": 0.2},
		"extra":             map[string]any{"a": 1.0},
	})
	traffic := st["traffic"].(map[string]any)
	assert.Equal(t, 120.0, traffic["organic"])
	assert.Equal(t, 0.0, traffic["paid"])
	mc := st["market_conditions"].(map[string]any)
	assert.Equal(t, 0.5, mc["competition_level"])
	assert.Equal(t, 0.2, mc["trend"])
	assert.Equal(t, map[string]any{"a": 1.0}, st["extra"])

	// Returned state is a copy.
	traffic["organic"] = 1.0
	assert.Equal(t, 120.0, e.State()["traffic"].(map[string]any)["organic"])
}

func TestUpdateStateDropsNonFiniteValues(t *testing.T) {
	e := newEngine(t, Config{})
	e.UpdateState(map[string]any{"traffic": map[string]any{"organic": 12.0}})
	before := e.State().Key()

	st := e.UpdateState(map[string]any{
		"traffic": map[string]any{"organic": math.NaN(), "paid": 3.0},
		"revenue": map[string]any{"total": math.Inf(1)},
	})
	traffic := st["traffic"].(map[string]any)
	assert.Equal(t, 12.0, traffic["organic"])
	assert.Equal(t, 3.0, traffic["paid"])
	assert.Equal(t, 0.0, st["revenue"].(map[string]any)["total"])
	assert.NotEqual(t, before, st.Key())

	require.NoError(t, e.Save(filepath.Join(t.TempDir(), "model.json")))
}

func TestStateKeyKeepsNonFiniteStatesApart(t *testing.T) {
	nan := State{"traffic": map[string]any{"organic": math.NaN()}}
	inf := State{"traffic": map[string]any{"organic": math.Inf(1)}}
	assert.NotEmpty(t, nan.Key())
	assert.NotEqual(t, nan.Key(), inf.Key())
	assert.Equal(t, `{"traffic":{"organic":"+Inf"}}`, inf.Key())
}

func TestSelectActionRandomWithinSpace(t *testing.T) {
	e := newEngine(t, Config{Exploration: Exploration{InitialEpsilon: 1, MinEpsilon: 1, DecayRate: 0.5}})
	sp := DefaultActionSpace()
	for range 50 {
		a := e.SelectAction()
		assert.Contains(t, sp.ContentTypes, a[DimContentType])
		assert.Contains(t, sp.SEOTactics, a[DimSEOTactic])
		assert.Contains(t, sp.AffiliateActions, a[DimAffiliateAction])
		price := a[DimPricing].(float64)
		assert.True(t, price >= 0 && price <= 1000)
		assert.Zero(t, int(price)%5)
		spend := a[DimAdSpend].(float64)
		assert.True(t, spend >= 0 && spend <= 5000)
		assert.Zero(t, int(spend)%50)
	}
	assert.Equal(t, 50, e.PerformanceMetrics().TotalActions)
}

func TestSelectActionDecaysEpsilon(t *testing.T) {
	e := newEngine(t, Config{Exploration: Exploration{InitialEpsilon: 0.3, MinEpsilon: 0.295, DecayRate: 0.01}})
	e.SelectAction()
	assert.InDelta(t, 0.297, e.Epsilon(), 1e-9)
	e.SelectAction()
	assert.InDelta(t, 0.295, e.Epsilon(), 1e-9)
}

func TestSelectActionCapsAdSpend(t *testing.T) {
	e := newEngine(t, Config{
		MaxBudget:   100,
		Exploration: Exploration{Type: UCB},
	})
	for range 20 {
		a := e.SelectAction()
		assert.LessOrEqual(t, a[DimAdSpend].(float64), 100.0)
	}
}

func TestSelectActionExploitsBest(t *testing.T) {
	e := newEngine(t, Config{Exploration: Exploration{Type: Thompson}})
	good := Action{DimContentType: "video", DimPricing: 10.0}
	bad := Action{DimContentType: "blog", DimPricing: 20.0}
	require.NoError(t, e.Update(bad, 1, nil))
	require.NoError(t, e.Update(good, 50, nil))

	got := e.SelectAction()
	if diff := cmp.Diff(good, got); diff != "" {
		t.Fatalf("best action mismatch (-want +got):\n%s", diff)
	}
}

func TestCalculateReward(t *testing.T) {
	e := newEngine(t, Config{Penalties: map[string]float64{"budget_overrun": 2}})
	r := e.CalculateReward(map[string]float64{
		"revenue": 100, "profit": 50, "growth": 10,
		"penalties": 5, "budget_overrun": 3, "ignored": 1000,
	})
	assert.InDelta(t, 60+15+1-5-6, r, 1e-9)
	assert.Zero(t, e.CalculateReward(nil))
}

func TestUpdateQLearning(t *testing.T) {
	e := newEngine(t, Config{LearningRate: 0.5, DiscountFactor: 0.9})
	st := e.State()
	a := Action{DimSEOTactic: "content_refresh"}

	require.NoError(t, e.Update(a, 10, nil))
	q, ok := e.QValue(st, a)
	require.True(t, ok)
	assert.InDelta(t, 5, q, 1e-9)

	// Bootstraps from the best Q of the next state: same state here.
	require.NoError(t, e.Update(a, 10, st))
	q, _ = e.QValue(st, a)
	assert.InDelta(t, 5+0.5*(10+0.9*5-5), q, 1e-9)

	assert.ErrorIs(t, e.Update(nil, 1, nil), ErrNilAction)
	assert.ErrorIs(t, e.Update(a, math.NaN(), nil), ErrNonFiniteReward)
	_, err := e.ReceiveReward(a, map[string]float64{"revenue": math.Inf(-1)})
	assert.ErrorIs(t, err, ErrNonFiniteReward)
	q, _ = e.QValue(st, a)
	assert.InDelta(t, 5+0.5*(10+0.9*5-5), q, 1e-9)
}

func TestUpdateUsesStateOfSelection(t *testing.T) {
	e := newEngine(t, Config{Exploration: Exploration{InitialEpsilon: 1, MinEpsilon: 1}})
	before := e.State()
	a := e.SelectAction()
	e.UpdateState(map[string]any{"traffic": map[string]any{"organic": 999.0}})

	r, err := e.ReceiveReward(a, map[string]float64{"revenue": 10})
	require.NoError(t, err)
	assert.InDelta(t, 6, r, 1e-9)

	_, ok := e.QValue(before, a)
	assert.True(t, ok)
	_, ok = e.QValue(e.State(), a)
	assert.False(t, ok)
}

func TestPerformanceMetrics(t *testing.T) {
	e := newEngine(t, Config{})
	a := Action{DimContentType: "blog"}
	for i := 1; i <= 12; i++ {
		require.NoError(t, e.Update(a, float64(i), nil))
	}
	m := e.PerformanceMetrics()
	assert.Equal(t, 12, m.TotalRewards)
	assert.InDelta(t, 6.5, m.AverageReward, 1e-9)
	assert.InDelta(t, 7.5, m.RecentAverageReward, 1e-9)
	assert.Equal(t, 1, m.QTableSize)
	assert.Equal(t, 0.3, m.ExplorationRate)
}

func TestPolicyInsights(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New(Config{Exploration: Exploration{InitialEpsilon: 1, MinEpsilon: 1}}, logx.Nop(),
		WithRand(rand.New(rand.NewPCG(3, 4))),
		WithClock(func() time.Time { now = now.Add(time.Second); return now }))

	for i := range 7 {
		require.NoError(t, e.Update(Action{DimPricing: float64(i * 5)}, float64(i), nil))
	}
	a := e.SelectAction()
	_, err := e.ReceiveReward(a, map[string]float64{"revenue": 100})
	require.NoError(t, err)

	in := e.PolicyInsights()
	require.Len(t, in.TopActions, 5)
	for i := 1; i < len(in.TopActions); i++ {
		assert.GreaterOrEqual(t, in.TopActions[i-1].AverageQValue, in.TopActions[i].AverageQValue)
	}
	assert.Equal(t, 1, in.StateCoverage)
	assert.InDelta(t, 60, in.ActionPreferences[DimContentType][a[DimContentType].(string)], 1e-9)
	assert.Contains(t, in.ActionPreferences, DimSEOTactic)
	assert.Contains(t, in.ActionPreferences, DimAffiliateAction)
}

func TestSaveLoad(t *testing.T) {
	for _, name := range []string{"model.json", "model.json.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			e := newEngine(t, Config{})
			e.UpdateState(map[string]any{"traffic": map[string]any{"organic": 42.0}})
			a := Action{DimContentType: "ebook", DimAdSpend: 150.0}
			require.NoError(t, e.Update(a, 8, nil))
			require.NoError(t, e.Save(path))

			loaded := newEngine(t, Config{})
			require.NoError(t, loaded.Load(path))
			q, ok := loaded.QValue(e.State(), a)
			require.True(t, ok)
			assert.InDelta(t, 0.08, q, 1e-9)
			assert.Equal(t, 42.0, loaded.State()["traffic"].(map[string]any)["organic"])
			assert.Equal(t, 1, loaded.PerformanceMetrics().TotalRewards)
		})
	}
	assert.Error(t, newEngine(t, Config{}).Load(filepath.Join(t.TempDir(), "missing.json")))
}
