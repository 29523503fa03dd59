package rl

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	logx "gams/pkg/logx"
)

var (
	ErrNilAction       = errors.New("rl: action required")
	ErrNonFiniteReward = errors.New("rl: reward is not a finite number")
)

type Option func(*Engine)

// WithRand replaces the random source.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	rng     *rand.Rand
	now     func() time.Time
	state   State
	epsilon float64
	qtable  map[string]map[string]float64
	// decided maps an action key to the state key it was chosen in.
	decided map[string]string
	actions []ActionRecord
	rewards []RewardRecord
}

func New(cfg Config, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		state:   InitialState(),
		epsilon: cfg.Exploration.InitialEpsilon,
		qtable:  map[string]map[string]float64{},
		decided: map[string]string{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return e
}

// Apply swaps hyperparameters. The learned table and current epsilon are
// kept.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	e.epsilon = max(e.epsilon, cfg.Exploration.MinEpsilon)
	e.mu.Unlock()
}

// UpdateState deep-merges partial into the current state and returns a copy
// of the result.
func (e *Engine) UpdateState(partial map[string]any) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	merge(e.state, partial)
	e.log.Debug("state updated", logx.Int("sections", len(partial)))
	return cloneState(e.state)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneState(e.state)
}

func (e *Engine) Epsilon() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epsilon
}

// SelectAction picks the next action for the current state.
func (e *Engine) SelectAction() Action {
	e.mu.Lock()
	defer e.mu.Unlock()

	stateKey := e.state.Key()
	var (
		action   Action
		explored bool
	)
	switch e.cfg.Exploration.Type {
	case EpsilonGreedy:
		if e.rng.Float64() < e.epsilon {
			action, explored = e.randomActionLocked(), true
			e.log.Debug("exploring", logx.Float64("epsilon", e.epsilon))
		} else {
			action, explored = e.bestActionLocked(stateKey)
		}
		e.epsilon = max(e.cfg.Exploration.MinEpsilon, e.epsilon*(1-e.cfg.Exploration.DecayRate))
	case UCB, Thompson:
		action, explored = e.bestActionLocked(stateKey)
	default:
		action, explored = e.randomActionLocked(), true
	}
	action = e.constrainLocked(action)

	if len(e.decided) >= e.cfg.HistoryLimit {
		clear(e.decided)
	}
	e.decided[action.Key()] = stateKey
	e.actions = appendCapped(e.actions, ActionRecord{
		Timestamp: e.now(), StateKey: stateKey, Action: action.Clone(), Explored: explored,
	}, e.cfg.HistoryLimit)
	return action
}

// bestActionLocked returns the argmax action for stateKey, or a random one
// when the state is unseen. The bool reports the random fallback.
func (e *Engine) bestActionLocked(stateKey string) (Action, bool) {
	qs := e.qtable[stateKey]
	if len(qs) == 0 {
		return e.randomActionLocked(), true
	}
	keys := make([]string, 0, len(qs))
	for k := range qs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := keys[0]
	for _, k := range keys[1:] {
		if qs[k] > qs[best] {
			best = k
		}
	}
	a, err := ParseAction(best)
	if err != nil {
		e.log.Error("unparseable action key", logx.String("key", best), logx.Err(err))
		return e.randomActionLocked(), true
	}
	return a, false
}

func (e *Engine) randomActionLocked() Action {
	sp := e.cfg.ActionSpace
	a := Action{}
	if len(sp.ContentTypes) > 0 {
		a[DimContentType] = sp.ContentTypes[e.rng.IntN(len(sp.ContentTypes))]
	}
	if sp.Pricing != (Range{}) {
		a[DimPricing] = e.pick(sp.Pricing)
	}
	if sp.AdSpend != (Range{}) {
		a[DimAdSpend] = e.pick(sp.AdSpend)
	}
	if len(sp.SEOTactics) > 0 {
		a[DimSEOTactic] = sp.SEOTactics[e.rng.IntN(len(sp.SEOTactics))]
	}
	if len(sp.AffiliateActions) > 0 {
		a[DimAffiliateAction] = sp.AffiliateActions[e.rng.IntN(len(sp.AffiliateActions))]
	}
	return a
}

func (e *Engine) pick(r Range) float64 {
	n := r.values()
	if n <= 1 {
		return r.Min
	}
	return r.Min + float64(e.rng.IntN(n))*r.Step
}

func (e *Engine) constrainLocked(a Action) Action {
	out := a.Clone()
	if v, ok := out[DimAdSpend].(float64); ok && v > e.cfg.MaxBudget {
		out[DimAdSpend] = e.cfg.MaxBudget
	}
	return out
}

// CalculateReward weighs an outcome. Unknown keys contribute nothing.
func (e *Engine) CalculateReward(outcome map[string]float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rewardLocked(outcome)
}

func (e *Engine) rewardLocked(outcome map[string]float64) float64 {
	var r float64
	for name, w := range e.cfg.RewardWeights {
		if v, ok := outcome[name]; ok {
			r += v * w
		}
	}
	r -= outcome["penalties"]
	for name, w := range e.cfg.Penalties {
		if v, ok := outcome[name]; ok {
			r -= v * w
		}
	}
	return r
}

// Update applies one Q-learning step for action. With a next state the
// target bootstraps from its best Q value.
func (e *Engine) Update(action Action, reward float64, next State) error {
	if len(action) == 0 {
		return ErrNilAction
	}
	if !finite(reward) {
		return ErrNonFiniteReward
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updateLocked(action, reward, next, nil)
	return nil
}

// ReceiveReward computes the reward for outcome and learns from it.
func (e *Engine) ReceiveReward(action Action, outcome map[string]float64) (float64, error) {
	if len(action) == 0 {
		return 0, ErrNilAction
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.rewardLocked(outcome)
	if !finite(r) {
		return 0, ErrNonFiniteReward
	}
	e.updateLocked(action, r, nil, outcome)
	return r, nil
}

func (e *Engine) updateLocked(action Action, reward float64, next State, outcome map[string]float64) {
	ak := action.Key()
	sk, ok := e.decided[ak]
	if ok {
		delete(e.decided, ak)
	} else {
		sk = e.state.Key()
	}
	qs := e.qtable[sk]
	if qs == nil {
		qs = map[string]float64{}
		e.qtable[sk] = qs
	}
	q := qs[ak]
	target := reward
	if next != nil {
		target += e.cfg.DiscountFactor * maxQ(e.qtable[next.Key()])
	}
	qs[ak] = q + e.cfg.LearningRate*(target-q)

	e.rewards = appendCapped(e.rewards, RewardRecord{
		Timestamp: e.now(), Action: action.Clone(), Outcome: outcome, Reward: reward,
	}, e.cfg.HistoryLimit)
	e.log.Debug("q value updated", logx.Float64("reward", reward), logx.Float64("q", qs[ak]))
}

func maxQ(qs map[string]float64) float64 {
	if len(qs) == 0 {
		return 0
	}
	best := math.Inf(-1)
	for _, v := range qs {
		best = max(best, v)
	}
	return best
}

// QValue returns Q(state, action) and whether it was ever updated.
func (e *Engine) QValue(state State, action Action) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.qtable[state.Key()][action.Key()]
	return v, ok
}

func (e *Engine) PerformanceMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := Metrics{
		TotalActions:    len(e.actions),
		TotalRewards:    len(e.rewards),
		ExplorationRate: e.epsilon,
		QTableSize:      len(e.qtable),
	}
	if len(e.rewards) == 0 {
		return m
	}
	m.AverageReward = meanReward(e.rewards)
	m.RecentAverageReward = meanReward(e.rewards[max(0, len(e.rewards)-10):])
	return m
}

func meanReward(rs []RewardRecord) float64 {
	var sum float64
	for _, r := range rs {
		sum += r.Reward
	}
	return sum / float64(len(rs))
}

// PolicyInsights ranks learned actions and credits every chosen dimension
// value with the first reward recorded at or after its selection.
func (e *Engine) PolicyInsights() Insights {
	e.mu.Lock()
	defer e.mu.Unlock()

	sums := map[string][2]float64{}
	for _, qs := range e.qtable {
		for ak, q := range qs {
			s := sums[ak]
			sums[ak] = [2]float64{s[0] + q, s[1] + 1}
		}
	}
	ranked := make([]ActionValue, 0, len(sums))
	for ak, s := range sums {
		a, err := ParseAction(ak)
		if err != nil {
			continue
		}
		ranked = append(ranked, ActionValue{Action: a, AverageQValue: s[0] / s[1]})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].AverageQValue != ranked[j].AverageQValue {
			return ranked[i].AverageQValue > ranked[j].AverageQValue
		}
		return ranked[i].Action.Key() < ranked[j].Action.Key()
	})
	if len(ranked) > 5 {
		ranked = ranked[:5]
	}

	prefs := map[string]map[string]float64{}
	for _, dim := range []string{DimContentType, DimSEOTactic, DimAffiliateAction} {
		total, count := map[string]float64{}, map[string]int{}
		for _, rec := range e.actions {
			v, ok := rec.Action[dim]
			if !ok {
				continue
			}
			name := fmt.Sprint(v)
			for _, rw := range e.rewards {
				if !rw.Timestamp.Before(rec.Timestamp) {
					total[name] += rw.Reward
					count[name]++
					break
				}
			}
		}
		avg := map[string]float64{}
		for name, n := range count {
			avg[name] = total[name] / float64(n)
		}
		prefs[dim] = avg
	}
	return Insights{TopActions: ranked, StateCoverage: len(e.qtable), ActionPreferences: prefs}
}

func appendCapped[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; limit > 0 && over > 0 {
		s = append(s[:0:0], s[over:]...)
	}
	return s
}
