// Package rl is the Q-learning engine behind revenue optimization. It keeps
// a marketing state, picks actions with an exploration strategy and learns
// from weighted revenue, profit and growth rewards.
package rl

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// Exploration strategies. ucb and thompson fall back to the best known
// action.
const (
	EpsilonGreedy = "epsilon_greedy"
	UCB           = "ucb"
	Thompson      = "thompson"
)

// Action dimensions.
const (
	DimContentType     = "content_type"
	DimPricing         = "pricing"
	DimAdSpend         = "ad_spend"
	DimSEOTactic       = "seo_tactic"
	DimAffiliateAction = "affiliate_action"
)

// Action maps dimensions to chosen values.
type Action map[string]any

// Key is the canonical JSON of the action.
func (a Action) Key() string {
	b, _ := json.Marshal(a) // map keys are sorted
	return string(b)
}

// Dimensions lists the action's keys, sorted.
func (a Action) Dimensions() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone copies the action.
func (a Action) Clone() Action {
	out := make(Action, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// ParseAction decodes an action key.
func ParseAction(key string) (Action, error) {
	var a Action
	if err := json.Unmarshal([]byte(key), &a); err != nil {
		return nil, err
	}
	return a, nil
}

// Range is a stepped numeric dimension.
type Range struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
}

func (r Range) values() int {
	if r.Step <= 0 || r.Max < r.Min {
		return 1
	}
	return int(math.Floor((r.Max-r.Min)/r.Step)) + 1
}

type ActionSpace struct {
	ContentTypes     []string
	Pricing          Range
	AdSpend          Range
	SEOTactics       []string
	AffiliateActions []string
}

func DefaultActionSpace() ActionSpace {
	return ActionSpace{
		ContentTypes:     []string{"blog", "video", "infographic", "ebook", "case_study"},
		Pricing:          Range{Min: 0, Max: 1000, Step: 5},
		AdSpend:          Range{Min: 0, Max: 5000, Step: 50},
		SEOTactics:       []string{"keyword_optimization", "backlink_building", "content_refresh", "technical_seo"},
		AffiliateActions: []string{"add", "remove", "replace", "adjust_commission"},
	}
}

type Exploration struct {
	Type           string
	InitialEpsilon float64
	MinEpsilon     float64
	DecayRate      float64
}

type Config struct {
	LearningRate   float64
	DiscountFactor float64
	Exploration    Exploration
	// MaxBudget caps ad_spend.
	MaxBudget     float64
	RewardWeights map[string]float64
	// Penalties are subtracted, scaled by the outcome value, for every
	// named penalty present in an outcome.
	Penalties    map[string]float64
	ActionSpace  ActionSpace
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	if c.DiscountFactor <= 0 {
		c.DiscountFactor = 0.95
	}
	if c.Exploration.Type == "" {
		c.Exploration.Type = EpsilonGreedy
	}
	if c.Exploration.InitialEpsilon <= 0 {
		c.Exploration.InitialEpsilon = 0.3
	}
	if c.Exploration.MinEpsilon <= 0 {
		c.Exploration.MinEpsilon = 0.05
	}
	if c.Exploration.DecayRate <= 0 {
		c.Exploration.DecayRate = 0.001
	}
	if c.MaxBudget <= 0 {
		c.MaxBudget = 10000
	}
	if len(c.RewardWeights) == 0 {
		c.RewardWeights = map[string]float64{"revenue": 0.6, "profit": 0.3, "growth": 0.1}
	}
	if isZeroSpace(c.ActionSpace) {
		c.ActionSpace = DefaultActionSpace()
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	return c
}

func isZeroSpace(s ActionSpace) bool {
	return len(s.ContentTypes) == 0 && len(s.SEOTactics) == 0 && len(s.AffiliateActions) == 0 &&
		s.Pricing == (Range{}) && s.AdSpend == (Range{})
}

// ActionRecord is one selection.
type ActionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	StateKey  string    `json:"state_key"`
	Action    Action    `json:"action"`
	Explored  bool      `json:"explored"`
}

// RewardRecord is one learning step.
type RewardRecord struct {
	Timestamp time.Time          `json:"timestamp"`
	Action    Action             `json:"action"`
	Outcome   map[string]float64 `json:"outcome,omitempty"`
	Reward    float64            `json:"reward"`
}

// Metrics summarises learning progress.
type Metrics struct {
	TotalActions        int     `json:"total_actions"`
	TotalRewards        int     `json:"total_rewards"`
	AverageReward       float64 `json:"average_reward"`
	RecentAverageReward float64 `json:"recent_average_reward"`
	ExplorationRate     float64 `json:"exploration_rate"`
	QTableSize          int     `json:"q_table_size"`
}

// ActionValue is an action with its mean Q value across states.
type ActionValue struct {
	Action        Action  `json:"action"`
	AverageQValue float64 `json:"average_q_value"`
}

// Insights describe the learned policy.
type Insights struct {
	TopActions        []ActionValue                 `json:"top_actions"`
	StateCoverage     int                           `json:"state_coverage"`
	ActionPreferences map[string]map[string]float64 `json:"action_preferences"`
}
