// Package optimizer runs the continuous revenue optimization loop: it feeds
// data sources into the RL engine, turns selected actions into experiments,
// executes them through action handlers and learns from finished
// experiments.
package optimizer

import (
	"context"
	"errors"
	"time"

	"gams/internal/revenue/experiment"
	"gams/internal/revenue/rl"
)

var (
	ErrUnknownHandlerKind = errors.New("optimizer: unknown action handler kind")
	ErrNilHandler         = errors.New("optimizer: nil handler")
	ErrMaxIterations      = errors.New("optimizer: max iterations reached")
)

// Action handler kinds.
const (
	KindContent     = "content"
	KindPricing     = "pricing"
	KindAdvertising = "advertising"
	KindSEO         = "seo"
	KindAffiliate   = "affiliate"
)

// Published event names.
const (
	EventIteration           = "revenue_optimization_iteration"
	EventExperimentStarted   = "experiment_started"
	EventExperimentCompleted = "experiment_completed"
)

const publisherID = "revenue_optimizer"

// dimensionKinds maps action dimensions to handler kinds, in execution
// order.
var dimensionKinds = []struct{ dim, kind string }{
	{rl.DimContentType, KindContent},
	{rl.DimPricing, KindPricing},
	{rl.DimAdSpend, KindAdvertising},
	{rl.DimSEOTactic, KindSEO},
	{rl.DimAffiliateAction, KindAffiliate},
}

// DataSource supplies one top-level section of the RL state.
type DataSource interface {
	Collect(ctx context.Context) (map[string]any, error)
}

type DataSourceFunc func(ctx context.Context) (map[string]any, error)

func (f DataSourceFunc) Collect(ctx context.Context) (map[string]any, error) { return f(ctx) }

// ActionHandler applies an action in the outside world.
type ActionHandler interface {
	Execute(ctx context.Context, action rl.Action, experimentID string) (any, error)
}

type ActionHandlerFunc func(ctx context.Context, action rl.Action, experimentID string) (any, error)

func (f ActionHandlerFunc) Execute(ctx context.Context, action rl.Action, experimentID string) (any, error) {
	return f(ctx, action, experimentID)
}

type Config struct {
	OptimizationInterval    time.Duration
	StateUpdateInterval     time.Duration
	ExperimentCheckInterval time.Duration
	ModelSaveInterval       time.Duration
	MaxIterations           int
	// ModelPath and ExperimentPath are where the RL model and experiments
	// are saved. Empty disables saving. A .zst suffix compresses.
	ModelPath      string
	ExperimentPath string
	// RateLimitPrefix prefixes handler kinds to form rate limit categories.
	RateLimitPrefix string
}

func (c Config) withDefaults() Config {
	if c.OptimizationInterval <= 0 {
		c.OptimizationInterval = time.Hour
	}
	if c.StateUpdateInterval <= 0 {
		c.StateUpdateInterval = 15 * time.Minute
	}
	if c.ExperimentCheckInterval <= 0 {
		c.ExperimentCheckInterval = 30 * time.Minute
	}
	if c.ModelSaveInterval <= 0 {
		c.ModelSaveInterval = 24 * time.Hour
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 1000
	}
	if c.RateLimitPrefix == "" {
		c.RateLimitPrefix = "revenue_"
	}
	return c
}

// HandlerOutcome is the result of one action handler.
type HandlerOutcome struct {
	Kind   string `json:"kind"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IterationResult describes one pass of the optimization loop.
type IterationResult struct {
	Iteration      int              `json:"iteration"`
	Action         rl.Action        `json:"action"`
	ExperimentID   string           `json:"experiment_id,omitempty"`
	ExperimentType string           `json:"experiment_type"`
	Handlers       []HandlerOutcome `json:"handlers,omitempty"`
	Completed      []string         `json:"completed_experiments,omitempty"`
}

// ManualResult is the outcome of ManualOptimization.
type ManualResult struct {
	Status         string           `json:"status"`
	Message        string           `json:"message"`
	ExperimentID   string           `json:"experiment_id,omitempty"`
	ExperimentType string           `json:"experiment_type"`
	Action         rl.Action        `json:"action"`
	Handlers       []HandlerOutcome `json:"handlers,omitempty"`
}

type Status struct {
	Running              bool                `json:"running"`
	Finished             bool                `json:"finished"`
	Iterations           int                 `json:"iterations"`
	LastStateUpdate      time.Time           `json:"last_state_update,omitzero"`
	LastExperimentCheck  time.Time           `json:"last_experiment_check,omitzero"`
	LastModelSave        time.Time           `json:"last_model_save,omitzero"`
	ActiveExperiments    int                 `json:"active_experiments"`
	CompletedExperiments int                 `json:"completed_experiments"`
	DataSources          []string            `json:"data_sources"`
	ActionHandlers       []string            `json:"action_handlers"`
	RLPerformance        rl.Metrics          `json:"rl_performance"`
	ExperimentInsights   experiment.Insights `json:"experiment_insights"`
}

// TopAction is an action ranked either by the RL policy or by experiment
// wins.
type TopAction struct {
	Action        map[string]any `json:"action"`
	AverageQValue float64        `json:"average_q_value,omitempty"`
	Wins          int            `json:"wins,omitempty"`
	AverageLift   float64        `json:"average_lift,omitempty"`
}

type Recommendation struct {
	Type     string         `json:"type"`
	Priority int            `json:"priority"`
	Message  string         `json:"message"`
	Action   map[string]any `json:"action,omitempty"`
}

type Insights struct {
	TopActions            []TopAction      `json:"top_actions"`
	ExperimentSuccessRate float64          `json:"experiment_success_rate"`
	AverageLift           float64          `json:"average_lift"`
	Recommendations       []Recommendation `json:"optimization_recommendations"`
}
