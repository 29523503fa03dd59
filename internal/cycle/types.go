// Package cycle tracks the six-phase continuous improvement cycle: the
// current phase, its tasks and metrics, feedback loops and acceleration
// strategies that retune phases at runtime.
package cycle

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidConfig         = errors.New("invalid cycle config")
	ErrNotStarted            = errors.New("cycle not started")
	ErrUnknownPhase          = errors.New("unknown phase")
	ErrInvalidFeedbackLoop   = errors.New("invalid feedback loop type")
	ErrFeedbackNotConfigured = errors.New("feedback loop not configured")
	ErrUnknownStrategy       = errors.New("acceleration strategy not found")
)

// Phase names of the default cycle.
const (
	PhaseWebsiteOptimization   = "website_optimization"
	PhaseMultiChannelMarketing = "multi_channel_marketing"
	PhaseDataLearning          = "data_learning"
	PhaseContentRefinement     = "content_refinement"
	PhaseRevenueOptimization   = "revenue_optimization"
	PhaseSystemExpansion       = "system_expansion"
)

// Feedback loop types.
const (
	LoopShort  = "short"
	LoopMedium = "medium"
	LoopLong   = "long"
)

const (
	StatusRunning    = "running"
	StatusNotStarted = "not_started"
)

const metricsCategory = "cycle"

type Phase struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
	Tasks       []string       `json:"tasks"`
	Metrics     map[string]any `json:"metrics,omitempty"`
	// Settings holds strategy adjustments that are not phase fields.
	Settings map[string]any `json:"settings,omitempty"`
}

func (p Phase) clone() Phase {
	p.Tasks = append([]string(nil), p.Tasks...)
	p.Metrics = cloneMap(p.Metrics)
	p.Settings = cloneMap(p.Settings)
	return p
}

type FeedbackLoop struct {
	Interval time.Duration `json:"interval"`
	Metrics  []string      `json:"metrics,omitempty"`
}

// Strategy adjusts phase fields by phase name and key. Recognised keys are
// description, duration and tasks; anything else lands in Settings.
type Strategy struct {
	Description string                    `json:"description,omitempty"`
	Phases      map[string]map[string]any `json:"phases"`
}

type Config struct {
	Phases                 []Phase
	FeedbackLoops          map[string]FeedbackLoop
	AccelerationStrategies map[string]Strategy
	AutoAdvance            bool
}

// MetricsRecorder receives cycle metrics.
type MetricsRecorder interface {
	Record(category, name string, value any)
}

// SnapshotStore persists cycle state between runs.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, key string, data []byte) error
	GetSnapshot(ctx context.Context, key string) ([]byte, bool, error)
}

// Status is the cycle snapshot.
type Status struct {
	Status             string         `json:"status"`
	StartTime          time.Time      `json:"start_time"`
	CurrentPhase       string         `json:"current_phase,omitempty"`
	LastPhaseChange    time.Time      `json:"last_phase_change"`
	CycleDuration      time.Duration  `json:"cycle_duration"`
	TimeInPhase        time.Duration  `json:"time_in_phase"`
	Phases             []string       `json:"phases"`
	CurrentPhaseConfig *Phase         `json:"current_phase_config,omitempty"`
	Metrics            map[string]any `json:"metrics"`
	Completed          int            `json:"completed_cycles"`
}

// LoopResult is returned by TriggerFeedbackLoop.
type LoopResult struct {
	Type   string       `json:"loop_type"`
	Config FeedbackLoop `json:"config"`
}

// StrategyResult is returned by ApplyAccelerationStrategy.
type StrategyResult struct {
	Strategy    string                    `json:"strategy"`
	Adjustments map[string]map[string]any `json:"adjustments"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
