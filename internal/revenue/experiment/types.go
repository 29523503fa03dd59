// Package experiment designs, runs and analyses revenue experiments: A/B
// tests, multivariate tests and Thompson-sampled bandits.
package experiment

import (
	"errors"
	"time"
)

var (
	ErrUnknownExperiment = errors.New("experiment: unknown experiment")
	ErrUnknownVariant    = errors.New("experiment: unknown variant")
	ErrTooManyActive     = errors.New("experiment: max concurrent experiments reached")
	ErrAlreadyRunning    = errors.New("experiment: already running")
	ErrNotBandit         = errors.New("experiment: allocations only adapt for bandit experiments")
	ErrNonFiniteMetric   = errors.New("experiment: metric is not a finite number")
)

// Experiment types.
const (
	ABTest       = "a_b_test"
	Multivariate = "multivariate_test"
	Bandit       = "bandit_optimization"
)

// Lifecycle states.
const (
	StatusDesigned  = "designed"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusNotFound  = "not_found"
)

// Recommendation types.
const (
	RecImplementWinner = "implement_winner"
	RecMaintainControl = "maintain_control"
	RecContinueTesting = "continue_testing"
)

// Urgency levels accepted by Design.
const (
	UrgencyHigh   = "high"
	UrgencyNormal = "normal"
	UrgencyLow    = "low"
)

const (
	thompsonDraws = 1000
	maxSamples    = 10000
)

type Config struct {
	MinDuration       time.Duration
	MaxDuration       time.Duration
	DefaultDuration   time.Duration
	SignificanceLevel float64
	MinSampleSize     int
	MaxConcurrent     int
	MaxMultivariate   int
	BanditArms        int
	PrimaryMetric     string
	SecondaryMetrics  []string
}

func (c Config) withDefaults() Config {
	if c.MinDuration <= 0 {
		c.MinDuration = 24 * time.Hour
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 168 * time.Hour
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = 72 * time.Hour
	}
	if c.SignificanceLevel <= 0 {
		c.SignificanceLevel = 0.05
	}
	if c.MinSampleSize <= 0 {
		c.MinSampleSize = 100
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MaxMultivariate <= 0 {
		c.MaxMultivariate = 4
	}
	if c.BanditArms < 2 {
		c.BanditArms = 3
	}
	if c.PrimaryMetric == "" {
		c.PrimaryMetric = "revenue"
	}
	if c.SecondaryMetrics == nil {
		c.SecondaryMetrics = []string{"conversion_rate", "profit_margin", "customer_acquisition_cost"}
	}
	return c
}

type Variant struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Action     map[string]any `json:"action"`
	Allocation float64        `json:"traffic_allocation"`
	// Rewards holds primary metric observations of bandit arms.
	Rewards []float64 `json:"rewards,omitempty"`
}

type VariantResult struct {
	DataPoints int                `json:"data_points"`
	Metrics    map[string]float64 `json:"metrics"`
	// Samples are the raw primary metric observations.
	Samples []float64 `json:"samples,omitempty"`
}

type Results struct {
	DataPoints int                       `json:"data_points"`
	Variants   map[string]*VariantResult `json:"variants"`
}

type Recommendation struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Action  map[string]any `json:"action,omitempty"`
}

type Analysis struct {
	Winner          string             `json:"winner"`
	Control         string             `json:"control"`
	Significant     bool               `json:"significance"`
	PValue          float64            `json:"p_value"`
	Lift            map[string]float64 `json:"lift"`
	Recommendations []Recommendation   `json:"recommendations"`
}

type Experiment struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Status           string         `json:"status"`
	Urgency          string         `json:"urgency,omitempty"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          time.Time      `json:"end_time"`
	ActualStart      time.Time      `json:"actual_start_time,omitzero"`
	ActualEnd        time.Time      `json:"actual_end_time,omitzero"`
	Action           map[string]any `json:"action"`
	Variants         []Variant      `json:"variants"`
	PrimaryMetric    string         `json:"primary_metric"`
	SecondaryMetrics []string       `json:"secondary_metrics"`
	SampleSizeTarget int            `json:"sample_size_target"`
	Results          *Results       `json:"results,omitempty"`
	Analysis         *Analysis      `json:"analysis,omitempty"`
}

// Variant returns the variant with id.
func (e *Experiment) Variant(id string) (*Variant, bool) {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i], true
		}
	}
	return nil, false
}

// ControlID is "control" or, for bandits, "arm_0".
func (e *Experiment) ControlID() string {
	for _, v := range e.Variants {
		if v.ID == "control" || v.ID == "arm_0" {
			return v.ID
		}
	}
	return ""
}

// ActionPerformance aggregates wins of one winning action.
type ActionPerformance struct {
	Action      map[string]any `json:"action"`
	Wins        int            `json:"wins"`
	TotalLift   float64        `json:"total_lift"`
	Experiments int            `json:"experiments"`
}

type Insights struct {
	TotalExperiments     int                 `json:"total_experiments"`
	ActiveExperiments    int                 `json:"active_experiments"`
	CompletedExperiments int                 `json:"completed_experiments"`
	SuccessRate          float64             `json:"success_rate"`
	AverageLift          float64             `json:"average_lift"`
	ExperimentTypes      map[string]int      `json:"experiment_types"`
	TopPerformingActions []ActionPerformance `json:"top_performing_actions"`
}
