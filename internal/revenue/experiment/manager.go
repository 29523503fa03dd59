package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"gams/internal/storage"
	"gams/pkg/jsonfile"
	logx "gams/pkg/logx"

	"github.com/google/uuid"
)

// Recorder receives completed experiments. storage.Store satisfies it.
type Recorder interface {
	AppendRecord(ctx context.Context, r storage.Record) error
}

type Option func(*Manager)

func WithRand(r *rand.Rand) Option { return func(m *Manager) { m.rng = r } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithRecorder persists every completed experiment.
func WithRecorder(rec Recorder) Option { return func(m *Manager) { m.rec = rec } }

type Manager struct {
	mu        sync.Mutex
	cfg       Config
	log       logx.Logger
	rng       *rand.Rand
	now       func() time.Time
	rec       Recorder
	designed  map[string]*Experiment
	active    map[string]*Experiment
	completed []*Experiment
}

func New(cfg Config, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
		designed: map[string]*Experiment{},
		active:   map[string]*Experiment{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return m
}

func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// Design lays out a new experiment for action. Unknown types fall back to
// an A/B test.
func (m *Manager) Design(action map[string]any, typ, urgency string) Experiment {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch typ {
	case ABTest, Multivariate, Bandit:
	default:
		m.log.Warn("unknown experiment type, using a_b_test", logx.String("type", typ))
		typ = ABTest
	}
	dur := m.cfg.DefaultDuration
	switch urgency {
	case UrgencyHigh:
		dur = m.cfg.MinDuration
	case UrgencyLow:
		dur = m.cfg.MaxDuration
	}
	now := m.now()
	exp := &Experiment{
		ID:               uuid.NewString(),
		Type:             typ,
		Status:           StatusDesigned,
		Urgency:          urgency,
		StartTime:        now,
		EndTime:          now.Add(dur),
		Action:           cloneAction(action),
		PrimaryMetric:    m.cfg.PrimaryMetric,
		SecondaryMetrics: slices.Clone(m.cfg.SecondaryMetrics),
	}
	exp.Variants = m.variantsLocked(typ, action)
	exp.SampleSizeTarget = m.cfg.MinSampleSize * len(exp.Variants)
	m.designed[exp.ID] = exp
	m.log.Info("experiment designed", logx.String("id", exp.ID), logx.String("type", typ),
		logx.Int("variants", len(exp.Variants)), logx.Duration("duration", dur))
	return cloneExperiment(exp)
}

func (m *Manager) variantsLocked(typ string, action map[string]any) []Variant {
	control := func(id, name string, alloc float64) Variant {
		return Variant{ID: id, Name: name, Action: map[string]any{}, Allocation: alloc}
	}
	switch typ {
	case Multivariate:
		keys := numericKeys(action)
		if len(keys) > m.cfg.MaxMultivariate {
			keys = keys[:m.cfg.MaxMultivariate]
		}
		if len(keys) == 0 {
			break
		}
		alloc := 1 / float64(len(keys)+1)
		out := []Variant{control("control", "Control", alloc)}
		for i, k := range keys {
			sign := -1.0
			if i%2 == 0 {
				sign = 1
			}
			a := cloneAction(action)
			v, _ := toFloat(action[k])
			a[k] = v * (1 + 0.1*sign*float64(i/2+1))
			out = append(out, Variant{
				ID: fmt.Sprintf("variant_%d", i+1), Name: fmt.Sprintf("Variant %d", i+1),
				Action: a, Allocation: alloc,
			})
		}
		return out
	case Bandit:
		n := m.cfg.BanditArms
		alloc := 1 / float64(n)
		out := []Variant{control("arm_0", "Control Arm", alloc)}
		for i := 1; i < n; i++ {
			a := cloneAction(action)
			for _, k := range numericKeys(action) {
				v, _ := toFloat(action[k])
				a[k] = v * (1 + m.rng.Float64()*0.4 - 0.2)
			}
			out = append(out, Variant{
				ID: fmt.Sprintf("arm_%d", i), Name: fmt.Sprintf("Arm %d", i),
				Action: a, Allocation: alloc,
			})
		}
		return out
	}
	return []Variant{
		control("control", "Control", 0.5),
		{ID: "variant_1", Name: "Variant 1", Action: cloneAction(action), Allocation: 0.5},
	}
}

// Start moves a designed experiment to running.
func (m *Manager) Start(id string) (Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.designed[id]
	if !ok {
		if _, running := m.active[id]; running {
			return Experiment{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
		return Experiment{}, fmt.Errorf("%w: %s", ErrUnknownExperiment, id)
	}
	if len(m.active) >= m.cfg.MaxConcurrent {
		m.log.Warn("max concurrent experiments reached", logx.String("id", id), logx.Int("active", len(m.active)))
		return Experiment{}, ErrTooManyActive
	}
	delete(m.designed, id)
	exp.Status = StatusRunning
	exp.ActualStart = m.now()
	exp.Results = &Results{Variants: make(map[string]*VariantResult, len(exp.Variants))}
	for _, v := range exp.Variants {
		metrics := map[string]float64{exp.PrimaryMetric: 0}
		for _, s := range exp.SecondaryMetrics {
			metrics[s] = 0
		}
		exp.Results.Variants[v.ID] = &VariantResult{Metrics: metrics}
	}
	m.active[id] = exp
	m.log.Info("experiment started", logx.String("id", id), logx.String("type", exp.Type))
	return cloneExperiment(exp), nil
}

// Record folds one observation of variant into the running means. Metrics
// outside the experiment's primary and secondary set are ignored. An
// observation holding NaN or an infinity is rejected whole.
func (m *Manager) Record(id, variant string, metrics map[string]float64) error {
	for name, val := range metrics {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("%w: %s", ErrNonFiniteMetric, name)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExperiment, id)
	}
	vr, ok := exp.Results.Variants[variant]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownVariant, id, variant)
	}
	exp.Results.DataPoints++
	vr.DataPoints++
	n := float64(vr.DataPoints)
	for name, val := range metrics {
		if cur, tracked := vr.Metrics[name]; tracked {
			vr.Metrics[name] = (cur*(n-1) + val) / n
		}
	}
	if val, ok := metrics[exp.PrimaryMetric]; ok {
		vr.Samples = appendCapped(vr.Samples, val)
		if exp.Type == Bandit {
			v, _ := exp.Variant(variant)
			v.Rewards = appendCapped(v.Rewards, val)
		}
	}
	m.log.Trace("experiment data recorded", logx.String("id", id), logx.String("variant", variant))
	return nil
}

// UpdateAllocations re-weights bandit arms by Thompson sampling over
// rewards min-max normalised across all arms. Arms without rewards get a
// uniform share.
func (m *Manager) UpdateAllocations(id string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExperiment, id)
	}
	if exp.Type != Bandit {
		return nil, ErrNotBandit
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range exp.Variants {
		for _, r := range v.Rewards {
			lo, hi = min(lo, r), max(hi, r)
		}
	}
	span := max(hi-lo, 1e-6)

	mass := make(map[string]float64, len(exp.Variants))
	var total float64
	for _, v := range exp.Variants {
		if len(v.Rewards) == 0 {
			mass[v.ID] = thompsonDraws / float64(len(exp.Variants))
		} else {
			var succ float64
			for _, r := range v.Rewards {
				succ += (r - lo) / span
			}
			a, b := succ+1, float64(len(v.Rewards))-succ+1
			var sum float64
			for range thompsonDraws {
				sum += beta(m.rng, a, b)
			}
			mass[v.ID] = sum
		}
		total += mass[v.ID]
	}
	out := make(map[string]float64, len(mass))
	for i := range exp.Variants {
		v := &exp.Variants[i]
		v.Allocation = mass[v.ID] / total
		out[v.ID] = v.Allocation
	}
	m.log.Debug("experiment allocations updated", logx.String("id", id), logx.Any("allocations", out))
	return out, nil
}

// CheckCompletion reports whether a running experiment is done: its end
// time passed, or the sample target is met with every variant holding its
// share.
func (m *Manager) CheckCompletion(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.active[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownExperiment, id)
	}
	if !m.now().Before(exp.EndTime) {
		return true, nil
	}
	if exp.Results.DataPoints < exp.SampleSizeTarget {
		return false, nil
	}
	least := math.MaxInt
	for _, vr := range exp.Results.Variants {
		least = min(least, vr.DataPoints)
	}
	return float64(least) >= float64(exp.SampleSizeTarget)/float64(len(exp.Variants)), nil
}

// Complete analyses a running experiment and archives it.
func (m *Manager) Complete(ctx context.Context, id string) (Experiment, error) {
	m.mu.Lock()
	exp, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return Experiment{}, fmt.Errorf("%w: %s", ErrUnknownExperiment, id)
	}
	delete(m.active, id)
	exp.Status = StatusCompleted
	exp.ActualEnd = m.now()
	exp.Analysis = m.analyzeLocked(exp)
	m.completed = append(m.completed, exp)
	out := cloneExperiment(exp)
	rec := m.rec
	m.mu.Unlock()

	m.log.Info("experiment completed", logx.String("id", id), logx.String("winner", out.Analysis.Winner),
		logx.Bool("significant", out.Analysis.Significant))
	if rec != nil {
		b, err := json.Marshal(out)
		if err == nil {
			err = rec.AppendRecord(ctx, storage.Record{At: out.ActualEnd, Kind: storage.KindExperiment, Key: id, JSON: string(b)})
		}
		if err != nil {
			m.log.Warn("experiment not persisted", logx.String("id", id), logx.Err(err))
		}
	}
	return out, nil
}

func (m *Manager) analyzeLocked(exp *Experiment) *Analysis {
	an := &Analysis{Lift: map[string]float64{}, PValue: 1}
	cid := exp.ControlID()
	if cid == "" {
		m.log.Warn("experiment has no control", logx.String("id", exp.ID))
		return an
	}
	an.Control = cid
	primary := exp.PrimaryMetric
	control := exp.Results.Variants[cid]
	c := control.Metrics[primary]

	best, bestPerf := cid, c
	for _, v := range exp.Variants {
		if v.ID == cid {
			continue
		}
		perf := exp.Results.Variants[v.ID].Metrics[primary]
		lift := 0.0
		if c > 0 {
			lift = (perf - c) / c
		}
		an.Lift[v.ID] = lift
		if perf > bestPerf {
			best, bestPerf = v.ID, perf
		}
	}
	an.Winner = best

	if best != cid {
		if p, ok := welchZ(exp.Results.Variants[best].Samples, control.Samples); ok {
			an.PValue = p
			an.Significant = p < m.cfg.SignificanceLevel
		}
		w, _ := exp.Variant(best)
		an.Recommendations = append(an.Recommendations, Recommendation{
			Type:    RecImplementWinner,
			Message: fmt.Sprintf("Implement the winning variant (%s) with a lift of %.2f%%", w.Name, an.Lift[best]*100),
			Action:  cloneAction(w.Action),
		})
	} else {
		an.Recommendations = append(an.Recommendations, Recommendation{
			Type:    RecMaintainControl,
			Message: "Maintain the current approach as no variant outperformed the control.",
			Action:  map[string]any{},
		})
	}
	if exp.Results.DataPoints < exp.SampleSizeTarget {
		an.Recommendations = append(an.Recommendations, Recommendation{
			Type: RecContinueTesting,
			Message: fmt.Sprintf("Continue testing to reach the target sample size of %d (currently %d).",
				exp.SampleSizeTarget, exp.Results.DataPoints),
		})
	}
	return an
}

// Status returns the experiment and its lifecycle state, StatusNotFound when
// unknown.
func (m *Manager) Status(id string) (string, *Experiment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.active[id]; ok {
		c := cloneExperiment(exp)
		return StatusRunning, &c
	}
	if exp, ok := m.designed[id]; ok {
		c := cloneExperiment(exp)
		return StatusDesigned, &c
	}
	for _, exp := range m.completed {
		if exp.ID == id {
			c := cloneExperiment(exp)
			return StatusCompleted, &c
		}
	}
	return StatusNotFound, nil
}

// Active returns running experiments ordered by start time.
func (m *Manager) Active() []Experiment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Experiment, 0, len(m.active))
	for _, exp := range m.active {
		out = append(out, cloneExperiment(exp))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ActualStart.Equal(out[j].ActualStart) {
			return out[i].ActualStart.Before(out[j].ActualStart)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) Completed() []Experiment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Experiment, 0, len(m.completed))
	for _, exp := range m.completed {
		out = append(out, cloneExperiment(exp))
	}
	return out
}

func (m *Manager) Insights() Insights {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := Insights{
		TotalExperiments:     len(m.active) + len(m.completed),
		ActiveExperiments:    len(m.active),
		CompletedExperiments: len(m.completed),
		ExperimentTypes:      map[string]int{},
	}
	for _, exp := range m.active {
		in.ExperimentTypes[exp.Type]++
	}

	var wins, lifts int
	var liftSum float64
	perf := map[string]*ActionPerformance{}
	for _, exp := range m.completed {
		in.ExperimentTypes[exp.Type]++
		an := exp.Analysis
		if an == nil {
			continue
		}
		if an.Winner != "" && an.Winner != an.Control {
			wins++
		}
		for _, l := range an.Lift {
			liftSum += l
			lifts++
		}
		w, ok := exp.Variant(an.Winner)
		if !ok {
			continue
		}
		b, _ := json.Marshal(w.Action)
		ap := perf[string(b)]
		if ap == nil {
			ap = &ActionPerformance{Action: cloneAction(w.Action)}
			perf[string(b)] = ap
		}
		ap.Wins++
		ap.Experiments++
		ap.TotalLift += an.Lift[an.Winner]
	}
	if len(m.completed) > 0 {
		in.SuccessRate = float64(wins) / float64(len(m.completed))
	}
	if lifts > 0 {
		in.AverageLift = liftSum / float64(lifts)
	}

	keys := make([]string, 0, len(perf))
	for k := range perf {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		in.TopPerformingActions = append(in.TopPerformingActions, *perf[k])
	}
	sort.SliceStable(in.TopPerformingActions, func(i, j int) bool {
		a, b := in.TopPerformingActions[i], in.TopPerformingActions[j]
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		return a.TotalLift/float64(max(a.Experiments, 1)) > b.TotalLift/float64(max(b.Experiments, 1))
	})
	if len(in.TopPerformingActions) > 5 {
		in.TopPerformingActions = in.TopPerformingActions[:5]
	}
	return in
}

type saved struct {
	Designed  []*Experiment `json:"designed_experiments"`
	Active    []*Experiment `json:"active_experiments"`
	Completed []*Experiment `json:"completed_experiments"`
}

// Save writes every experiment to path; .zst paths are compressed.
func (m *Manager) Save(path string) error {
	m.mu.Lock()
	data := saved{Completed: m.completed}
	for _, e := range m.designed {
		data.Designed = append(data.Designed, e)
	}
	for _, e := range m.active {
		data.Active = append(data.Active, e)
	}
	err := jsonfile.Save(path, data)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("experiment: save %s: %w", path, err)
	}
	m.log.Info("experiments saved", logx.String("path", path),
		logx.Int("active", len(data.Active)), logx.Int("completed", len(data.Completed)))
	return nil
}

// Load replaces every experiment with the contents of path.
func (m *Manager) Load(path string) error {
	var data saved
	if err := jsonfile.Load(path, &data); err != nil {
		return fmt.Errorf("experiment: load %s: %w", path, err)
	}
	m.mu.Lock()
	m.designed = map[string]*Experiment{}
	m.active = map[string]*Experiment{}
	for _, e := range data.Designed {
		m.designed[e.ID] = e
	}
	for _, e := range data.Active {
		if e.Results == nil {
			e.Results = &Results{Variants: map[string]*VariantResult{}}
		}
		m.active[e.ID] = e
	}
	m.completed = data.Completed
	m.mu.Unlock()
	m.log.Info("experiments loaded", logx.String("path", path),
		logx.Int("active", len(data.Active)), logx.Int("completed", len(data.Completed)))
	return nil
}

func numericKeys(a map[string]any) []string {
	var keys []string
	for k, v := range a {
		if _, ok := toFloat(v); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func appendCapped(s []float64, v float64) []float64 {
	s = append(s, v)
	if over := len(s) - maxSamples; over > 0 {
		s = append(s[:0:0], s[over:]...)
	}
	return s
}

func cloneAction(a map[string]any) map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func cloneExperiment(e *Experiment) Experiment {
	c := *e
	c.Action = cloneAction(e.Action)
	c.SecondaryMetrics = slices.Clone(e.SecondaryMetrics)
	c.Variants = make([]Variant, len(e.Variants))
	for i, v := range e.Variants {
		v.Action = cloneAction(v.Action)
		v.Rewards = slices.Clone(v.Rewards)
		c.Variants[i] = v
	}
	if e.Results != nil {
		r := &Results{DataPoints: e.Results.DataPoints, Variants: make(map[string]*VariantResult, len(e.Results.Variants))}
		for id, vr := range e.Results.Variants {
			metrics := make(map[string]float64, len(vr.Metrics))
			for k, v := range vr.Metrics {
				metrics[k] = v
			}
			r.Variants[id] = &VariantResult{DataPoints: vr.DataPoints, Metrics: metrics, Samples: slices.Clone(vr.Samples)}
		}
		c.Results = r
	}
	if e.Analysis != nil {
		an := *e.Analysis
		an.Lift = make(map[string]float64, len(e.Analysis.Lift))
		for k, v := range e.Analysis.Lift {
			an.Lift[k] = v
		}
		an.Recommendations = slices.Clone(e.Analysis.Recommendations)
		c.Analysis = &an
	}
	return c
}
