package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logx "gams/pkg/logx"
)

const snapshotKey = "cycle.state"

// Validate checks phases, feedback loop names and strategy targets.
func Validate(cfg Config) error {
	if len(cfg.Phases) == 0 {
		return fmt.Errorf("%w: at least one phase required", ErrInvalidConfig)
	}
	seen := map[string]bool{}
	for i, p := range cfg.Phases {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("%w: phase %d has no name", ErrInvalidConfig, i)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate phase %s", ErrInvalidConfig, name)
		}
		seen[name] = true
		if len(p.Tasks) == 0 {
			return fmt.Errorf("%w: phase %s has no tasks", ErrInvalidConfig, name)
		}
		if p.Duration < 0 {
			return fmt.Errorf("%w: phase %s has negative duration", ErrInvalidConfig, name)
		}
	}
	for name := range cfg.FeedbackLoops {
		if !validLoop(name) {
			return fmt.Errorf("%w: feedback loop %q (want short, medium or long)", ErrInvalidConfig, name)
		}
	}
	for sname, s := range cfg.AccelerationStrategies {
		for phase := range s.Phases {
			if !seen[phase] {
				return fmt.Errorf("%w: strategy %s adjusts unknown phase %s", ErrInvalidConfig, sname, phase)
			}
		}
	}
	return nil
}

func validLoop(name string) bool {
	return name == LoopShort || name == LoopMedium || name == LoopLong
}

// Cycle is safe for concurrent use.
type Cycle struct {
	mu         sync.Mutex
	cfg        Config
	phases     []Phase
	current    int // -1 until started
	start      time.Time
	lastChange time.Time
	metrics    map[string]any
	completed  int

	log logx.Logger
	rec MetricsRecorder
	now func() time.Time
}

// New validates cfg. rec may be nil.
func New(cfg Config, log logx.Logger, rec MetricsRecorder) (*Cycle, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Cycle{current: -1, metrics: map[string]any{}, log: log, rec: rec, now: time.Now}
	c.setConfig(cfg)
	return c, nil
}

func (c *Cycle) setConfig(cfg Config) {
	c.cfg = cfg
	c.phases = make([]Phase, len(cfg.Phases))
	for i, p := range cfg.Phases {
		c.phases[i] = p.clone()
	}
}

// Apply swaps the configuration. A running cycle keeps its phase when it
// still exists, otherwise it restarts at the first phase.
func (c *Cycle) Apply(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.currentNameLocked()
	c.setConfig(cfg)
	if c.current < 0 {
		return nil
	}
	if i := c.indexLocked(cur); i >= 0 {
		c.current = i
		return nil
	}
	c.current = 0
	c.lastChange = c.now()
	c.log.Warn("current phase removed by config, restarting at first phase", logx.String("phase", cur))
	return nil
}

// AutoAdvance reports whether phases advance on their own.
func (c *Cycle) AutoAdvance() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.AutoAdvance
}

func (c *Cycle) indexLocked(name string) int {
	for i, p := range c.phases {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func (c *Cycle) currentNameLocked() string {
	if c.current < 0 || c.current >= len(c.phases) {
		return ""
	}
	return c.phases[c.current].Name
}

func (c *Cycle) record(name string, v any) {
	if c.rec != nil {
		c.rec.Record(metricsCategory, name, v)
	}
}

// Start begins the cycle at initial, or at the first phase when initial is
// empty or unknown.
func (c *Cycle) Start(initial string) Status {
	c.mu.Lock()
	now := c.now()
	c.start, c.lastChange = now, now
	c.current = 0
	if i := c.indexLocked(initial); i >= 0 {
		c.current = i
	}
	phase := c.currentNameLocked()
	c.mu.Unlock()

	c.log.Info("improvement cycle started", logx.String("phase", phase))
	c.record("start_time", now.Format(time.RFC3339))
	c.record("initial_phase", phase)
	return c.Status()
}

// Started reports whether Start was called.
func (c *Cycle) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current >= 0
}

// Advance moves to the next phase, wrapping to the first after the last.
func (c *Cycle) Advance() (Status, error) {
	c.mu.Lock()
	if c.current < 0 {
		c.mu.Unlock()
		return Status{}, ErrNotStarted
	}
	prev := c.currentNameLocked()
	now := c.now()
	spent := now.Sub(c.lastChange)
	c.current = (c.current + 1) % len(c.phases)
	if c.current == 0 {
		c.completed++
	}
	c.lastChange = now
	next := c.currentNameLocked()
	c.mu.Unlock()

	c.log.Info("phase advanced", logx.String("from", prev), logx.String("to", next), logx.Duration("spent", spent))
	c.record("phase_change", map[string]any{"from": prev, "to": next, "timestamp": now.Format(time.RFC3339)})
	c.record("phase_duration."+prev, spent.Seconds())
	return c.Status(), nil
}

// AdvanceIfDue advances when the current phase has run for its duration.
// Phases without a duration never advance on their own.
func (c *Cycle) AdvanceIfDue() (bool, error) {
	c.mu.Lock()
	if c.current < 0 {
		c.mu.Unlock()
		return false, ErrNotStarted
	}
	d := c.phases[c.current].Duration
	due := d > 0 && c.now().Sub(c.lastChange) >= d
	c.mu.Unlock()
	if !due {
		return false, nil
	}
	_, err := c.Advance()
	return err == nil, err
}

// CurrentPhase returns the current phase name, empty before Start.
func (c *Cycle) CurrentPhase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentNameLocked()
}

// CurrentTasks returns the current phase's tasks.
func (c *Cycle) CurrentTasks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current < 0 {
		return nil
	}
	return append([]string(nil), c.phases[c.current].Tasks...)
}

// PhaseMetrics returns the metrics of phase name, or of the current phase
// when name is empty.
func (c *Cycle) PhaseMetrics(name string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		name = c.currentNameLocked()
	}
	i := c.indexLocked(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, name)
	}
	return cloneMap(c.phases[i].Metrics), nil
}

// UpdateMetrics stores values globally and, for keys the current phase
// tracks, on the phase as phase.<phase>.<key>.
func (c *Cycle) UpdateMetrics(values map[string]any) map[string]any {
	c.mu.Lock()
	keys := make([]string, 0, len(values))
	for k, v := range values {
		c.metrics[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var phaseKeys []string
	phase := c.currentNameLocked()
	if c.current >= 0 {
		pm := c.phases[c.current].Metrics
		for _, k := range keys {
			if _, tracked := pm[k]; tracked {
				pm[k] = values[k]
				phaseKeys = append(phaseKeys, k)
			}
		}
	}
	out := cloneMap(c.metrics)
	c.mu.Unlock()

	for _, k := range keys {
		c.record(k, values[k])
	}
	for _, k := range phaseKeys {
		c.record("phase."+phase+"."+k, values[k])
	}
	c.log.Debug("cycle metrics updated", logx.Strings("keys", keys), logx.String("phase", phase))
	return out
}

// TriggerFeedbackLoop returns the configuration of a short, medium or long
// loop and records the trigger.
func (c *Cycle) TriggerFeedbackLoop(kind string) (LoopResult, error) {
	if !validLoop(kind) {
		return LoopResult{}, fmt.Errorf("%w: %q", ErrInvalidFeedbackLoop, kind)
	}
	c.mu.Lock()
	loop, ok := c.cfg.FeedbackLoops[kind]
	now := c.now()
	c.mu.Unlock()
	if !ok {
		return LoopResult{}, fmt.Errorf("%w: %s", ErrFeedbackNotConfigured, kind)
	}
	c.log.Info("feedback loop triggered", logx.String("loop", kind))
	c.record("feedback_loop_trigger", map[string]any{"type": kind, "timestamp": now.Format(time.RFC3339)})
	return LoopResult{Type: kind, Config: loop}, nil
}

// ApplyAccelerationStrategy applies a strategy's phase adjustments.
func (c *Cycle) ApplyAccelerationStrategy(name string) (StrategyResult, error) {
	c.mu.Lock()
	s, ok := c.cfg.AccelerationStrategies[name]
	if !ok {
		c.mu.Unlock()
		return StrategyResult{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	var errs []error
	for phase, adj := range s.Phases {
		i := c.indexLocked(phase)
		if i < 0 {
			continue
		}
		for k, v := range adj {
			if err := applyAdjustment(&c.phases[i], k, v); err != nil {
				errs = append(errs, fmt.Errorf("%s.%s: %w", phase, k, err))
			}
		}
	}
	now := c.now()
	c.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		c.log.Warn("acceleration strategy partially applied", logx.String("strategy", name), logx.Err(err))
	} else {
		c.log.Info("acceleration strategy applied", logx.String("strategy", name))
	}
	c.record("acceleration_strategy", map[string]any{"name": name, "timestamp": now.Format(time.RFC3339)})
	return StrategyResult{Strategy: name, Adjustments: s.Phases}, errors.Join(errs...)
}

func applyAdjustment(p *Phase, key string, v any) error {
	switch key {
	case "description":
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		p.Description = s
	case "duration":
		d, err := toDuration(v)
		if err != nil {
			return err
		}
		p.Duration = d
	case "tasks":
		tasks, err := toStrings(v)
		if err != nil {
			return err
		}
		p.Tasks = tasks
	default:
		if p.Settings == nil {
			p.Settings = map[string]any{}
		}
		p.Settings[key] = v
	}
	return nil
}

func toDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		return time.ParseDuration(d)
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case int:
		return time.Duration(d) * time.Second, nil
	}
	return 0, fmt.Errorf("want duration, got %T", v)
}

func toStrings(v any) ([]string, error) {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...), nil
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("want string task, got %T", e)
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, fmt.Errorf("want task list, got %T", v)
}

// Status returns the cycle snapshot.
func (c *Cycle) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Status:          StatusNotStarted,
		StartTime:       c.start,
		LastPhaseChange: c.lastChange,
		Phases:          make([]string, len(c.phases)),
		Metrics:         cloneMap(c.metrics),
		Completed:       c.completed,
	}
	for i, p := range c.phases {
		st.Phases[i] = p.Name
	}
	if c.current >= 0 {
		now := c.now()
		p := c.phases[c.current].clone()
		st.Status = StatusRunning
		st.CurrentPhase = p.Name
		st.CurrentPhaseConfig = &p
		st.CycleDuration = now.Sub(c.start)
		st.TimeInPhase = now.Sub(c.lastChange)
	}
	return st
}

type savedState struct {
	Phase      string         `json:"phase"`
	Start      time.Time      `json:"start"`
	LastChange time.Time      `json:"last_change"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	Completed  int            `json:"completed"`
}

// SaveState persists the position of a started cycle.
func (c *Cycle) SaveState(ctx context.Context, store SnapshotStore) error {
	c.mu.Lock()
	if c.current < 0 {
		c.mu.Unlock()
		return ErrNotStarted
	}
	st := savedState{
		Phase:      c.currentNameLocked(),
		Start:      c.start,
		LastChange: c.lastChange,
		Metrics:    cloneMap(c.metrics),
		Completed:  c.completed,
	}
	c.mu.Unlock()
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return store.PutSnapshot(ctx, snapshotKey, b)
}

// LoadState resumes a saved cycle. It reports false when nothing usable
// was saved.
func (c *Cycle) LoadState(ctx context.Context, store SnapshotStore) (bool, error) {
	b, ok, err := store.GetSnapshot(ctx, snapshotKey)
	if err != nil || !ok {
		return false, err
	}
	var st savedState
	if err := json.Unmarshal(b, &st); err != nil {
		return false, fmt.Errorf("decode cycle state: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(st.Phase)
	if i < 0 {
		c.log.Warn("saved phase no longer configured", logx.String("phase", st.Phase))
		return false, nil
	}
	c.current = i
	c.start, c.lastChange = st.Start, st.LastChange
	c.completed = st.Completed
	if st.Metrics != nil {
		c.metrics = st.Metrics
	}
	c.log.Info("improvement cycle resumed", logx.String("phase", st.Phase), logx.Time("since", st.LastChange))
	return true, nil
}
