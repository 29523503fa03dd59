// Package metrics keeps bounded in-memory series of named values grouped by
// category.
package metrics

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	logx "gams/pkg/logx"
)

const defaultMaxPoints = 1000

type Config struct {
	MaxPoints int
}

// Point is one recorded value.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     any       `json:"value"`
}

type Service struct {
	mu      sync.RWMutex
	max     int
	series  map[string]map[string][]Point
	started time.Time
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{series: map[string]map[string][]Point{}, started: time.Now(), log: log}
	s.Apply(cfg)
	return s
}

// Apply updates the series bound; longer series are trimmed on next Record.
func (s *Service) Apply(cfg Config) {
	n := cfg.MaxPoints
	if n <= 0 {
		n = defaultMaxPoints
	}
	s.mu.Lock()
	s.max = n
	s.mu.Unlock()
}

// Record appends value to category/name.
func (s *Service) Record(category, name string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	cat := s.series[category]
	if cat == nil {
		cat = map[string][]Point{}
		s.series[category] = cat
	}
	pts := append(cat[name], Point{Timestamp: time.Now(), Value: value})
	if over := len(pts) - s.max; over > 0 {
		pts = append(pts[:0:0], pts[over:]...)
	}
	cat[name] = pts
	s.mu.Unlock()
	s.log.Trace("metric recorded", logx.String("category", category), logx.String("name", name), logx.Any("value", value))
}

// Metrics returns a copy of one series.
func (s *Service) Metrics(category, name string) []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pts := s.series[category][name]
	if len(pts) == 0 {
		return nil
	}
	return append([]Point(nil), pts...)
}

// Category returns copies of every series in category.
func (s *Service) Category(category string) map[string][]Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Point, len(s.series[category]))
	for name, pts := range s.series[category] {
		out[name] = append([]Point(nil), pts...)
	}
	return out
}

// Latest returns the last value of a series.
func (s *Service) Latest(category, name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pts := s.series[category][name]
	if len(pts) == 0 {
		return nil, false
	}
	return pts[len(pts)-1].Value, true
}

// Average is the mean of the last window numeric values (all when window
// <= 0). Non-numeric values are ignored.
func (s *Service) Average(category, name string, window int) (float64, bool) {
	s.mu.RLock()
	var vals []float64
	for _, p := range s.series[category][name] {
		if f, ok := Float(p.Value); ok {
			vals = append(vals, f)
		}
	}
	s.mu.RUnlock()
	if len(vals) == 0 {
		return 0, false
	}
	if window > 0 && window < len(vals) {
		vals = vals[len(vals)-window:]
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals)), true
}

// Clear removes one series, a whole category (name == "") or everything
// (category == "").
func (s *Service) Clear(category, name string) {
	s.mu.Lock()
	switch {
	case category == "":
		s.series = map[string]map[string][]Point{}
	case name == "":
		delete(s.series, category)
	default:
		if cat := s.series[category]; cat != nil {
			delete(cat, name)
		}
	}
	s.mu.Unlock()
	s.log.Debug("metrics cleared", logx.String("category", category), logx.String("name", name))
}

// Export renders every series as JSON.
func (s *Service) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.series)
}

type Snapshot struct {
	Since      time.Time      `json:"since"`
	MaxPoints  int            `json:"max_points"`
	Categories map[string]int `json:"categories"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Since: s.started, MaxPoints: s.max, Categories: make(map[string]int, len(s.series))}
	for c, cat := range s.series {
		snap.Categories[c] = len(cat)
	}
	return snap
}

// Finite reports false for NaN and infinities. Non-numeric values count as
// finite.
func Finite(v any) bool {
	f, ok := Float(v)
	return !ok || (!math.IsNaN(f) && !math.IsInf(f, 0))
}

// Float converts Go numeric values to float64.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
