package rl

import (
	"encoding/json"
	"fmt"
	"math"
)

// State is the nested marketing state the policy conditions on.
type State map[string]any

// InitialState is the zero state with every tracked section present.
func InitialState() State {
	return State{
		"traffic": map[string]any{
			"organic": 0.0, "paid": 0.0, "social": 0.0, "referral": 0.0, "direct": 0.0,
		},
		"conversion_rates": map[string]any{"overall": 0.0, "by_channel": map[string]any{}},
		"revenue":          map[string]any{"total": 0.0, "by_channel": map[string]any{}, "by_product": map[string]any{}},
		"costs":            map[string]any{"total": 0.0, "fixed": 0.0, "variable": 0.0, "by_channel": map[string]any{}},
		"market_conditions": map[string]any{
			"competition_level": 0.5, "seasonality": 0.5, "trend": 0.0,
		},
	}
}

// merge deep-merges src into dst. Nested maps merge, anything else
// replaces. NaN and infinite numbers are dropped and keep the old value.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if !finiteValue(v) {
			continue
		}
		sv, srcMap := asMap(v)
		dv, dstMap := asMap(dst[k])
		if srcMap && dstMap {
			merge(dv, sv)
			continue
		}
		if srcMap {
			cp := map[string]any{}
			merge(cp, sv)
			dst[k] = cp
			continue
		}
		dst[k] = v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case State:
		return map[string]any(m), true
	}
	return nil, false
}

func cloneState(s State) State {
	out := State{}
	merge(out, s)
	return out
}

// Key is the canonical JSON of the state with floats rounded to two
// decimals. Values JSON cannot hold fall back to fmt's sorted map form.
func (s State) Key() string {
	d := discretize(map[string]any(s))
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprint(d)
	}
	return string(b)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finiteValue(v any) bool {
	switch t := v.(type) {
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	}
	return true
}

func discretize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = discretize(t)
		case State:
			out[k] = discretize(t)
		case float64:
			out[k] = roundKey(t)
		case float32:
			out[k] = roundKey(float64(t))
		default:
			out[k] = v
		}
	}
	return out
}

// roundKey keeps non-finite values distinct as strings.
func roundKey(f float64) any {
	if !finite(f) {
		return fmt.Sprint(f)
	}
	return math.Round(f*100) / 100
}
