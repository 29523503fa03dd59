package metrics

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "gams/pkg/logx"
)

func TestRecordLatestAverage(t *testing.T) {
	s := New(Config{}, logx.Nop())
	s.Record("cycle", "traffic", 10)
	s.Record("cycle", "traffic", "n/a")
	s.Record("cycle", "traffic", 20.0)
	s.Record("cycle", "traffic", int64(30))

	v, ok := s.Latest("cycle", "traffic")
	require.True(t, ok)
	assert.Equal(t, int64(30), v)

	avg, ok := s.Average("cycle", "traffic", 0)
	require.True(t, ok)
	assert.InDelta(t, 20.0, avg, 1e-9)

	avg, ok = s.Average("cycle", "traffic", 2)
	require.True(t, ok)
	assert.InDelta(t, 25.0, avg, 1e-9)

	_, ok = s.Average("cycle", "missing", 0)
	assert.False(t, ok)
	_, ok = s.Latest("nope", "x")
	assert.False(t, ok)
}

func TestSeriesBounded(t *testing.T) {
	s := New(Config{MaxPoints: 3}, logx.Nop())
	for i := 0; i < 10; i++ {
		s.Record("c", "n", i)
	}
	pts := s.Metrics("c", "n")
	require.Len(t, pts, 3)
	assert.Equal(t, 7, pts[0].Value)
	assert.Equal(t, 9, pts[2].Value)
}

func TestClearScopes(t *testing.T) {
	s := New(Config{}, logx.Nop())
	s.Record("a", "x", 1)
	s.Record("a", "y", 1)
	s.Record("b", "z", 1)

	s.Clear("a", "x")
	assert.Nil(t, s.Metrics("a", "x"))
	assert.Len(t, s.Category("a"), 1)

	s.Clear("a", "")
	assert.Empty(t, s.Category("a"))
	assert.Len(t, s.Category("b"), 1)

	s.Clear("", "")
	assert.Empty(t, s.Snapshot().Categories)
}

func TestExport(t *testing.T) {
	s := New(Config{}, logx.Nop())
	s.Record("events", "traffic_spike", 1)
	raw, err := s.Export()
	require.NoError(t, err)

	var out map[string]map[string][]Point
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out["events"]["traffic_spike"], 1)
	assert.Equal(t, float64(1), out["events"]["traffic_spike"][0].Value)
}
