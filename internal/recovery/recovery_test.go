package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gams/internal/events"
	"gams/internal/ratelimit"
	"gams/internal/task/engine"
	logx "gams/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeGit struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (g *fakeGit) rec(s string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, s)
	return g.err
}

func (g *fakeGit) Clone(_ context.Context, repo string) error { return g.rec("clone " + repo) }
func (g *fakeGit) Pull(_ context.Context, repo string) error  { return g.rec("pull " + repo) }
func (g *fakeGit) Push(_ context.Context, repo, branch string) error {
	return g.rec("push " + repo + " " + branch)
}
func (g *fakeGit) CreateBranch(_ context.Context, repo, branch, from string) error {
	return g.rec("branch " + repo + " " + branch + " " + from)
}
func (g *fakeGit) Reset(_ context.Context, repo, branch string) error {
	return g.rec("reset " + repo + " " + branch)
}

type restarter struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *restarter) RestartProcess(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

func (r *restarter) RestartUnit(_ context.Context, unit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, "unit:"+unit)
	return r.err
}

func fastConfig() Config {
	return Config{GitNetworkWait: time.Millisecond, RateLimitWait: time.Millisecond}
}

func TestEscalationAfterMaxAttempts(t *testing.T) {
	ev := events.New(events.Config{}, logx.Nop(), nil, nil, nil)
	var escalated []events.Event
	ev.Subscribe(EventEscalated, func(_ context.Context, e events.Event) (any, error) {
		escalated = append(escalated, e)
		return nil, nil
	}, "test")
	var alerts atomic.Int32
	m := New(fastConfig(), logx.Nop(), Deps{
		Events: ev,
		Alerts: logx.AlertSenderFunc(func(context.Context, string) error { alerts.Add(1); return nil }),
	})

	out := m.ReportError(context.Background(), "MysteryError", map[string]any{"x": 1}, "widget")
	assert.Equal(t, OutcomePartial, out.Status)

	hist := m.ErrorHistory("MysteryError", nil, 0)
	require.Len(t, hist, 1)
	id := hist[0].ID
	assert.True(t, strings.HasSuffix(id, "_MysteryError"))
	assert.Equal(t, 1, hist[0].RecoveryAttempts)
	assert.False(t, hist[0].Escalated)

	m.Recover(context.Background(), id)
	m.Recover(context.Background(), id)
	rec, ok := m.Record(id)
	require.True(t, ok)
	assert.Equal(t, 3, rec.RecoveryAttempts)
	assert.True(t, rec.Escalated)
	assert.False(t, rec.Resolved)
	require.Len(t, escalated, 1)
	assert.Equal(t, id, escalated[0].Data["error_id"])
	assert.Equal(t, int32(1), alerts.Load())

	// Further attempts do not escalate again.
	m.Recover(context.Background(), id)
	assert.Len(t, escalated, 1)
	assert.Equal(t, int32(1), alerts.Load())
}

func TestRecoverUnknownRecord(t *testing.T) {
	m := New(Config{}, logx.Nop(), Deps{})
	out := m.Recover(context.Background(), "nope")
	assert.Equal(t, OutcomeError, out.Status)
}

func TestRecordIDsAreUnique(t *testing.T) {
	m := New(fastConfig(), logx.Nop(), Deps{})
	fixed := time.Unix(1700000000, 0)
	m.now = func() time.Time { return fixed }
	m.ReportError(context.Background(), "X", nil, "")
	m.ReportError(context.Background(), "X", nil, "")
	m.ReportError(context.Background(), "X", nil, "")

	var ids []string
	for _, r := range m.ErrorHistory("", nil, 0) {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"1700000000_X", "1700000000_X_1", "1700000000_X_2"}, ids)
}

func TestGitStrategy(t *testing.T) {
	cases := []struct {
		name    string
		details map[string]any
		status  string
		call    string
	}{
		{"network pull", map[string]any{"repository": "site", "error_message": "Network unreachable", "operation": "pull"}, OutcomeSuccess, "pull site"},
		{"network push", map[string]any{"repository": "site", "error_message": "network", "operation": "push", "branch": "prod"}, OutcomeSuccess, "push site prod"},
		{"network unknown op", map[string]any{"repository": "site", "error_message": "network", "operation": "fetch"}, OutcomeError, ""},
		{"conflict", map[string]any{"repository": "site", "error_message": "merge CONFLICT"}, OutcomeSuccess, "branch site recovery_"},
		{"auth", map[string]any{"repository": "site", "error_message": "auth failed"}, OutcomeError, ""},
		{"generic", map[string]any{"repository": "site", "error_message": "index.lock exists"}, OutcomeSuccess, "reset site main"},
		{"no repo", map[string]any{"error_message": "network"}, OutcomeError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := &fakeGit{}
			m := New(fastConfig(), logx.Nop(), Deps{Git: g})
			out := m.ReportError(context.Background(), TypeGitOperation, tc.details, "website_updater")
			assert.Equal(t, tc.status, out.Status, out.Message)
			if tc.call == "" {
				assert.Empty(t, g.calls)
				return
			}
			require.Len(t, g.calls, 1)
			assert.True(t, strings.HasPrefix(g.calls[0], tc.call), g.calls[0])
		})
	}

	m := New(fastConfig(), logx.Nop(), Deps{})
	out := m.ReportError(context.Background(), TypeGitOperation, map[string]any{"repository": "x"}, "")
	assert.Equal(t, OutcomeError, out.Status)

	failing := New(fastConfig(), logx.Nop(), Deps{Git: &fakeGit{err: errors.New("still broken")}})
	out = failing.ReportError(context.Background(), TypeGitOperation, map[string]any{"repository": "x"}, "")
	assert.Equal(t, OutcomeError, out.Status)
	assert.Contains(t, out.Message, "still broken")
}

func TestRateLimitStrategy(t *testing.T) {
	m := New(Config{RateLimitWait: time.Hour}, logx.Nop(), Deps{})
	out := m.ReportError(context.Background(), TypeRateLimit, map[string]any{"retry_after": 0.01}, "seo")
	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.InDelta(t, 0.01, out.Result["waited"], 1e-9)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out = m.ReportError(ctx, TypeRateLimit, nil, "seo")
	assert.Equal(t, OutcomeError, out.Status)
	assert.Contains(t, out.Message, "context canceled")
}

func TestProcessCrashStrategy(t *testing.T) {
	r := &restarter{}
	cfg := fastConfig()
	cfg.Units = map[string]string{"mailer": "gams-mailer"}
	m := New(cfg, logx.Nop(), Deps{})

	out := m.ReportError(context.Background(), TypeProcessCrash, nil, "")
	assert.Equal(t, OutcomeError, out.Status)

	out = m.ReportError(context.Background(), TypeProcessCrash, map[string]any{"process_id": "p1"}, "")
	assert.Equal(t, OutcomePartial, out.Status)

	m.SetProcessRestarter(r)
	m.SetUnitRestarter(r)
	out = m.ReportError(context.Background(), TypeProcessCrash, map[string]any{"process_id": "p1"}, "")
	assert.Equal(t, OutcomeSuccess, out.Status)
	out = m.ReportError(context.Background(), TypeProcessCrash, map[string]any{"process_id": "mailer"}, "")
	assert.Equal(t, OutcomeSuccess, out.Status)
	out = m.ReportError(context.Background(), TypeProcessCrash, map[string]any{"process_id": "p2", "unit": "other.service"}, "")
	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.Equal(t, []string{"p1", "unit:gams-mailer", "unit:other.service"}, r.ids)
}

func TestFileSystemStrategy(t *testing.T) {
	m := New(fastConfig(), logx.Nop(), Deps{})
	path := filepath.Join(t.TempDir(), "a", "b", "out.json")

	out := m.ReportError(context.Background(), TypeFileSystem, map[string]any{"file_path": path, "error_message": "no such file or directory"}, "")
	assert.Equal(t, OutcomeSuccess, out.Status)
	st, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	for msg, want := range map[string]string{
		"permission denied":       OutcomePartial,
		"no space left on device": OutcomePartial,
		"weird":                   OutcomeError,
	} {
		out := m.ReportError(context.Background(), TypeFileSystem, map[string]any{"file_path": path, "error_message": msg}, "")
		assert.Equal(t, want, out.Status, msg)
	}
	out = m.ReportError(context.Background(), TypeFileSystem, map[string]any{}, "")
	assert.Equal(t, OutcomeError, out.Status)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestDatabaseStrategy(t *testing.T) {
	out := New(fastConfig(), logx.Nop(), Deps{}).ReportError(context.Background(), TypeDatabaseConnection, nil, "")
	assert.Equal(t, OutcomePartial, out.Status)
	out = New(fastConfig(), logx.Nop(), Deps{DB: pinger{}}).ReportError(context.Background(), TypeDatabaseConnection, nil, "")
	assert.Equal(t, OutcomeSuccess, out.Status)
	out = New(fastConfig(), logx.Nop(), Deps{DB: pinger{err: errors.New("locked")}}).ReportError(context.Background(), TypeDatabaseConnection, nil, "")
	assert.Equal(t, OutcomePartial, out.Status)
}

func TestCustomStrategyPanicIsContained(t *testing.T) {
	m := New(fastConfig(), logx.Nop(), Deps{})
	m.RegisterStrategy("Explodes", func(context.Context, ErrorRecord) (Outcome, error) { panic("kaboom") })
	out := m.ReportError(context.Background(), "Explodes", nil, "")
	assert.Equal(t, OutcomeError, out.Status)
	assert.Contains(t, out.Message, "kaboom")
}

func healthy(context.Context) (HealthStatus, error) { return HealthStatus{Status: StatusHealthy}, nil }

func TestCheckSystemHealthAggregation(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]HealthCheck
		want   string
	}{
		{"all healthy", map[string]HealthCheck{"a": healthy, "b": healthy}, StatusHealthy},
		{"non critical degraded", map[string]HealthCheck{
			"a": healthy,
			"b": func(context.Context) (HealthStatus, error) { return HealthStatus{Status: StatusDegraded}, nil },
		}, StatusDegraded},
		{"critical unhealthy wins", map[string]HealthCheck{
			"a": func(context.Context) (HealthStatus, error) { return HealthStatus{Status: StatusDegraded, Critical: true}, nil },
			"b": func(context.Context) (HealthStatus, error) { return HealthStatus{Status: StatusDegraded}, nil },
		}, StatusUnhealthy},
		{"check error degrades", map[string]HealthCheck{
			"a": healthy,
			"b": func(context.Context) (HealthStatus, error) { return HealthStatus{}, errors.New("timeout") },
		}, StatusDegraded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := New(Config{}, logx.Nop(), Deps{})
			assert.Equal(t, StatusUnknown, m.HealthStatus().Overall)
			for name, fn := range tc.checks {
				m.RegisterHealthCheck(name, fn)
			}
			h := m.CheckSystemHealth(context.Background())
			assert.Equal(t, tc.want, h.Overall)
			assert.Len(t, h.Components, len(tc.checks))
			assert.Equal(t, h.Overall, m.HealthStatus().Overall)
		})
	}

	m := New(Config{}, logx.Nop(), Deps{})
	m.RegisterHealthCheck("bad", func(context.Context) (HealthStatus, error) { return HealthStatus{}, errors.New("boom") })
	h := m.CheckSystemHealth(context.Background())
	assert.Equal(t, StatusError, h.Components["bad"].Status)
	assert.Equal(t, "boom", h.Components["bad"].Message)
}

func TestMonitoringRestartsUnhealthyComponent(t *testing.T) {
	m := New(fastConfig(), logx.Nop(), Deps{})
	var up atomic.Bool
	var restarts atomic.Int32
	m.RegisterHealthCheck("scheduler", func(context.Context) (HealthStatus, error) {
		if up.Load() {
			return HealthStatus{Status: StatusHealthy}, nil
		}
		return HealthStatus{Status: StatusDegraded, Critical: true, Message: "not running"}, nil
	}, WithRestart(func(context.Context) error {
		restarts.Add(1)
		up.Store(true)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartMonitoring(ctx, 10*time.Millisecond)
	assert.True(t, m.Monitoring())

	require.Eventually(t, func() bool { return m.HealthStatus().Overall == StatusHealthy }, 2*time.Second, 5*time.Millisecond)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	m.StopMonitoring(stopCtx)
	assert.False(t, m.Monitoring())

	assert.Equal(t, int32(1), restarts.Load())
	resolved := true
	recs := m.ErrorHistory(TypeComponentUnhealthy, &resolved, 0)
	require.Len(t, recs, 1)
	assert.True(t, strings.HasSuffix(recs[0].ID, "_scheduler_unhealthy"))
}

func TestUnhealthyComponentReusesOpenRecord(t *testing.T) {
	m := New(fastConfig(), logx.Nop(), Deps{})
	m.RegisterHealthCheck("storage", func(context.Context) (HealthStatus, error) {
		return HealthStatus{Status: StatusUnhealthy}, nil
	})
	for i := 0; i < 4; i++ {
		require.NoError(t, m.monitorOnce(context.Background()))
	}
	recs := m.ErrorHistory(TypeComponentUnhealthy, nil, 0)
	// Three attempts escalate the first record; the fourth opens a new one.
	require.Len(t, recs, 2)
	var escalated int
	for _, r := range recs {
		if r.Escalated {
			escalated++
			assert.Equal(t, 3, r.RecoveryAttempts)
		}
	}
	assert.Equal(t, 1, escalated)
}

func TestErrorHistoryAndClearResolved(t *testing.T) {
	m := New(fastConfig(), logx.Nop(), Deps{DB: pinger{}})
	base := time.Now().Add(-48 * time.Hour)
	step := 0
	m.now = func() time.Time { step++; return base.Add(time.Duration(step) * time.Minute) }

	m.ReportError(context.Background(), TypeDatabaseConnection, nil, "storage") // resolved
	m.ReportError(context.Background(), "Other", nil, "x")                      // unresolved

	all := m.ErrorHistory("", nil, 0)
	require.Len(t, all, 2)
	assert.Equal(t, "Other", all[0].Type, "newest first")

	no := false
	open := m.ErrorHistory("", &no, 0)
	require.Len(t, open, 1)
	assert.Equal(t, "Other", open[0].Type)
	assert.Len(t, m.ErrorHistory("", nil, 1), 1)

	m.now = time.Now
	assert.Equal(t, 1, m.ClearResolvedErrors(0))
	assert.Len(t, m.ErrorHistory("", nil, 0), 1)
}

type typedErr struct{}

func (typedErr) Error() string     { return "push rejected" }
func (typedErr) ErrorType() string { return TypeGitOperation }
func (typedErr) RecoveryDetails() map[string]any {
	return map[string]any{"repository": "site", "operation": "push"}
}

func TestClassify(t *testing.T) {
	_, statErr := os.Stat(filepath.Join(t.TempDir(), "missing", "f"))
	cases := []struct {
		name string
		err  error
		want string
		key  string
	}{
		{"typed", fmt.Errorf("wrap: %w", typedErr{}), TypeGitOperation, "repository"},
		{"retry after", engine.RetryAfter(errors.New("429"), 3*time.Second), TypeRateLimit, "retry_after"},
		{"rate limited", fmt.Errorf("x: %w", ratelimit.ErrRateLimited), TypeRateLimit, ""},
		{"path", statErr, TypeFileSystem, "file_path"},
		{"panic", fmt.Errorf("%w: boom", engine.ErrPanic), TypeProcessCrash, ""},
		{"other", errors.New("?"), TypeDefault, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			typ, details := Classify(tc.err)
			assert.Equal(t, tc.want, typ)
			assert.Equal(t, tc.err.Error(), strings.TrimPrefix(strings.TrimPrefix(details["error_message"].(string), "missing directory or file: "), "permission denied: "))
			if tc.key != "" {
				assert.Contains(t, details, tc.key)
			}
		})
	}
	typ, details := Classify(nil)
	assert.Empty(t, typ)
	assert.Nil(t, details)
}
