package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gams/internal/events"
	"gams/internal/recovery"
	"gams/internal/task/engine"
	"gams/internal/task/scheduler"
	"gams/internal/website"
	logx "gams/pkg/logx"
)

type fakeSite struct {
	mu      sync.Mutex
	repos   map[string]website.Repository
	updates []string
	err     error
	pingErr error
}

func (f *fakeSite) Update(_ context.Context, repo string) (website.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, repo)
	if f.err != nil {
		return website.UpdateResult{Repository: repo}, f.err
	}
	return website.UpdateResult{Repository: repo, Committed: true}, nil
}

func (f *fakeSite) Repositories() []string {
	names := make([]string, 0, len(f.repos))
	for _, n := range []string{"a", "b", "site"} {
		if _, ok := f.repos[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

func (f *fakeSite) Repository(name string) (website.Repository, bool) {
	r, ok := f.repos[name]
	return r, ok
}

func (f *fakeSite) Ping(context.Context) error { return f.pingErr }

func (f *fakeSite) updated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

type stack struct {
	o     *Orchestrator
	em    *events.Manager
	sched *scheduler.Service
	rm    *recovery.Manager
	site  *fakeSite
}

func newStack(t *testing.T, cfg Config) *stack {
	t.Helper()
	ctx := context.Background()
	eng := engine.New(engine.Config{Workers: 4}, logx.Nop(), nil)
	eng.Start(ctx)
	sched := scheduler.New(scheduler.Config{Tick: 10 * time.Millisecond}, eng, logx.Nop(), nil)
	sched.Start(ctx)
	em := events.New(events.Config{}, logx.Nop(), nil, nil, nil)
	rm := recovery.New(recovery.Config{GitNetworkWait: time.Millisecond, RateLimitWait: time.Millisecond}, logx.Nop(), recovery.Deps{Events: em})
	site := &fakeSite{repos: map[string]website.Repository{
		"site": {Name: "site", Branch: "main"},
	}}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Millisecond
	}
	if cfg.DependencyPoll == 0 {
		cfg.DependencyPoll = 5 * time.Millisecond
	}
	o := New(cfg, logx.Nop(), Deps{Events: em, Scheduler: sched, Recovery: rm, Website: site})
	rm.SetProcessRestarter(o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, o.Stop(ctx))
		sched.Stop(ctx)
		eng.Stop(ctx)
	})
	return &stack{o: o, em: em, sched: sched, rm: rm, site: site}
}

func ok(context.Context, map[string]any) (any, error) { return "done", nil }

func TestRegisterValidation(t *testing.T) {
	s := newStack(t, Config{})
	require.NoError(t, s.o.Register("a", ok))
	assert.ErrorIs(t, s.o.Register("a", ok), ErrProcessExists)
	assert.ErrorIs(t, s.o.Register("b", nil), ErrNilProcess)
	assert.ErrorIs(t, s.o.Register("c", ok, WithCron("not a cron")), scheduler.ErrInvalidSchedule)
	assert.ErrorIs(t, s.o.Register("d", ok, WithInterval(0)), scheduler.ErrInvalidSchedule)
	assert.Equal(t, []string{"a"}, s.o.Processes())
}

func TestExecuteUnknown(t *testing.T) {
	s := newStack(t, Config{})
	res, err := s.o.Execute(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrUnknownProcess)
	assert.Equal(t, StatusError, res.Status)
}

func TestExecuteRequiresSuccessfulDependency(t *testing.T) {
	s := newStack(t, Config{})
	ctx := context.Background()
	require.NoError(t, s.o.Register("collect", ok))
	require.NoError(t, s.o.Register("report", ok, WithDependencies("collect")))

	_, err := s.o.Execute(ctx, "report", nil)
	require.ErrorIs(t, err, ErrDependencyFailed)
	assert.Contains(t, err.Error(), "dependency collect failed or not executed")

	_, err = s.o.Execute(ctx, "collect", nil)
	require.NoError(t, err)
	res, err := s.o.Execute(ctx, "report", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "done", res.Result)
}

func TestExecuteWaitsForRunningDependency(t *testing.T) {
	s := newStack(t, Config{})
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.o.Register("slow", func(context.Context, map[string]any) (any, error) {
		close(started)
		<-release
		return nil, nil
	}))
	require.NoError(t, s.o.Register("after", ok, WithDependencies("slow")))

	go func() { _, _ = s.o.Execute(ctx, "slow", nil) }()
	<-started

	done := make(chan error, 1)
	go func() {
		_, err := s.o.Execute(ctx, "after", nil)
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("dependent ran while dependency was running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dependent never ran")
	}
}

func TestExecuteRejectsOverlap(t *testing.T) {
	s := newStack(t, Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.o.Register("p", func(context.Context, map[string]any) (any, error) {
		close(started)
		<-release
		return nil, nil
	}))
	go func() { _, _ = s.o.Execute(context.Background(), "p", nil) }()
	<-started
	_, err := s.o.Execute(context.Background(), "p", nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	close(release)
}

func TestRetryThenSuccessResetsCount(t *testing.T) {
	s := newStack(t, Config{})
	var calls atomic.Int32
	require.NoError(t, s.o.Register("flaky", func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("boom")
		}
		return "ok", nil
	}))

	res, err := s.o.Execute(context.Background(), "flaky", map[string]any{"k": 1})
	require.Error(t, err)
	assert.True(t, res.Retrying)

	require.Eventually(t, func() bool {
		st, _ := s.o.Process("flaky")
		return st.LastStatus == StatusSuccess
	}, 2*time.Second, 5*time.Millisecond)
	st, _ := s.o.Process("flaky")
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, 2, st.Runs)
	assert.Equal(t, "ok", s.o.Status().History["flaky"].Result)
}

func TestExhaustedRetriesReportCrashAndRestartIsCapped(t *testing.T) {
	s := newStack(t, Config{MaxRestarts: 1})
	var calls atomic.Int32
	require.NoError(t, s.o.Register("broken", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("always")
	}, WithRetries(2, time.Millisecond)))

	_, err := s.o.Execute(context.Background(), "broken", nil)
	require.Error(t, err)

	// 3 runs, one restart, 3 more runs, then the restart limit stops it.
	require.Eventually(t, func() bool { return calls.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(s.rm.ErrorHistory(recovery.TypeProcessCrash, nil, 0)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(6), calls.Load())

	recs := s.rm.ErrorHistory(recovery.TypeProcessCrash, nil, 0)
	for _, r := range recs {
		assert.Equal(t, "broken", r.Details["process_id"])
	}
	assert.ErrorIs(t, s.o.RestartProcess(context.Background(), "broken"), ErrRestartLimit)
	assert.ErrorIs(t, s.o.RestartProcess(context.Background(), "missing"), ErrUnknownProcess)
}

func TestPanicBecomesError(t *testing.T) {
	s := newStack(t, Config{RetryAttempts: -1})
	require.NoError(t, s.o.Register("p", func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	}))
	res, err := s.o.Execute(context.Background(), "p", nil)
	require.Error(t, err)
	assert.Contains(t, res.Message, "kaboom")
	assert.False(t, res.Retrying)
}

func TestPublishedEventTriggersProcess(t *testing.T) {
	s := newStack(t, Config{})
	got := make(chan map[string]any, 1)
	require.NoError(t, s.o.Register("on_lead", func(_ context.Context, params map[string]any) (any, error) {
		got <- params
		return nil, nil
	}, WithEventTriggers("lead_captured")))

	pr := s.em.Publish(context.Background(), "lead_captured", map[string]any{"lead": "l1"}, "test")
	require.Equal(t, events.StatusSuccess, pr.Results[triggerSubscriberID].Status)

	select {
	case p := <-got:
		assert.Equal(t, "l1", p["lead"])
	case <-time.After(2 * time.Second):
		t.Fatal("process not triggered")
	}
}

func TestTriggerEventRunsInRegistrationOrder(t *testing.T) {
	s := newStack(t, Config{})
	require.NoError(t, s.o.Register("first", ok, WithEventTriggers("tick")))
	require.NoError(t, s.o.Register("second", ok, WithEventTriggers("tick")))
	out := s.o.TriggerEvent(context.Background(), "tick", nil)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].ProcessID)
	assert.Equal(t, "second", out[1].ProcessID)
	assert.Empty(t, s.o.TriggerEvent(context.Background(), "none", nil))
}

func TestRunScheduledProcesses(t *testing.T) {
	s := newStack(t, Config{})
	clock := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	s.o.now = func() time.Time { return clock }

	require.NoError(t, s.o.Register("hourly", ok, WithInterval(time.Hour)))
	require.NoError(t, s.o.Register("cron", ok, WithCron("0 * * * *")))
	require.NoError(t, s.o.Register("manual", ok))

	ctx := context.Background()
	out := s.o.RunScheduledProcesses(ctx)
	assert.Len(t, out, 2, "never-run scheduled processes are due")
	assert.NotContains(t, out, "manual")

	clock = clock.Add(15 * time.Minute) // 10:45
	assert.Empty(t, s.o.RunScheduledProcesses(ctx))

	clock = clock.Add(20 * time.Minute) // 11:05
	out = s.o.RunScheduledProcesses(ctx)
	assert.Contains(t, out, "cron")
	assert.NotContains(t, out, "hourly")

	clock = clock.Add(30 * time.Minute) // 11:35
	out = s.o.RunScheduledProcesses(ctx)
	assert.Contains(t, out, "hourly")
	assert.NotContains(t, out, "cron")
}

func TestStartRunsScheduleLoop(t *testing.T) {
	s := newStack(t, Config{ScheduleTick: 10 * time.Millisecond})
	var calls atomic.Int32
	require.NoError(t, s.o.Register("tick", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, nil
	}, WithInterval(time.Hour)))
	s.o.Start(context.Background())
	assert.True(t, s.o.Running())
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.o.Stop(ctx))
	assert.False(t, s.o.Running())
	assert.ErrorIs(t, s.o.RestartProcess(ctx, "tick"), ErrStopped)
}

func TestScheduleWebsiteUpdate(t *testing.T) {
	s := newStack(t, Config{})
	ctx := context.Background()

	upd, err := s.o.ScheduleWebsiteUpdate(ctx, "site", scheduler.KindImmediate, "")
	require.NoError(t, err)
	assert.Equal(t, "task_"+upd.ID, upd.TaskID)
	assert.Contains(t, upd.ID, "website_update_site_")

	require.Eventually(t, func() bool {
		return len(s.em.History(EventWebsiteUpdateCompleted, 0)[EventWebsiteUpdateCompleted]) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"site"}, s.site.updated())
	assert.Len(t, s.em.History(EventWebsiteUpdateScheduled, 0)[EventWebsiteUpdateScheduled], 1)
	assert.Contains(t, s.o.Status().History, "website_update_site")

	// Same second, same repository: ids stay unique.
	again, err := s.o.ScheduleWebsiteUpdate(ctx, "site", scheduler.KindImmediate, "")
	require.NoError(t, err)
	assert.NotEqual(t, upd.TaskID, again.TaskID)

	_, err = s.o.ScheduleWebsiteUpdate(ctx, "nope", scheduler.KindImmediate, "")
	assert.ErrorIs(t, err, website.ErrUnknownRepository)
}

func TestScheduleWebsiteUpdateWithoutUpdater(t *testing.T) {
	o := New(Config{}, logx.Nop(), Deps{})
	_, err := o.ScheduleWebsiteUpdate(context.Background(), "", scheduler.KindImmediate, "")
	assert.ErrorIs(t, err, ErrNoWebsite)
	assert.NoError(t, o.InitializeProcesses())
	assert.NoError(t, o.Stop(context.Background()))
}

func TestWebsiteUpdateFailureIsReported(t *testing.T) {
	s := newStack(t, Config{})
	s.site.err = &website.GitError{Repo: "site", Op: "push", Branch: "main", Err: errors.New("exit status 1")}

	_, err := s.o.ScheduleWebsiteUpdate(context.Background(), "site", scheduler.KindImmediate, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(s.rm.ErrorHistory(recovery.TypeGitOperation, nil, 0)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	rec := s.rm.ErrorHistory(recovery.TypeGitOperation, nil, 0)[0]
	assert.Equal(t, websiteComponent, rec.Component)
	assert.Equal(t, "push", rec.Details["operation"])

	require.Eventually(t, func() bool {
		ups := s.o.Status().WebsiteUpdates
		return len(ups) == 1 && ups[0].Status == StatusError
	}, 2*time.Second, 5*time.Millisecond)
}

func TestContentPerformanceHandler(t *testing.T) {
	s := newStack(t, Config{ContentRepoMapping: map[string]string{"post-1": "site"}})
	ctx := context.Background()

	pr := s.em.Publish(ctx, EventContentPerformance, map[string]any{"content_id": "post-1", "change": -35.0}, "test")
	hr := pr.Results[subscriberID]
	require.Equal(t, events.StatusSuccess, hr.Status, hr.Message)
	assert.Equal(t, "website_update_scheduled", hr.Result.(map[string]any)["action"])

	pr = s.em.Publish(ctx, EventContentPerformance, map[string]any{"content_id": "post-1", "change": -5}, "test")
	assert.Equal(t, "no_action_needed", pr.Results[subscriberID].Result.(map[string]any)["action"])

	pr = s.em.Publish(ctx, EventContentPerformance, map[string]any{"content_id": "post-2", "change": -50}, "test")
	assert.Equal(t, "no_action_needed", pr.Results[subscriberID].Result.(map[string]any)["action"])

	pr = s.em.Publish(ctx, EventContentPerformance, map[string]any{"change": -50}, "test")
	assert.Equal(t, events.StatusError, pr.Results[subscriberID].Status)
}

func TestTrafficSpikeHandler(t *testing.T) {
	s := newStack(t, Config{})
	pr := s.em.Publish(context.Background(), EventTrafficSpike, map[string]any{"page_url": "/pricing", "spike_percentage": 150.0}, "test")
	hr := pr.Results[subscriberID]
	require.Equal(t, events.StatusSuccess, hr.Status, hr.Message)
	assert.Equal(t, "analysis_task_scheduled", hr.Result.(map[string]any)["action"])

	require.Eventually(t, func() bool {
		return len(s.em.History(EventTrafficAnalysisDone, 0)[EventTrafficAnalysisDone]) == 1
	}, 2*time.Second, 5*time.Millisecond)
	ev := s.em.History(EventTrafficAnalysisDone, 0)[EventTrafficAnalysisDone][0]
	assert.Equal(t, map[string]any{
		"source":         "organic",
		"significance":   "high",
		"recommendation": "optimize_content",
	}, ev.Data["analysis"])

	pr = s.em.Publish(context.Background(), EventTrafficSpike, map[string]any{"page_url": "/x"}, "test")
	assert.Equal(t, events.StatusError, pr.Results[subscriberID].Status)
}

func TestSystemErrorHandler(t *testing.T) {
	s := newStack(t, Config{})
	pr := s.em.Publish(context.Background(), EventSystemError, map[string]any{
		"error_type":    "CustomError",
		"error_details": map[string]any{"why": "test"},
		"component":     "crawler",
	}, "test")
	require.Equal(t, events.StatusSuccess, pr.Results[subscriberID].Status)
	recs := s.rm.ErrorHistory("CustomError", nil, 0)
	require.Len(t, recs, 1)
	assert.Equal(t, "crawler", recs[0].Component)

	pr = s.em.Publish(context.Background(), EventSystemError, map[string]any{}, "test")
	assert.Equal(t, events.StatusError, pr.Results[subscriberID].Status)
}

func TestHealthChecks(t *testing.T) {
	s := newStack(t, Config{})
	h := s.rm.CheckSystemHealth(context.Background())
	require.Contains(t, h.Components, "task_scheduler")
	require.Contains(t, h.Components, "event_manager")
	require.Contains(t, h.Components, "git_integration")
	assert.Equal(t, recovery.StatusHealthy, h.Components["task_scheduler"].Status)
	assert.Equal(t, recovery.StatusHealthy, h.Components["git_integration"].Status)
	assert.False(t, h.Components["event_manager"].Critical)

	s.site.pingErr = errors.New("git missing")
	h = s.rm.CheckSystemHealth(context.Background())
	assert.Equal(t, recovery.StatusUnhealthy, h.Components["git_integration"].Status)
	assert.True(t, h.Components["git_integration"].Critical)
}

func TestInitializeProcesses(t *testing.T) {
	s := newStack(t, Config{})
	s.site.repos["a"] = website.Repository{Name: "a", UpdateInterval: 2 * time.Hour}
	require.NoError(t, s.o.InitializeProcesses())
	assert.Equal(t, []string{"website_update_all", "website_update_a", "website_update_site"}, s.o.Processes())

	st, ok := s.o.Process("website_update_a")
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, st.Interval)
	assert.ElementsMatch(t, []string{EventContentPerformance, EventAnalyticsUpdate}, st.EventTriggers)
	all, _ := s.o.Process("website_update_all")
	assert.Equal(t, 24*time.Hour, all.Interval)

	// Idempotent.
	require.NoError(t, s.o.InitializeProcesses())
}
