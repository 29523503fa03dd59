package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gams/internal/eventbus"
	logx "gams/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (f *fakeSender) SendAlert(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestSendAlertDeliversAndDedups(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := &fakeSender{}
	bus := eventbus.New()
	evs, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{RatePerSec: 100, DedupWindow: time.Minute}, fs, logx.Nop(), bus)
	s.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, s.SendAlert(ctx, "git_integration unhealthy"))
	require.NoError(t, s.SendAlert(ctx, "git_integration unhealthy"))
	require.NoError(t, s.SendAlert(ctx, "storage unhealthy"))

	require.Eventually(t, func() bool { return len(fs.sent()) == 2 }, 2*time.Second, 10*time.Millisecond)
	stop(t, s)

	assert.Equal(t, []string{"git_integration unhealthy", "storage unhealthy"}, fs.sent())
	st := s.Stats()
	assert.Equal(t, uint64(2), st.Sent)
	assert.Equal(t, uint64(1), st.Deduped)
	assert.Len(t, s.Snapshot(), 2)

	var types []string
	for len(evs) > 0 {
		types = append(types, (<-evs).Type)
	}
	assert.Contains(t, types, EventDeduped)
	assert.Contains(t, types, EventSent)
}

func TestDedupWindowExpires(t *testing.T) {
	s := New(Config{DedupWindow: time.Minute}, &fakeSender{}, logx.Nop(), nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.True(t, s.dedupAllow("k", time.Minute, 10))
	assert.False(t, s.dedupAllow("k", time.Minute, 10))
	now = now.Add(61 * time.Second)
	assert.True(t, s.dedupAllow("k", time.Minute, 10))
}

func TestDedupCacheIsCapped(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	for _, k := range []string{"a", "b", "c", "d"} {
		s.dedupAllow(k, time.Hour, 2)
	}
	assert.Len(t, s.dedup, 2)
}

func TestSendAlertRetries(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := &fakeSender{fails: 1}
	s := New(Config{RatePerSec: 100, RetryMax: 2}, fs, logx.Nop(), nil)
	s.Start(context.Background())
	require.NoError(t, s.SendAlert(context.Background(), "recovery failed"))

	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, 5*time.Second, 10*time.Millisecond)
	stop(t, s)
	assert.Zero(t, s.Stats().Failed)
}

func TestSendAlertAfterStop(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.SendAlert(context.Background(), "x"), ErrStopped)

	s.Start(context.Background())
	stop(t, s)
	assert.ErrorIs(t, s.SendAlert(context.Background(), "x"), ErrStopped)
}

func TestRetryDelayBounded(t *testing.T) {
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, retryMaxDelay)
	}
}
