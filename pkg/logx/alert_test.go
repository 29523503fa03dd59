package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	got := FormatAlert([]byte(`{"level":"error","time":"x","message":"recovery escalated","comp":"recovery","attempts":3}` + "\n"))
	want := "[ERROR] recovery escalated\n- attempts=3\n- comp=recovery"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	raw := FormatAlert([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("raw=%q", raw)
	}
}

func TestAlertSinkFiltersByLevel(t *testing.T) {
	t.Parallel()

	rec := &recordingSender{}
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100}}, rec)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("still quiet")
	log.Error("loud", String("comp", "test"))

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("alerts=%d", rec.count())
	}
	rec.mu.Lock()
	msg := rec.msgs[0]
	rec.mu.Unlock()
	if !strings.HasPrefix(msg, "[ERROR] loud") {
		t.Fatalf("msg=%q", msg)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"debug":    LevelDebug,
		" WARNING": LevelWarn,
		"critical": LevelError,
		"":         LevelInfo,
		"bogus":    LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.With(Component("x")).Info("nothing")
	Nop().Error("nothing")
}
