package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gams/internal/recovery"
	"gams/internal/revenue/rl"
)

func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		healthAddr = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestParseAction(t *testing.T) {
	got, err := parseAction([]string{"pricing=29.5", "content_type=tutorial", "seo_tactic = schema", "premium=true"})
	require.NoError(t, err)
	assert.Equal(t, rl.Action{
		"pricing":      29.5,
		"content_type": "tutorial",
		"seo_tactic":   "schema",
		"premium":      true,
	}, got)

	_, err = parseAction([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseAction([]string{"=1"})
	assert.Error(t, err)
	_, err = parseAction(nil)
	assert.ErrorIs(t, err, rl.ErrNilAction)
}

func TestValidateCommand(t *testing.T) {
	p := filepath.Join(t.TempDir(), "gams.toml")
	require.NoError(t, os.WriteFile(p, []byte("[scheduler]\nmax_concurrent_tasks = 2\n"), 0o644))

	out, err := execRoot(t, "validate", "-c", p)
	require.NoError(t, err)
	assert.Contains(t, out, p+": ok")
	assert.Contains(t, out, "workers: 2")

	bad := filepath.Join(t.TempDir(), "gams.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[scheduler]\ntick = \"soon\"\n"), 0o644))
	_, err = execRoot(t, "validate", "-c", bad)
	assert.Error(t, err)
}

func TestHealthCommand(t *testing.T) {
	health := recovery.SystemHealth{
		Overall:   recovery.StatusDegraded,
		LastCheck: time.Now(),
		Components: map[string]recovery.HealthStatus{
			"task_engine":   {Status: recovery.StatusHealthy, Message: "0/64 queued", Critical: true},
			"event_manager": {Status: recovery.StatusDegraded, Message: "no subscribers"},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(health)
		case "/status":
			_, _ = w.Write([]byte(`{"started_at":"2024-01-01T00:00:00Z","cycle":{"current_phase":"build"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := filepath.Join(t.TempDir(), "gams.yaml")
	require.NoError(t, os.WriteFile(p, []byte("ops:\n  token: s3cret\n"), 0o644))

	out, err := execRoot(t, "health", "-c", p, "--addr", strings.TrimPrefix(srv.URL, "http://"))
	assert.ErrorIs(t, err, errUnhealthy)
	assert.Contains(t, out, "overall: degraded")
	assert.Contains(t, out, "cycle:   build")
	assert.Contains(t, out, "healthy (critical)")
	assert.Less(t, strings.Index(out, "event_manager"), strings.Index(out, "task_engine"))
}

func TestVersionCommand(t *testing.T) {
	out, err := execRoot(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "gams version "))
}
