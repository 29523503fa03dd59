package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  max_concurrent_tasks: 4
  tick: 2s
recovery:
  health_check_interval: 5m
website:
  repositories:
    - name: blog
      path: ./sites/blog
orchestrator:
  content_repo_mapping:
    post-1: blog
revenue:
  rl:
    learning_rate: 0.05
`

const sampleTOML = `
[logging]
level = "debug"
console = true

[scheduler]
max_concurrent_tasks = 4
tick = "2s"

[recovery]
health_check_interval = "5m"

[[website.repositories]]
name = "blog"
path = "./sites/blog"

[orchestrator.content_repo_mapping]
post-1 = "blog"

[revenue.rl]
learning_rate = 0.05
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAMLAndTOMLAgree(t *testing.T) {
	t.Parallel()

	y, err := NewManager(writeFile(t, "gams.yaml", sampleYAML)).Load()
	require.NoError(t, err)
	tm, err := NewManager(writeFile(t, "gams.toml", sampleTOML)).Load()
	require.NoError(t, err)

	if diff := cmp.Diff(y, tm); diff != "" {
		t.Fatalf("yaml vs toml mismatch (-yaml +toml):\n%s", diff)
	}
	assert.Equal(t, 4, y.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, "blog", y.Orchestrator.ContentRepoMapping["post-1"])
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("gams.json", []byte(`{"scheduler":{"workers":3}}`))
	require.Error(t, err)

	_, err = Decode("gams.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty ok", cfg: Config{}},
		{name: "bad duration", cfg: Config{Scheduler: SchedulerConfig{Tick: "soon"}}, wantErr: true},
		{name: "negative duration", cfg: Config{Recovery: RecoveryConfig{GitNetworkWait: "-1s"}}, wantErr: true},
		{name: "unknown driver", cfg: Config{Storage: &StorageConfig{Driver: "mongo"}}, wantErr: true},
		{name: "reserved repo name", cfg: Config{Website: WebsiteConfig{Repositories: []RepositoryConfig{{Name: "all", Path: "x"}}}}, wantErr: true},
		{name: "unknown mapped repo", cfg: Config{Orchestrator: OrchestratorConfig{ContentRepoMapping: map[string]string{"c": "nope"}}}, wantErr: true},
		{name: "bad strategy", cfg: Config{Revenue: RevenueConfig{RL: RLConfig{Exploration: ExplorationConfig{Strategy: "greedy"}}}}, wantErr: true},
		{name: "alerts need chat", cfg: Config{Alerts: &AlertsConfig{Enabled: true}}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestReloadDedupesAndValidates(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "gams.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published, "unchanged content must not publish")

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"events:\n  history_limit: 10\n"), 0o644))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, published)

	select {
	case cfg := <-ch:
		assert.Equal(t, 10, cfg.Events.HistoryLimit)
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return context.DeadlineExceeded })
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"events:\n  history_limit: 20\n"), 0o644))
	published, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.False(t, published)
	assert.Equal(t, 10, m.Get().Events.HistoryLimit)
}

func TestSummarizeConfigChangeHidesTokens(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Alerts: &AlertsConfig{Token: "a"}}
	newCfg := &Config{Alerts: &AlertsConfig{Token: "b"}, Scheduler: SchedulerConfig{Tick: "2s"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"alerts", "scheduler"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}
