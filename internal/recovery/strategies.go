package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gams/internal/metrics"
	logx "gams/pkg/logx"
)

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorMessage(rec ErrorRecord) string {
	return strings.ToLower(detailString(rec.Details, "error_message"))
}

func (m *Manager) recoverGitOperation(ctx context.Context, rec ErrorRecord) (Outcome, error) {
	deps, cfg := m.depsSnapshot()
	if deps.Git == nil {
		return failure("git integration not available for recovery"), nil
	}
	repo := detailString(rec.Details, "repository")
	if repo == "" {
		return failure("repository name not provided in error details"), nil
	}
	branch := detailString(rec.Details, "branch")
	if branch == "" {
		branch = "main"
	}
	msg := errorMessage(rec)

	switch {
	case strings.Contains(msg, "network"):
		m.log.Info("git network error; waiting before retry", logx.String("repository", repo), logx.Duration("wait", cfg.GitNetworkWait))
		if err := sleepCtx(ctx, cfg.GitNetworkWait); err != nil {
			return Outcome{}, err
		}
		op := detailString(rec.Details, "operation")
		var err error
		switch op {
		case "clone":
			err = deps.Git.Clone(ctx, repo)
		case "pull":
			err = deps.Git.Pull(ctx, repo)
		case "push":
			err = deps.Git.Push(ctx, repo, branch)
		default:
			return failure("unknown git operation: " + op), nil
		}
		if err != nil {
			return Outcome{}, err
		}
		return success("recovered git operation: "+op, map[string]any{"repository": repo, "operation": op}), nil

	case strings.Contains(msg, "conflict"):
		nb := fmt.Sprintf("recovery_%d", m.now().Unix())
		if err := deps.Git.CreateBranch(ctx, repo, nb, branch); err != nil {
			return Outcome{}, err
		}
		return success("created branch "+nb+" to avoid conflicts", map[string]any{"repository": repo, "branch": nb}), nil

	case strings.Contains(msg, "auth"):
		return failure("authentication error, manual intervention required"), nil

	default:
		if err := deps.Git.Reset(ctx, repo, branch); err != nil {
			return Outcome{}, err
		}
		return success("reset repository to clean state", map[string]any{"repository": repo, "branch": branch}), nil
	}
}

func (m *Manager) recoverDatabaseConnection(ctx context.Context, _ ErrorRecord) (Outcome, error) {
	deps, _ := m.depsSnapshot()
	if deps.DB == nil {
		return partial("no database configured"), nil
	}
	if err := deps.DB.Ping(ctx); err != nil {
		return partial("database ping failed: " + err.Error()), nil
	}
	return success("database connection verified", nil), nil
}

func (m *Manager) recoverRateLimit(ctx context.Context, rec ErrorRecord) (Outcome, error) {
	_, cfg := m.depsSnapshot()
	wait := cfg.RateLimitWait
	if v, ok := rec.Details["retry_after"]; ok {
		if secs, ok := metrics.Float(v); ok && secs >= 0 {
			wait = time.Duration(secs * float64(time.Second))
		}
	}
	m.log.Info("rate limit exceeded; waiting", logx.Duration("wait", wait))
	if err := sleepCtx(ctx, wait); err != nil {
		return Outcome{}, err
	}
	return success(fmt.Sprintf("waited %s for rate limit reset", wait), map[string]any{"waited": wait.Seconds()}), nil
}

func (m *Manager) recoverProcessCrash(ctx context.Context, rec ErrorRecord) (Outcome, error) {
	deps, cfg := m.depsSnapshot()
	pid := detailString(rec.Details, "process_id")
	if pid == "" {
		return failure("process id not provided in error details"), nil
	}
	unit := detailString(rec.Details, "unit")
	if unit == "" {
		unit = cfg.Units[pid]
	}
	switch {
	case unit != "" && deps.Units != nil:
		m.log.Info("restarting unit", logx.String("process", pid), logx.String("unit", unit))
		if err := deps.Units.RestartUnit(ctx, unit); err != nil {
			return Outcome{}, err
		}
		return success("restarted unit "+unit, map[string]any{"process_id": pid, "unit": unit}), nil
	case deps.Processes != nil:
		m.log.Info("restarting process", logx.String("process", pid))
		if err := deps.Processes.RestartProcess(ctx, pid); err != nil {
			return Outcome{}, err
		}
		return success("restarted process "+pid, map[string]any{"process_id": pid}), nil
	}
	return partial("process restart initiated, monitoring for stability"), nil
}

func (m *Manager) recoverFileSystem(_ context.Context, rec ErrorRecord) (Outcome, error) {
	path := detailString(rec.Details, "file_path")
	if path == "" {
		return failure("file path not provided in error details"), nil
	}
	msg := errorMessage(rec)
	switch {
	case strings.Contains(msg, "permission"):
		return partial("file permission issues require manual intervention"), nil
	case strings.Contains(msg, "directory"):
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return failure("failed to create directory: " + err.Error()), nil
		}
		return success("created missing directory for "+path, map[string]any{"directory": dir}), nil
	case strings.Contains(msg, "space"):
		return partial("disk space issues require manual intervention"), nil
	}
	return failure("unknown file system error, manual intervention required"), nil
}

func (m *Manager) recoverComponent(ctx context.Context, rec ErrorRecord) (Outcome, error) {
	name := rec.Component
	if name == "" {
		name = detailString(rec.Details, "component")
	}
	restart := m.restartHook(name)
	if restart == nil {
		return partial("no restart hook for component " + name), nil
	}
	if err := restart(ctx); err != nil {
		return Outcome{}, err
	}
	return success("restarted component "+name, map[string]any{"component": name}), nil
}

func defaultStrategy(_ context.Context, rec ErrorRecord) (Outcome, error) {
	return Outcome{
		Status:  OutcomePartial,
		Message: "unknown error type, basic recovery attempted",
		Result:  map[string]any{"suggestion": "review error details and register a strategy for " + rec.Type},
	}, nil
}
