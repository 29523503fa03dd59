package website

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "gams/pkg/logx"
)

// GitUpdater runs git operations on configured repositories.
type GitUpdater struct {
	mu    sync.RWMutex
	cfg   Config
	repos map[string]Repository
	locks map[string]*sync.Mutex
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) *GitUpdater {
	if log.IsZero() {
		log = logx.Nop()
	}
	u := &GitUpdater{locks: map[string]*sync.Mutex{}, log: log}
	u.Apply(cfg)
	return u
}

// Apply replaces the repository set.
func (u *GitUpdater) Apply(cfg Config) {
	if strings.TrimSpace(cfg.GitBinary) == "" {
		cfg.GitBinary = "git"
	}
	if strings.TrimSpace(cfg.CommitMessage) == "" {
		cfg.CommitMessage = defaultCommitMessage
	}
	repos := make(map[string]Repository, len(cfg.Repositories))
	for _, r := range cfg.Repositories {
		repos[r.Name] = r.withDefaults()
	}
	u.mu.Lock()
	u.cfg = cfg
	u.repos = repos
	for name := range repos {
		if u.locks[name] == nil {
			u.locks[name] = &sync.Mutex{}
		}
	}
	u.mu.Unlock()
}

// Repositories lists configured repository names, sorted.
func (u *GitUpdater) Repositories() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	names := make([]string, 0, len(u.repos))
	for n := range u.repos {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Repository returns one repository's settings.
func (u *GitUpdater) Repository(name string) (Repository, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	r, ok := u.repos[name]
	return r, ok
}

// lock resolves name and takes its lock.
func (u *GitUpdater) lock(name string) (Repository, string, func(), error) {
	u.mu.RLock()
	r, ok := u.repos[name]
	l := u.locks[name]
	bin := u.cfg.GitBinary
	u.mu.RUnlock()
	if !ok {
		return Repository{}, "", nil, fmt.Errorf("%w: %s", ErrUnknownRepository, name)
	}
	l.Lock()
	return r, bin, l.Unlock, nil
}

// git runs a command in the repository directory and returns stdout.
func (u *GitUpdater) git(ctx context.Context, bin string, r Repository, op string, args ...string) (string, error) {
	full := append([]string{"-C", r.Path}, args...)
	return u.exec(ctx, bin, r, op, full...)
}

func (u *GitUpdater) exec(ctx context.Context, bin string, r Repository, op string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	start := time.Now()
	err := cmd.Run()
	u.log.Trace("git command", logx.String("repository", r.Name), logx.Strings("args", args), logx.Duration("took", time.Since(start)))
	if err != nil {
		return "", &GitError{
			Repo:   r.Name,
			Op:     op,
			Branch: r.Branch,
			Stderr: classifyStderr(strings.TrimSpace(stderr.String())),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

func cloned(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// Clone clones the repository when its path has no checkout yet.
func (u *GitUpdater) Clone(ctx context.Context, name string) error {
	r, bin, unlock, err := u.lock(name)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = u.clone(ctx, bin, r)
	return err
}

func (u *GitUpdater) clone(ctx context.Context, bin string, r Repository) (bool, error) {
	if cloned(r.Path) {
		return false, nil
	}
	if strings.TrimSpace(r.URL) == "" {
		return false, &GitError{Repo: r.Name, Op: "clone", Err: errors.New("no url configured and no checkout at " + r.Path)}
	}
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return false, err
	}
	_, err := u.exec(ctx, bin, r, "clone", "clone", "--origin", r.Remote, "--branch", r.Branch, r.URL, r.Path)
	if err != nil {
		return false, err
	}
	u.log.Info("repository cloned", logx.String("repository", r.Name), logx.String("path", r.Path))
	return true, nil
}

// Pull fast-forwards the checkout from its remote.
func (u *GitUpdater) Pull(ctx context.Context, name string) error {
	r, bin, unlock, err := u.lock(name)
	if err != nil {
		return err
	}
	defer unlock()
	return u.pull(ctx, bin, r)
}

func (u *GitUpdater) pull(ctx context.Context, bin string, r Repository) error {
	ok, err := u.hasRemote(ctx, bin, r)
	if err != nil || !ok {
		return err
	}
	_, err = u.git(ctx, bin, r, "pull", "pull", "--ff-only", r.Remote, r.Branch)
	return err
}

func (u *GitUpdater) hasRemote(ctx context.Context, bin string, r Repository) (bool, error) {
	out, err := u.git(ctx, bin, r, "remote", "remote")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == r.Remote {
			return true, nil
		}
	}
	return false, nil
}

// Prepare clones a missing checkout or fast-forwards an existing one.
func (u *GitUpdater) Prepare(ctx context.Context, name string) error {
	r, bin, unlock, err := u.lock(name)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = u.prepare(ctx, bin, r)
	return err
}

func (u *GitUpdater) prepare(ctx context.Context, bin string, r Repository) (bool, error) {
	if !cloned(r.Path) {
		return u.clone(ctx, bin, r)
	}
	return false, u.pull(ctx, bin, r)
}

// ModifiedFiles lists paths with uncommitted changes, untracked included.
func (u *GitUpdater) ModifiedFiles(ctx context.Context, name string) ([]string, error) {
	r, bin, unlock, err := u.lock(name)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return u.modified(ctx, bin, r)
}

func (u *GitUpdater) modified(ctx context.Context, bin string, r Repository) ([]string, error) {
	out, err := u.git(ctx, bin, r, "status", "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

func parsePorcelain(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		p := line[3:]
		if i := strings.Index(p, " -> "); i >= 0 {
			p = p[i+4:]
		}
		files = append(files, strings.Trim(p, `"`))
	}
	return files
}

// Commit stages files (everything when empty) and commits them. It reports
// false when nothing was staged.
func (u *GitUpdater) Commit(ctx context.Context, name, msg string, files []string) (bool, error) {
	r, bin, unlock, err := u.lock(name)
	if err != nil {
		return false, err
	}
	defer unlock()
	return u.commit(ctx, bin, r, msg, files)
}

func (u *GitUpdater) commit(ctx context.Context, bin string, r Repository, msg string, files []string) (bool, error) {
	if strings.TrimSpace(msg) == "" {
		u.mu.RLock()
		msg = u.cfg.CommitMessage
		u.mu.RUnlock()
	}
	add := []string{"add", "-A"}
	if len(files) > 0 {
		add = append(append(add, "--"), files...)
	}
	if _, err := u.git(ctx, bin, r, "add", add...); err != nil {
		return false, err
	}
	// diff --quiet exits 1 when something is staged.
	if _, err := u.git(ctx, bin, r, "diff", "diff", "--cached", "--quiet"); err == nil {
		return false, nil
	} else if !isExitCode(err, 1) {
		return false, err
	}
	if _, err := u.git(ctx, bin, r, "commit", "commit", "-m", msg); err != nil {
		return false, err
	}
	return true, nil
}

func isExitCode(err error, code int) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee) && ee.ExitCode() == code
}

// Push pushes branch (the repository branch when empty) to the remote.
func (u *GitUpdater) Push(ctx context.Context, name, branch string) error {
	r, bin, unlock, err := u.lock(name)
	if err != nil {
		return err
	}
	defer unlock()
	if branch != "" {
		r.Branch = branch
	}
	return u.push(ctx, bin, r)
}

func (u *GitUpdater) push(ctx context.Context, bin string, r Repository) error {
	_, err := u.git(ctx, bin, r, "push", "push", r.Remote, "HEAD:refs/heads/"+r.Branch)
	return err
}

// CreateBranch creates and checks out branch starting at from.
func (u *GitUpdater) CreateBranch(ctx context.Context, name, branch, from string) error {
	r, bin, unlock, err := u.lock(name)
	if err != nil {
		return err
	}
	defer unlock()
	if from == "" {
		from = r.Branch
	}
	_, err = u.git(ctx, bin, r, "branch", "checkout", "-b", branch, from)
	if err == nil {
		u.log.Info("branch created", logx.String("repository", name), logx.String("branch", branch), logx.String("from", from))
	}
	return err
}

// Reset discards local changes and checks out branch.
func (u *GitUpdater) Reset(ctx context.Context, name, branch string) error {
	r, bin, unlock, err := u.lock(name)
	if err != nil {
		return err
	}
	defer unlock()
	if branch == "" {
		branch = r.Branch
	}
	steps := [][]string{
		{"reset", "--hard", "HEAD"},
		{"clean", "-fd"},
		{"checkout", "-f", branch},
	}
	for _, args := range steps {
		if _, err := u.git(ctx, bin, r, "reset", args...); err != nil {
			return err
		}
	}
	u.log.Info("repository reset", logx.String("repository", name), logx.String("branch", branch))
	return nil
}

// Update prepares the checkout, commits pending changes and pushes them
// when a remote is configured.
func (u *GitUpdater) Update(ctx context.Context, name string) (UpdateResult, error) {
	start := time.Now()
	res := UpdateResult{Repository: name}
	r, bin, unlock, err := u.lock(name)
	if err != nil {
		return res, err
	}
	defer unlock()

	if res.Cloned, err = u.prepare(ctx, bin, r); err != nil {
		return res, err
	}
	if res.Files, err = u.modified(ctx, bin, r); err != nil {
		return res, err
	}
	if len(res.Files) > 0 {
		if res.Committed, err = u.commit(ctx, bin, r, "", nil); err != nil {
			return res, err
		}
	}
	if res.Committed {
		ok, err := u.hasRemote(ctx, bin, r)
		if err != nil {
			return res, err
		}
		if ok {
			if err := u.push(ctx, bin, r); err != nil {
				return res, err
			}
			res.Pushed = true
		}
	}
	res.Duration = time.Since(start)
	u.log.Info("repository updated",
		logx.String("repository", name),
		logx.Int("files", len(res.Files)),
		logx.Bool("committed", res.Committed),
		logx.Bool("pushed", res.Pushed),
		logx.Duration("took", res.Duration),
	)
	return res, nil
}

// UpdateAll updates every repository and joins their errors.
func (u *GitUpdater) UpdateAll(ctx context.Context) (map[string]UpdateResult, error) {
	out := map[string]UpdateResult{}
	var errs []error
	for _, name := range u.Repositories() {
		res, err := u.Update(ctx, name)
		out[name] = res
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Ping verifies the git binary runs and every checkout path that exists is
// a repository.
func (u *GitUpdater) Ping(ctx context.Context) error {
	u.mu.RLock()
	bin := u.cfg.GitBinary
	u.mu.RUnlock()
	if _, err := u.exec(ctx, bin, Repository{Name: "-"}, "version", "--version"); err != nil {
		return err
	}
	for _, name := range u.Repositories() {
		r, _ := u.Repository(name)
		if _, err := os.Stat(r.Path); err == nil && !cloned(r.Path) {
			return fmt.Errorf("repository %s: %s is not a git checkout", name, r.Path)
		}
	}
	return nil
}
