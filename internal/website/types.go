package website

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownRepository = errors.New("unknown repository")

const defaultCommitMessage = "Automated website update"

// Repository is one managed checkout.
type Repository struct {
	Name           string
	Path           string
	URL            string
	Branch         string // default main
	Remote         string // default origin
	UpdateInterval time.Duration
}

func (r Repository) withDefaults() Repository {
	if strings.TrimSpace(r.Branch) == "" {
		r.Branch = "main"
	}
	if strings.TrimSpace(r.Remote) == "" {
		r.Remote = "origin"
	}
	return r
}

type Config struct {
	GitBinary     string // default "git"
	CommitMessage string
	Repositories  []Repository
}

// UpdateResult describes one Update run.
type UpdateResult struct {
	Repository string        `json:"repository"`
	Cloned     bool          `json:"cloned,omitempty"`
	Files      []string      `json:"files,omitempty"`
	Committed  bool          `json:"committed"`
	Pushed     bool          `json:"pushed"`
	Duration   time.Duration `json:"duration"`
}

// GitError is a failed git command. It classifies as a GitOperationError for
// recovery.
type GitError struct {
	Repo   string
	Op     string
	Branch string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("git %s %s: %v", e.Op, e.Repo, e.Err)
	}
	return fmt.Sprintf("git %s %s: %v (stderr: %s)", e.Op, e.Repo, e.Err, e.Stderr)
}

func (e *GitError) Unwrap() error { return e.Err }

func (e *GitError) ErrorType() string { return "GitOperationError" }

// RecoveryDetails feeds the git recovery strategy.
func (e *GitError) RecoveryDetails() map[string]any {
	d := map[string]any{
		"repository":    e.Repo,
		"operation":     e.Op,
		"error_message": e.Error(),
	}
	if e.Branch != "" {
		d["branch"] = e.Branch
	}
	return d
}

// classifyStderr tags common failures so recovery picks the right branch.
func classifyStderr(stderr string) string {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "could not resolve host"),
		strings.Contains(s, "connection timed out"),
		strings.Contains(s, "connection refused"),
		strings.Contains(s, "unable to access"):
		return "network: " + stderr
	case strings.Contains(s, "authentication failed"),
		strings.Contains(s, "permission denied (publickey)"):
		return "auth: " + stderr
	case strings.Contains(s, "conflict"), strings.Contains(s, "non-fast-forward"), strings.Contains(s, "not possible to fast-forward"):
		return "conflict: " + stderr
	}
	return stderr
}
