// Package website keeps configured website repositories up to date by
// driving the git CLI: clone or fast-forward, commit pending changes, push.
//
// All commands target a repository directory via "git -C <dir>" and run
// under a per-repository lock.
package website
