package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Record kinds written by GAMS components.
const (
	KindEvent      = "event"
	KindError      = "error"
	KindTaskResult = "task_result"
	KindExperiment = "experiment"
	KindProcess    = "process"
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines records + snapshot journal next to Path
//   - "sqlite": SQLite database at Path (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one appended entry. JSON holds the kind-specific payload.
type Record struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Key  string    `json:"key,omitempty"`
	JSON string    `json:"json,omitempty"`
}
