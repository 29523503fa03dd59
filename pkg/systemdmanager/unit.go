// Package systemdmanager restarts and inspects systemd units over D-Bus.
package systemdmanager

import (
	"errors"
	"strings"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

// UnitStatus is the core state of one unit.
type UnitStatus struct {
	Name   string `json:"name"`
	Active string `json:"active"` // active, inactive, failed, ...
	Sub    string `json:"sub"`    // running, dead, ...
	Load   string `json:"load"`   // loaded, not-found, ...
}

// Healthy reports whether the unit is loaded and active.
func (s UnitStatus) Healthy() bool { return s.Load != "not-found" && s.Active == "active" }

var unitSuffixes = []string{".service", ".socket", ".timer", ".target", ".path", ".mount"}

// UnitName appends ".service" to bare names.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	for _, sfx := range unitSuffixes {
		if strings.HasSuffix(name, sfx) {
			return name
		}
	}
	return name + ".service"
}
