// Package systemd drives units through the systemctl binary. It is the
// fallback when the system bus is unreachable.
package systemd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Systemctl implements unit restarts with `systemctl`.
type Systemctl struct {
	// Binary defaults to "systemctl".
	Binary string
}

func (s Systemctl) bin() string {
	if strings.TrimSpace(s.Binary) == "" {
		return "systemctl"
	}
	return s.Binary
}

// IsActive reports whether unit is active. A non-zero exit means inactive.
func (s Systemctl) IsActive(ctx context.Context, unit string) (bool, error) {
	out, _ := exec.CommandContext(ctx, s.bin(), "is-active", unit).CombinedOutput()
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return strings.TrimSpace(string(out)) == "active", nil
}

// RestartUnit runs `systemctl restart unit`.
func (s Systemctl) RestartUnit(ctx context.Context, unit string) error {
	out, err := exec.CommandContext(ctx, s.bin(), "restart", unit).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("systemctl restart %s: %w", unit, err)
		}
		return fmt.Errorf("systemctl restart %s: %w: %s", unit, err, msg)
	}
	return nil
}
