//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds one system bus connection.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// New connects to the system bus. If ctx is nil, context.Background() is used.
func New(ctx context.Context) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// RestartUnit restarts unit and waits for the job to finish.
func (m *Manager) RestartUnit(ctx context.Context, unit string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return fmt.Errorf("systemd connection is closed")
	}
	name := UnitName(unit)
	done := make(chan string, 1)
	if _, err := m.conn.RestartUnitContext(ctx, name, "replace", done); err != nil {
		return fmt.Errorf("failed to restart %s: %w", name, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("restart %s: job %s", name, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reads the unit's load, active and sub states.
func (m *Manager) Status(ctx context.Context, unit string) (UnitStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return UnitStatus{}, fmt.Errorf("systemd connection is closed")
	}
	name := UnitName(unit)
	props, err := m.conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("status %s: %w", name, err)
	}
	st := UnitStatus{Name: name}
	st.Active, _ = props["ActiveState"].(string)
	st.Sub, _ = props["SubState"].(string)
	st.Load, _ = props["LoadState"].(string)
	return st, nil
}
