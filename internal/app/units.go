package app

import (
	"context"
	"fmt"
	"sort"

	"gams/internal/recovery"
	logx "gams/pkg/logx"
	"gams/pkg/systemd"
	"gams/pkg/systemdmanager"
)

// unitControl restarts and probes systemd units over D-Bus, falling back to
// systemctl when the system bus is unavailable.
type unitControl struct {
	bus *systemdmanager.Manager
	ctl systemd.Systemctl
}

func newUnitControl(ctx context.Context, log logx.Logger) *unitControl {
	m, err := systemdmanager.New(ctx)
	if err != nil {
		log.Warn("systemd bus unavailable, using systemctl", logx.Err(err))
		return &unitControl{}
	}
	return &unitControl{bus: m}
}

func (u *unitControl) RestartUnit(ctx context.Context, unit string) error {
	if u.bus != nil {
		return u.bus.RestartUnit(ctx, unit)
	}
	return u.ctl.RestartUnit(ctx, unit)
}

func (u *unitControl) active(ctx context.Context, unit string) (bool, string, error) {
	if u.bus != nil {
		st, err := u.bus.Status(ctx, unit)
		if err != nil {
			return false, "", err
		}
		return st.Healthy(), st.Active + "/" + st.Sub, nil
	}
	ok, err := u.ctl.IsActive(ctx, unit)
	state := "inactive"
	if ok {
		state = "active"
	}
	return ok, state, err
}

func (u *unitControl) Close() error {
	if u.bus != nil {
		return u.bus.Close()
	}
	return nil
}

// registerUnitChecks adds one health check per mapped unit. An inactive
// unit is restarted by the monitoring loop.
func (u *unitControl) registerUnitChecks(rm *recovery.Manager, units map[string]string) {
	ids := make([]string, 0, len(units))
	for id := range units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		unit := units[id]
		rm.RegisterHealthCheck("unit:"+unit, func(ctx context.Context) (recovery.HealthStatus, error) {
			ok, state, err := u.active(ctx, unit)
			if err != nil {
				return recovery.HealthStatus{}, err
			}
			st := recovery.HealthStatus{
				Status:  recovery.StatusHealthy,
				Message: fmt.Sprintf("unit %s is %s", unit, state),
				Details: map[string]any{"process": id, "unit": unit},
			}
			if !ok {
				st.Status = recovery.StatusUnhealthy
			}
			return st, nil
		}, recovery.WithRestart(func(ctx context.Context) error { return u.RestartUnit(ctx, unit) }))
	}
}
