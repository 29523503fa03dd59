package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"gams/internal/app"
	logx "gams/pkg/logx"
)

const shutdownTimeout = 20 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background services until interrupted",
	Long: `Run starts every component and blocks until SIGINT, SIGTERM or a fatal
error. Under systemd (Type=notify) readiness, watchdog pings and stopping
are reported through sd_notify.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.New(configPath)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	log := a.Logger()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		stopCtx, c := context.WithTimeout(context.Background(), shutdownTimeout)
		defer c()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	notify(log, daemon.SdNotifyReady)
	go watchdog(ctx, log)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-parent.Done():
		reason = app.StopAppStop
	}
	notify(log, daemon.SdNotifyStopping)
	cancel()

	stopCtx, c := context.WithTimeout(context.Background(), shutdownTimeout)
	defer c()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
	}
	return stopErr
}

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec.
func watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
