package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gams/internal/app"
	"gams/internal/revenue/rl"
)

var optimizeActions []string

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run one manual revenue optimization",
	Long: `Optimize launches an experiment for the given action and dispatches it
to the action handlers. The model and experiments are saved on exit.

  gams optimize --action pricing=29.5 --action content_type=tutorial`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := parseAction(optimizeActions)
		if err != nil {
			return err
		}
		a, err := app.New(configPath)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		res, runErr := a.Optimizer().ManualOptimization(cmd.Context(), action)

		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stopErr := a.Stop(stopCtx, app.StopAppStop)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		return errors.Join(runErr, stopErr)
	},
}

func init() {
	optimizeCmd.Flags().StringArrayVarP(&optimizeActions, "action", "a", nil, "action dimension as key=value (repeatable)")
	_ = optimizeCmd.MarkFlagRequired("action")
}

// parseAction turns key=value pairs into an action. Numbers and booleans
// keep their type; everything else is a string.
func parseAction(pairs []string) (rl.Action, error) {
	action := rl.Action{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid action %q, want key=value", p)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			action[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			action[k] = b
		} else {
			action[k] = v
		}
	}
	if len(action) == 0 {
		return nil, rl.ErrNilAction
	}
	return action, nil
}
