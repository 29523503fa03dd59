package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"gams/internal/config"
	"gams/internal/observability/ops"
	"gams/internal/recovery"
)

var (
	healthAddr    string
	healthTimeout time.Duration
)

var errUnhealthy = errors.New("system is not healthy")

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run the health checks of a running instance",
	Long: `Health asks the ops server of a running instance to run every health
check and prints the result. It exits non-zero unless the system is healthy.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewManager(configPath).Load()
		if err != nil {
			return err
		}
		addr := strings.TrimSpace(healthAddr)
		if addr == "" {
			addr = strings.TrimSpace(cfg.Ops.Addr)
		}
		if addr == "" {
			addr = ops.DefaultAddr
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		c := opsClient{base: "http://" + addr, token: cfg.Ops.Token}
		var h recovery.SystemHealth
		if err := c.get(ctx, "/healthz", &h); err != nil {
			return err
		}
		var st statusSummary
		if err := c.get(ctx, "/status", &st); err != nil {
			st = statusSummary{}
		}
		printHealth(cmd.OutOrStdout(), h, st)
		if h.Overall != recovery.StatusHealthy {
			return errUnhealthy
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "", "ops server address (default: ops.addr from config)")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 30*time.Second, "request timeout")
}

// statusSummary is the part of /status the health command prints.
type statusSummary struct {
	StartedAt time.Time `json:"started_at"`
	Cycle     struct {
		CurrentPhase string    `json:"current_phase"`
		LastChange   time.Time `json:"last_phase_change"`
		Completed    int       `json:"completed_cycles"`
	} `json:"cycle"`
	Optimizer struct {
		Running           bool `json:"running"`
		Iterations        int  `json:"iterations"`
		ActiveExperiments int  `json:"active_experiments"`
	} `json:"optimizer"`
}

type opsClient struct {
	base  string
	token string
}

func (c opsClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("ops server unreachable (is ops.enabled set?): %w", err)
	}
	defer resp.Body.Close()
	// /healthz answers 503 with a full report when unhealthy.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printHealth(w io.Writer, h recovery.SystemHealth, st statusSummary) {
	fmt.Fprintf(w, "overall: %s (checked %s)\n", h.Overall, humanize.Time(h.LastCheck))
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "started: %s\n", humanize.Time(st.StartedAt))
	}
	if st.Cycle.CurrentPhase != "" {
		fmt.Fprintf(w, "cycle:   %s since %s, %s completed\n", st.Cycle.CurrentPhase,
			humanize.Time(st.Cycle.LastChange), humanize.Comma(int64(st.Cycle.Completed)))
	}
	fmt.Fprintf(w, "revenue: running=%t iterations=%s active_experiments=%d\n\n",
		st.Optimizer.Running, humanize.Comma(int64(st.Optimizer.Iterations)), st.Optimizer.ActiveExperiments)

	names := make([]string, 0, len(h.Components))
	for name := range h.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tSTATUS\tMESSAGE")
	for _, name := range names {
		c := h.Components[name]
		status := c.Status
		if c.Critical {
			status += " (critical)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, status, c.Message)
	}
	_ = tw.Flush()
}
