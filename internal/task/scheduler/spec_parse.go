package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParsedSpec is the normalized form of a schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 2 * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2h30m)
//   - One-time: "once:2026-01-02T15:04:05Z" (RFC 3339)
//   - "immediate"
//
// Prefixes "cron:", "interval:"/"every:" and "once:" force a kind.
type ParsedSpec struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	At     time.Time
	Source string // "cron" | "duration" | "hhmm" | "rfc3339" | "immediate"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression with optional seconds and descriptors.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// ParseSchedule parses a human schedule string.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
	}
	low := strings.ToLower(s)

	switch {
	case low == "immediate" || low == "now":
		return ParsedSpec{Kind: KindImmediate, Source: "immediate"}, nil
	case strings.HasPrefix(low, "once:"):
		v := strings.TrimSpace(s[len("once:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("%w: once requires RFC 3339 time: %v", ErrInvalidSchedule, err)
		}
		return ParsedSpec{Kind: KindOnce, At: at, Source: "rfc3339"}, nil
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidSchedule)
		}
		return ParsedSpec{Kind: KindCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"), strings.HasPrefix(low, "every:"):
		v := strings.TrimSpace(s[strings.Index(s, ":")+1:])
		d, src, err := parseInterval(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: KindInterval, Every: d, Source: src}, nil
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: KindCron, Cron: s, Source: "cron"}, nil
	}
	d, src, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf(
			"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', a duration like '55m', 'once:<RFC3339>' or 'immediate')",
			ErrInvalidSchedule, raw,
		)
	}
	return ParsedSpec{Kind: KindInterval, Every: d, Source: src}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("%w: interval required", ErrInvalidSchedule)
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, "", fmt.Errorf("%w: invalid minutes in %q", ErrInvalidSchedule, v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, "", fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
		}
		return d, "hhmm", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("%w: invalid interval %q", ErrInvalidSchedule, v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return d, "duration", nil
}

// Spec converts the parsed form into a task spec.
func (p ParsedSpec) Spec(id string, priority int) Spec {
	return Spec{ID: id, Kind: p.Kind, Interval: p.Every, Cron: p.Cron, At: p.At, Priority: priority}
}

// describe renders a spec's trigger for Status.
func describe(sp Spec) string {
	switch sp.Kind {
	case KindInterval:
		return "every " + sp.Interval.String()
	case KindCron:
		return sp.Cron
	case KindOnce:
		return "once " + sp.At.Format(time.RFC3339)
	default:
		return string(sp.Kind)
	}
}
