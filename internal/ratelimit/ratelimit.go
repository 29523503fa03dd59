// Package ratelimit applies per-category limits: a per-minute budget and a
// cap on concurrent executions.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "gams/pkg/logx"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

const (
	DefaultPerMinute  = 60
	DefaultConcurrent = 10
)

// Limit is the configuration of one category.
type Limit struct {
	PerMinute  int
	Concurrent int
}

func (l Limit) withDefaults() Limit {
	if l.PerMinute <= 0 {
		l.PerMinute = DefaultPerMinute
	}
	if l.Concurrent <= 0 {
		l.Concurrent = DefaultConcurrent
	}
	return l
}

type limiter struct {
	cfg    Limit
	tokens *rate.Limiter
	sem    *semaphore.Weighted
	active int64
}

func newLimiter(l Limit) *limiter {
	l = l.withDefaults()
	return &limiter{
		cfg:    l,
		tokens: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.PerMinute)), l.PerMinute),
		sem:    semaphore.NewWeighted(int64(l.Concurrent)),
	}
}

// Limiter holds one limiter per category, created with the defaults on
// first use.
type Limiter struct {
	mu       sync.Mutex
	def      Limit
	limiters map[string]*limiter
	log      logx.Logger
}

func New(def Limit, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{def: def.withDefaults(), limiters: map[string]*limiter{}, log: log}
}

// Configure replaces the limits of category. In-flight executions keep the
// semaphore they acquired.
func (l *Limiter) Configure(category string, perMinute, concurrent int) {
	lim := newLimiter(Limit{PerMinute: perMinute, Concurrent: concurrent})
	l.mu.Lock()
	l.limiters[category] = lim
	l.mu.Unlock()
	l.log.Info("rate limit configured",
		logx.String("category", category),
		logx.Int("per_minute", lim.cfg.PerMinute),
		logx.Int("concurrent", lim.cfg.Concurrent),
	)
}

// Apply configures every category in limits.
func (l *Limiter) Apply(limits map[string]Limit) {
	for cat, lim := range limits {
		l.Configure(cat, lim.PerMinute, lim.Concurrent)
	}
}

func (l *Limiter) get(category string) *limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim := l.limiters[category]
	if lim == nil {
		lim = newLimiter(l.def)
		l.limiters[category] = lim
	}
	return lim
}

// Allow consumes one unit of category's minute budget.
func (l *Limiter) Allow(category string) bool {
	ok := l.get(category).tokens.Allow()
	if !ok {
		l.log.Warn("rate limit exceeded", logx.String("category", category))
	}
	return ok
}

// Execute runs fn under category's limits. It fails fast with
// ErrRateLimited when the minute budget is spent and waits for a concurrency
// slot otherwise.
func (l *Limiter) Execute(ctx context.Context, category string, fn func(ctx context.Context) error) error {
	lim := l.get(category)
	if !lim.tokens.Allow() {
		l.log.Warn("rate limit exceeded", logx.String("category", category))
		return fmt.Errorf("%w: %s", ErrRateLimited, category)
	}
	if err := lim.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.mu.Lock()
	lim.active++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		lim.active--
		l.mu.Unlock()
		lim.sem.Release(1)
	}()
	return fn(ctx)
}

// CategoryStats is a diagnostics view of one category.
type CategoryStats struct {
	PerMinute  int     `json:"per_minute"`
	Concurrent int     `json:"concurrent"`
	Active     int64   `json:"active"`
	Tokens     float64 `json:"tokens"`
}

func (l *Limiter) Snapshot() map[string]CategoryStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]CategoryStats, len(l.limiters))
	for cat, lim := range l.limiters {
		out[cat] = CategoryStats{
			PerMinute:  lim.cfg.PerMinute,
			Concurrent: lim.cfg.Concurrent,
			Active:     lim.active,
			Tokens:     lim.tokens.Tokens(),
		}
	}
	return out
}
