package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gams/internal/events"
	rtsup "gams/internal/runtime/supervisor"
	"gams/internal/storage"
	logx "gams/pkg/logx"
)

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, name string, data map[string]any, publisherID string) events.PublishResult
}

// Deps are the optional collaborators used by the built-in strategies.
type Deps struct {
	Events    Publisher
	Alerts    logx.AlertSender
	Store     storage.Store
	DB        Pinger
	Git       GitRepairer
	Processes ProcessRestarter
	Units     UnitRestarter
}

type Manager struct {
	mu         sync.Mutex
	cfg        Config
	log        logx.Logger
	deps       Deps
	strategies map[string]Strategy
	records    map[string]*ErrorRecord
	checks     []*check
	health     SystemHealth
	now        func() time.Time

	monMu  sync.Mutex
	monSup *rtsup.Supervisor
	monCtx context.Context
}

func New(cfg Config, log logx.Logger, deps Deps) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.DB == nil && deps.Store != nil {
		deps.DB = deps.Store
	}
	m := &Manager{
		cfg:        cfg.withDefaults(),
		log:        log,
		deps:       deps,
		strategies: map[string]Strategy{},
		records:    map[string]*ErrorRecord{},
		health:     SystemHealth{Overall: StatusUnknown, Components: map[string]HealthStatus{}},
		now:        time.Now,
	}
	m.registerDefaultStrategies()
	return m
}

func (m *Manager) registerDefaultStrategies() {
	m.strategies[TypeGitOperation] = m.recoverGitOperation
	m.strategies[TypeDatabaseConnection] = m.recoverDatabaseConnection
	m.strategies[TypeRateLimit] = m.recoverRateLimit
	m.strategies[TypeProcessCrash] = m.recoverProcessCrash
	m.strategies[TypeFileSystem] = m.recoverFileSystem
	m.strategies[TypeComponentUnhealthy] = m.recoverComponent
	m.strategies[TypeDefault] = defaultStrategy
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Apply swaps the configuration. A changed health check interval restarts
// monitoring when it is running.
func (m *Manager) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	m.mu.Unlock()

	if old.HealthCheckInterval == cfg.HealthCheckInterval {
		return
	}
	m.monMu.Lock()
	running := m.monSup != nil
	ctx := m.monCtx
	m.monMu.Unlock()
	if running {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.StopMonitoring(stopCtx)
		cancel()
		m.StartMonitoring(ctx, cfg.HealthCheckInterval)
	}
}

func (m *Manager) SetGitRepairer(g GitRepairer) {
	m.mu.Lock()
	m.deps.Git = g
	m.mu.Unlock()
}

func (m *Manager) SetProcessRestarter(p ProcessRestarter) {
	m.mu.Lock()
	m.deps.Processes = p
	m.mu.Unlock()
}

func (m *Manager) SetUnitRestarter(u UnitRestarter) {
	m.mu.Lock()
	m.deps.Units = u
	m.mu.Unlock()
}

func (m *Manager) SetAlertSender(a logx.AlertSender) {
	m.mu.Lock()
	m.deps.Alerts = a
	m.mu.Unlock()
}

func (m *Manager) depsSnapshot() (Deps, Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deps, m.cfg
}

// RegisterStrategy installs fn for errType, replacing any previous one.
func (m *Manager) RegisterStrategy(errType string, fn Strategy) {
	m.mu.Lock()
	_, replaced := m.strategies[errType]
	m.strategies[errType] = fn
	m.mu.Unlock()
	if replaced {
		m.log.Warn("overwriting recovery strategy", logx.String("type", errType))
	} else {
		m.log.Debug("recovery strategy registered", logx.String("type", errType))
	}
}

// newIDLocked returns base, or base_n when base is taken.
func (m *Manager) newIDLocked(base string) string {
	id := base
	for n := 1; ; n++ {
		if _, taken := m.records[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

// ReportError records an error and immediately attempts recovery.
func (m *Manager) ReportError(ctx context.Context, errType string, details map[string]any, component string) Outcome {
	m.mu.Lock()
	now := m.now()
	rec := &ErrorRecord{
		ID:        m.newIDLocked(fmt.Sprintf("%d_%s", now.Unix(), errType)),
		Type:      errType,
		Details:   details,
		Component: component,
		Timestamp: now,
	}
	m.records[rec.ID] = rec
	m.mu.Unlock()

	m.log.Error("error reported",
		logx.String("id", rec.ID),
		logx.String("type", errType),
		logx.String("component", orUnknown(component)),
		logx.Any("details", details),
	)
	return m.Recover(ctx, rec.ID)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Recover runs the strategy for the record's type once. Records still
// unresolved after max_recovery_attempts are escalated.
func (m *Manager) Recover(ctx context.Context, id string) Outcome {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		m.log.Error("error record not found", logx.String("id", id))
		return failure("error not found in history")
	}
	rec.RecoveryAttempts++
	fn := m.strategies[rec.Type]
	strategy := rec.Type
	if fn == nil {
		fn, strategy = m.strategies[TypeDefault], TypeDefault
	}
	snap := rec.clone()
	m.mu.Unlock()

	m.log.Info("attempting recovery", logx.String("id", id), logx.String("strategy", strategy), logx.Int("attempt", snap.RecoveryAttempts))
	out := runStrategy(ctx, fn, snap)

	m.mu.Lock()
	rec.LastAttempt = m.now()
	rec.LastOutcome = &out
	if out.Status == OutcomeSuccess {
		rec.Resolved = true
	}
	escalate := !rec.Resolved && !rec.Escalated && rec.RecoveryAttempts >= m.cfg.MaxRecoveryAttempts
	if escalate {
		rec.Escalated = true
	}
	snap = rec.clone()
	m.mu.Unlock()

	if snap.Resolved {
		m.log.Info("recovered from error", logx.String("id", id), logx.String("message", out.Message))
	} else {
		m.log.Warn("recovery did not resolve error", logx.String("id", id), logx.String("status", out.Status), logx.String("message", out.Message))
	}
	m.persist(ctx, snap)
	if escalate {
		m.escalate(ctx, snap)
	}
	return out
}

func runStrategy(ctx context.Context, fn Strategy, rec ErrorRecord) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = failure(fmt.Sprintf("recovery attempt failed: panic: %v", r))
		}
	}()
	out, err := fn(ctx, rec)
	if err != nil {
		return failure("recovery attempt failed: " + err.Error())
	}
	if out.Status == "" {
		out.Status = OutcomePartial
	}
	return out
}

func (m *Manager) escalate(ctx context.Context, rec ErrorRecord) {
	deps, _ := m.depsSnapshot()
	msg := ""
	if rec.LastOutcome != nil {
		msg = rec.LastOutcome.Message
	}
	m.log.Warn("recovery escalated",
		logx.String("id", rec.ID),
		logx.String("type", rec.Type),
		logx.String("component", orUnknown(rec.Component)),
		logx.Int("attempts", rec.RecoveryAttempts),
	)
	if deps.Events != nil {
		deps.Events.Publish(ctx, EventEscalated, map[string]any{
			"error_id":  rec.ID,
			"type":      rec.Type,
			"component": rec.Component,
			"attempts":  rec.RecoveryAttempts,
			"message":   msg,
		}, "recovery_manager")
	}
	if deps.Alerts != nil {
		text := fmt.Sprintf("[ESCALATED] %s in %s\n- id=%s\n- attempts=%d\n- last=%s",
			rec.Type, orUnknown(rec.Component), rec.ID, rec.RecoveryAttempts, msg)
		if err := deps.Alerts.SendAlert(ctx, text); err != nil {
			m.log.Warn("escalation alert failed", logx.Err(err))
		}
	}
}

func (m *Manager) persist(ctx context.Context, rec ErrorRecord) {
	deps, _ := m.depsSnapshot()
	if deps.Store == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err == nil {
		err = deps.Store.AppendRecord(ctx, storage.Record{At: m.now(), Kind: storage.KindError, Key: rec.ID, JSON: string(b)})
	}
	if err != nil {
		m.log.Warn("error record not persisted", logx.String("id", rec.ID), logx.Err(err))
	}
}

// Record returns one error record.
func (m *Manager) Record(id string) (ErrorRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrorRecord{}, false
	}
	return rec.clone(), true
}

// ErrorHistory returns records newest first, filtered by type (empty = any)
// and resolved state (nil = any). limit <= 0 means 50.
func (m *Manager) ErrorHistory(errType string, resolved *bool, limit int) []ErrorRecord {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	out := make([]ErrorRecord, 0, len(m.records))
	for _, rec := range m.records {
		if errType != "" && rec.Type != errType {
			continue
		}
		if resolved != nil && rec.Resolved != *resolved {
			continue
		}
		out = append(out, rec.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ClearResolvedErrors drops resolved records older than age (the configured
// retention when age <= 0).
func (m *Manager) ClearResolvedErrors(age time.Duration) int {
	m.mu.Lock()
	if age <= 0 {
		age = m.cfg.ErrorRetention
	}
	cutoff := m.now().Add(-age)
	n := 0
	for id, rec := range m.records {
		if rec.Resolved && rec.Timestamp.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	m.mu.Unlock()
	m.log.Info("cleared resolved errors", logx.Int("count", n), logx.Duration("older_than", age))
	return n
}

// openComponentRecordLocked finds an unresolved, unescalated
// ComponentUnhealthy record for component.
func (m *Manager) openComponentRecordLocked(component string) string {
	var ids []string
	for id, rec := range m.records {
		if rec.Type == TypeComponentUnhealthy && rec.Component == component && !rec.Resolved && !rec.Escalated {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[len(ids)-1]
}

// retryUnresolved re-runs recovery for open records that still have
// attempts left. Component records are driven by health checks instead.
func (m *Manager) retryUnresolved(ctx context.Context) {
	m.mu.Lock()
	var ids []string
	for id, rec := range m.records {
		if rec.Resolved || rec.Escalated || rec.Type == TypeComponentUnhealthy {
			continue
		}
		if rec.RecoveryAttempts < m.cfg.MaxRecoveryAttempts {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		m.Recover(ctx, id)
	}
}

func detailString(d map[string]any, key string) string {
	if d == nil {
		return ""
	}
	switch v := d[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
