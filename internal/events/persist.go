package events

import (
	"context"
	"encoding/json"
	"fmt"

	"gams/internal/storage"
	logx "gams/pkg/logx"
)

const historySnapshotKey = "events.history"

// SaveHistory writes the full history as one storage snapshot.
func (m *Manager) SaveHistory(ctx context.Context) error {
	if m.store == nil {
		return storage.ErrDisabled
	}
	m.mu.RLock()
	b, err := json.Marshal(m.history)
	n := len(m.history)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := m.store.PutSnapshot(ctx, historySnapshotKey, b); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	m.log.Debug("event history saved", logx.Int("events", n))
	return nil
}

// LoadHistory restores a snapshot written by SaveHistory. Restored entries
// are trimmed to the current history limit.
func (m *Manager) LoadHistory(ctx context.Context) error {
	if m.store == nil {
		return storage.ErrDisabled
	}
	b, ok, err := m.store.GetSnapshot(ctx, historySnapshotKey)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if !ok {
		return nil
	}
	var h map[string][]Event
	if err := json.Unmarshal(b, &h); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	m.mu.Lock()
	for name, evs := range h {
		m.history[name] = trim(append(evs, m.history[name]...), m.cfg.HistoryLimit)
	}
	m.mu.Unlock()
	m.log.Info("event history restored", logx.Int("events", len(h)))
	return nil
}
