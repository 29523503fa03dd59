package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"gams/internal/eventbus"
	"gams/internal/storage"
	logx "gams/pkg/logx"

	"github.com/google/uuid"
)

type subscriber struct {
	id string
	fn Handler
}

type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	subs    map[string][]subscriber
	history map[string][]Event

	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	metrics MetricsRecorder
	now     func() time.Time
}

// New builds a manager. bus, store and metrics may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store, metrics MetricsRecorder) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		subs:    map[string][]subscriber{},
		history: map[string][]Event{},
		log:     log,
		bus:     bus,
		store:   store,
		metrics: metrics,
		now:     time.Now,
	}
	m.Apply(cfg)
	return m
}

// Apply updates the history limit and persistence flag. Longer histories are
// trimmed immediately.
func (m *Manager) Apply(cfg Config) {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	m.mu.Lock()
	m.cfg = cfg
	for name, evs := range m.history {
		m.history[name] = trim(evs, cfg.HistoryLimit)
	}
	m.mu.Unlock()
}

func trim(evs []Event, limit int) []Event {
	if over := len(evs) - limit; over > 0 {
		return append(evs[:0:0], evs[over:]...)
	}
	return evs
}

// Subscribe registers fn for name and returns the subscriber ID. An empty id
// gets a random UUID; an existing id is replaced in place.
func (m *Manager) Subscribe(name string, fn Handler, id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	list := m.subs[name]
	replaced := false
	for i := range list {
		if list[i].id == id {
			list[i].fn = fn
			replaced = true
			break
		}
	}
	if !replaced {
		m.subs[name] = append(list, subscriber{id: id, fn: fn})
	}
	m.mu.Unlock()
	m.log.Debug("subscribed", logx.String("event", name), logx.String("subscriber", id), logx.Bool("replaced", replaced))
	return id
}

// Unsubscribe removes a subscriber. Event names without subscribers are
// dropped.
func (m *Manager) Unsubscribe(name, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[name]
	for i := range list {
		if list[i].id != id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(m.subs, name)
		} else {
			m.subs[name] = list
		}
		m.log.Debug("unsubscribed", logx.String("event", name), logx.String("subscriber", id))
		return true
	}
	m.log.Warn("subscriber not found", logx.String("event", name), logx.String("subscriber", id))
	return false
}

// Publish records the event and calls its subscribers, then the wildcard
// subscribers. Handler errors and panics become error results.
func (m *Manager) Publish(ctx context.Context, name string, data map[string]any, publisherID string) PublishResult {
	ev := Event{Name: name, Data: data, PublisherID: publisherID, Timestamp: m.now()}

	m.mu.Lock()
	m.history[name] = trim(append(m.history[name], ev), m.cfg.HistoryLimit)
	direct := append([]subscriber(nil), m.subs[name]...)
	var wild []subscriber
	if name != Wildcard {
		wild = append(wild, m.subs[Wildcard]...)
	}
	persist := m.cfg.Persist && m.store != nil
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.PrefixDomain + name, Time: ev.Timestamp, Data: ev})
	}
	if persist {
		m.persist(ctx, ev)
	}

	res := PublishResult{Event: ev, Results: make(map[string]HandlerResult, len(direct)+len(wild))}
	for _, s := range direct {
		res.Results[s.id] = m.call(ctx, s, ev)
	}
	for _, s := range wild {
		res.Results[WildcardResultKey(s.id)] = m.call(ctx, s, ev)
	}
	m.log.Debug("event published",
		logx.String("event", name),
		logx.String("publisher", publisherID),
		logx.Int("notified", len(res.Results)),
		logx.Int("failed", res.Failed()),
	)
	return res
}

func (m *Manager) call(ctx context.Context, s subscriber, ev Event) (hr HandlerResult) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("subscriber panicked", logx.String("event", ev.Name), logx.String("subscriber", s.id), logx.Any("panic", r))
			hr = HandlerResult{Status: StatusError, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	out, err := s.fn(ctx, ev)
	if err != nil {
		m.log.Warn("subscriber failed", logx.String("event", ev.Name), logx.String("subscriber", s.id), logx.Err(err))
		return HandlerResult{Status: StatusError, Message: err.Error()}
	}
	return HandlerResult{Status: StatusSuccess, Result: out}
}

func (m *Manager) persist(ctx context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		m.log.Warn("event not persisted", logx.String("event", ev.Name), logx.Err(err))
		return
	}
	rec := storage.Record{At: ev.Timestamp, Kind: storage.KindEvent, Key: ev.Name, JSON: string(b)}
	if err := m.store.AppendRecord(ctx, rec); err != nil {
		m.log.Warn("event not persisted", logx.String("event", ev.Name), logx.Err(err))
	}
}

// History returns up to limit recent events per name (10 when limit <= 0).
// An empty name returns every event name.
func (m *Manager) History(name string, limit int) map[string][]Event {
	if limit <= 0 {
		limit = defaultHistoryQuery
	}
	tail := func(evs []Event) []Event {
		if len(evs) > limit {
			evs = evs[len(evs)-limit:]
		}
		return append([]Event{}, evs...)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name != "" {
		return map[string][]Event{name: tail(m.history[name])}
	}
	out := make(map[string][]Event, len(m.history))
	for n, evs := range m.history {
		out[n] = tail(evs)
	}
	return out
}

// SubscriberCount reports subscribers per event name. A named event with no
// subscribers reports 0.
func (m *Manager) SubscriberCount(name string) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name != "" {
		return map[string]int{name: len(m.subs[name])}
	}
	out := make(map[string]int, len(m.subs))
	for n, list := range m.subs {
		out[n] = len(list)
	}
	return out
}

// TotalSubscribers sums subscribers over all event names.
func (m *Manager) TotalSubscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, list := range m.subs {
		n += len(list)
	}
	return n
}

// Subscribers lists subscriber IDs of name in call order.
func (m *Manager) Subscribers(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.subs[name]))
	for _, s := range m.subs[name] {
		ids = append(ids, s.id)
	}
	return ids
}

// ClearHistory drops the history of name, or all history when name is "".
func (m *Manager) ClearHistory(name string) {
	m.mu.Lock()
	if name == "" {
		m.history = map[string][]Event{}
	} else if _, ok := m.history[name]; ok {
		m.history[name] = nil
	}
	m.mu.Unlock()
	m.log.Info("event history cleared", logx.String("event", name))
}

// EventNames lists names with history, sorted.
func (m *Manager) EventNames() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.history))
	for n := range m.history {
		names = append(names, n)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}
