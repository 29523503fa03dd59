package engine

import "sync"

// history is a fixed-size ring of recent task outcomes.
type history struct {
	mu    sync.Mutex
	items []HistoryItem
	next  int
	full  bool
}

func newHistory(size int) *history {
	return &history{items: make([]HistoryItem, max(size, 1))}
}

func (h *history) add(it HistoryItem) {
	h.mu.Lock()
	h.items[h.next] = it
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// list returns items oldest first.
func (h *history) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]HistoryItem(nil), h.items[:h.next]...)
	}
	out := make([]HistoryItem, 0, len(h.items))
	out = append(out, h.items[h.next:]...)
	return append(out, h.items[:h.next]...)
}
