package scheduler

import (
	"container/heap"
	"time"
)

// queueItem is one pending run. version must match the task's current
// version, otherwise the item is stale (cancelled or rescheduled).
type queueItem struct {
	at       time.Time
	priority int
	seq      uint64
	id       string
	version  uint64
}

// runQueue is a min-heap ordered by (at, priority, seq).
type runQueue []queueItem

var _ heap.Interface = (*runQueue)(nil)

func (q runQueue) Len() int { return len(q) }

func (q runQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (q runQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *runQueue) Push(x any) { *q = append(*q, x.(queueItem)) }

func (q *runQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

func (q runQueue) peek() (queueItem, bool) {
	if len(q) == 0 {
		return queueItem{}, false
	}
	return q[0], true
}
