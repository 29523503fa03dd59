package events

import (
	"context"
	"time"
)

// Wildcard subscribes a handler to every event.
const Wildcard = "*"

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const (
	defaultHistoryLimit = 100
	defaultHistoryQuery = 10
)

// Event is one published occurrence.
type Event struct {
	Name        string         `json:"name"`
	Data        map[string]any `json:"data,omitempty"`
	PublisherID string         `json:"publisher_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Handler processes an event. The returned value is reported back to the
// publisher.
type Handler func(ctx context.Context, ev Event) (any, error)

// HandlerResult is the outcome of one subscriber.
type HandlerResult struct {
	Status  string `json:"status"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
}

// PublishResult holds one result per subscriber, keyed by subscriber ID.
// Wildcard subscribers are keyed by WildcardResultKey so an ID subscribed
// both ways keeps both results.
type PublishResult struct {
	Event   Event                    `json:"event"`
	Results map[string]HandlerResult `json:"results"`
}

func WildcardResultKey(id string) string { return Wildcard + "/" + id }

// Failed counts subscribers that returned an error.
func (r PublishResult) Failed() int {
	n := 0
	for _, hr := range r.Results {
		if hr.Status == StatusError {
			n++
		}
	}
	return n
}

type Config struct {
	HistoryLimit int
	// Persist appends every published event to storage.
	Persist bool
}

// MetricsRecorder receives analytics counters.
type MetricsRecorder interface {
	Record(category, name string, value any)
}
