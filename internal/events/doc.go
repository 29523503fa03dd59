// Package events is the domain publish/subscribe hub.
//
// Handlers are registered per event name and run synchronously in
// subscription order, followed by wildcard ("*") handlers. Every published
// event is kept in a bounded per-name history, forwarded to the
// observability bus as "domain.<name>" and, when enabled, appended to
// storage.
package events
