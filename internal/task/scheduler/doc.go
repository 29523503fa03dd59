// Package scheduler dispatches tasks by one-time, interval, cron or
// immediate triggers.
//
// Due tasks are ordered by (next run, priority, insertion) in a min-heap and
// handed to the task engine while fewer than max_concurrent_tasks are
// running. The engine owns execution (timeouts, retries, circuit breaker);
// the scheduler owns timing, per-task status and the last result.
package scheduler
