// Package orchestrator runs named processes on top of the scheduler, the
// event manager and the recovery manager.
//
// A process is a function with optional dependencies, an interval or cron
// schedule, event triggers and a retry policy. Execute waits for running
// dependencies and refuses to start when one of them did not last succeed.
// Failures are retried after a delay; once retries are exhausted the failure
// is reported to recovery as a ProcessCrashError, whose strategy calls back
// into RestartProcess.
//
// The orchestrator also owns website updates: it schedules git update tasks
// on the scheduler and reacts to content performance, traffic spike and
// system error events.
package orchestrator
