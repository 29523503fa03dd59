// Package recovery records component errors, runs a recovery strategy per
// error type and escalates records that stay unresolved. It also runs
// periodic health checks and feeds unhealthy components back into the same
// recovery path.
package recovery
