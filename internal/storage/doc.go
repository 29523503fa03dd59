// Package storage persists GAMS runtime state.
//
// It stores two kinds of data:
//   - records: append-only, typed by Kind (events, recovery errors, task
//     results, completed experiments)
//   - snapshots: small keyed blobs replaced as a whole (RL model, experiment
//     state, scheduler results)
package storage
