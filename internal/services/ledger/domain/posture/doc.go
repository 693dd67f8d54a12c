// Package posture folds a scope's journal into its compliance state and
// classifies every active control.
//
// The fold is deterministic and free of I/O: the same events always produce
// the same State, which is what lets snapshots stand in for a prefix of the
// journal.
package posture
