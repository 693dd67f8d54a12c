// Package journal holds the append rules shared by every event store and an
// in-memory store used by tests and tooling.
package journal
