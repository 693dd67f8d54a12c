// Package event defines the canonical event envelope and event-type registry used by
// the ledger write path.
//
// Events are immutable compliance facts: a control was registered, a resource was
// observed, an evaluation produced a result. The registry enforces actor metadata,
// entity addressing and payload validity before the journal assigns sequence and
// integrity fields.
package event
