// Package projection builds the ledger read models from journal events.
//
// Applier routes each event type through a typed handler into a
// storage.ProjectionStore. Processor wraps an Applier with exactly-once
// checkpoints and per-scope watermarks; ReplayScope rebuilds a scope from the
// journal and DetectProjectionGaps finds scopes whose read models fell behind.
package projection
