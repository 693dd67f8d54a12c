// Package storage defines persistence interfaces for the ledger.
//
// It covers the event journal, the projection read models built from it,
// projection watermarks and posture snapshots. Implementations (SQLite) live
// in subpackages.
//
// Common error types:
//   - ErrNotFound: requested record is missing
package storage
