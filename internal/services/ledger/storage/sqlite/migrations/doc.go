// Package migrations embeds the SQL schema of the ledger's SQLite databases.
//
// The events database holds the journal and its projection outbox. The
// projections database holds read models, apply checkpoints, watermarks and
// posture snapshots; it can be deleted and rebuilt from the journal.
package migrations
