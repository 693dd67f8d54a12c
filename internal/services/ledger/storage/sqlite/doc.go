// Package sqlite implements the ledger's event journal and projection stores
// on SQLite.
//
// One Store type serves both databases. OpenEvents returns a store whose
// journal methods are usable; OpenProjections returns one whose read-model,
// watermark and snapshot methods are usable.
package sqlite
