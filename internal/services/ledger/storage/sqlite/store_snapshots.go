package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

var _ storage.SnapshotStore = (*Store)(nil)

const snapshotColumns = "scope_id, event_seq, event_at, chain_hash, state_json, state_hash, created_at"

// PutSnapshot stores a snapshot, replacing one already stored at the same sequence.
func (s *Store) PutSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	if err := s.projectionReady(ctx, snapshot.ScopeID); err != nil {
		return err
	}
	if snapshot.EventSeq == 0 {
		return fmt.Errorf("snapshot event sequence must be greater than zero")
	}
	if len(snapshot.StateJSON) == 0 {
		return fmt.Errorf("snapshot state is required")
	}
	if strings.TrimSpace(snapshot.StateHash) == "" {
		return fmt.Errorf("snapshot state hash is required")
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope_id, event_seq) DO UPDATE SET
		     event_at = excluded.event_at,
		     chain_hash = excluded.chain_hash,
		     state_json = excluded.state_json,
		     state_hash = excluded.state_hash,
		     created_at = excluded.created_at`,
		snapshot.ScopeID,
		int64(snapshot.EventSeq),
		toMillis(snapshot.EventAt),
		snapshot.ChainHash,
		snapshot.StateJSON,
		snapshot.StateHash,
		toMillis(snapshot.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetSnapshotAtOrBefore returns the newest snapshot with event_seq <= seq and
// event_at <= at. A zero seq or zero at leaves that bound open.
func (s *Store) GetSnapshotAtOrBefore(ctx context.Context, scopeID string, seq uint64, at time.Time) (storage.Snapshot, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return storage.Snapshot{}, err
	}

	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE scope_id = ?`
	args := []any{scopeID}
	if seq > 0 {
		query += ` AND event_seq <= ?`
		args = append(args, int64(seq))
	}
	if !at.IsZero() {
		query += ` AND event_at <= ?`
		args = append(args, toMillis(at))
	}
	query += ` ORDER BY event_seq DESC LIMIT 1`

	snapshot, err := scanSnapshot(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snapshot, nil
}

// ListSnapshots returns snapshots ordered by event sequence descending.
func (s *Store) ListSnapshots(ctx context.Context, scopeID string, limit int) ([]storage.Snapshot, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE scope_id = ? ORDER BY event_seq DESC LIMIT ?`,
		scopeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return collectRows(rows, scanSnapshot)
}

// DeleteSnapshot removes one snapshot. Deleting a missing snapshot is not an error.
func (s *Store) DeleteSnapshot(ctx context.Context, scopeID string, seq uint64) error {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM snapshots WHERE scope_id = ? AND event_seq = ?`, scopeID, int64(seq),
	); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// PruneSnapshots keeps the newest keep snapshots of a scope and reports how
// many older ones were removed.
func (s *Store) PruneSnapshots(ctx context.Context, scopeID string, keep int) (int, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return 0, err
	}
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}

	res, err := s.q.ExecContext(ctx,
		`DELETE FROM snapshots
		 WHERE scope_id = ?
		   AND event_seq NOT IN (
		       SELECT event_seq FROM snapshots WHERE scope_id = ? ORDER BY event_seq DESC LIMIT ?
		   )`,
		scopeID, scopeID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots rows affected: %w", err)
	}
	return int(removed), nil
}

func scanSnapshot(row rowScanner) (storage.Snapshot, error) {
	var (
		snapshot  storage.Snapshot
		eventSeq  int64
		eventAt   int64
		createdAt int64
	)
	if err := row.Scan(
		&snapshot.ScopeID, &eventSeq, &eventAt, &snapshot.ChainHash,
		&snapshot.StateJSON, &snapshot.StateHash, &createdAt,
	); err != nil {
		return storage.Snapshot{}, err
	}
	snapshot.EventSeq = uint64(eventSeq)
	snapshot.EventAt = fromMillis(eventAt)
	snapshot.CreatedAt = fromMillis(createdAt)
	return snapshot, nil
}
