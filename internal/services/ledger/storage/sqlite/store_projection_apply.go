package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

const (
	applyMaxBusyRetries = 8
	applyRetryBaseDelay = 10 * time.Millisecond
)

// ApplyProjectionEventExactlyOnce applies one event inside a projections
// transaction and records a per-(scope, seq) checkpoint in the same
// transaction, so a retried event is never applied twice. It reports whether
// the event was applied by this call.
//
// apply receives a store bound to the transaction.
func (s *Store) ApplyProjectionEventExactlyOnce(
	ctx context.Context,
	evt event.Event,
	apply func(context.Context, event.Event, storage.ProjectionStore) error,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	if apply == nil {
		return false, fmt.Errorf("projection apply callback is required")
	}
	if strings.TrimSpace(evt.ScopeID) == "" {
		return false, event.ErrScopeRequired
	}
	if evt.Seq == 0 {
		return false, fmt.Errorf("event sequence must be greater than zero")
	}

	waitForRetry := func(attempt int) error {
		timer := time.NewTimer(time.Duration(attempt+1) * applyRetryBaseDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	var lastBusyErr error
	for attempt := 0; ; attempt++ {
		applied, retry, err := s.applyOnce(ctx, evt, apply)
		if retry {
			lastBusyErr = err
			if attempt < applyMaxBusyRetries {
				if waitErr := waitForRetry(attempt); waitErr != nil {
					return false, waitErr
				}
				continue
			}
			return false, fmt.Errorf("projection apply checkpoint %s/%d remained busy: %w", evt.ScopeID, evt.Seq, lastBusyErr)
		}
		return applied, err
	}
}

// applyOnce runs one transaction attempt. retry is true when SQLite reported
// the database busy.
func (s *Store) applyOnce(
	ctx context.Context,
	evt event.Event,
	apply func(context.Context, event.Event, storage.ProjectionStore) error,
) (applied, retry bool, err error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		if isSQLiteBusyError(err) {
			return false, true, err
		}
		return false, false, fmt.Errorf("begin projection apply tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO projection_apply_checkpoints (scope_id, seq, event_type, applied_at)
		 VALUES (?, ?, ?, ?)`,
		evt.ScopeID,
		int64(evt.Seq),
		string(evt.Type),
		toMillis(s.now()),
	)
	if err != nil {
		if isSQLiteBusyError(err) {
			return false, true, err
		}
		return false, false, fmt.Errorf("reserve projection apply checkpoint %s/%d: %w", evt.ScopeID, evt.Seq, err)
	}
	reserved, err := result.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("inspect projection apply checkpoint %s/%d: %w", evt.ScopeID, evt.Seq, err)
	}
	if reserved == 0 {
		return false, false, nil
	}

	if err := apply(ctx, evt, s.withTx(tx)); err != nil {
		if isSQLiteBusyError(err) {
			return false, true, err
		}
		return false, false, err
	}

	if err := tx.Commit(); err != nil {
		if isSQLiteBusyError(err) {
			return false, true, err
		}
		return false, false, fmt.Errorf("commit projection apply tx: %w", err)
	}
	return true, false, nil
}

// HasProjectionApplyCheckpoint reports whether (scopeID, seq) was applied.
func (s *Store) HasProjectionApplyCheckpoint(ctx context.Context, scopeID string, seq uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	var count int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projection_apply_checkpoints WHERE scope_id = ? AND seq = ?`,
		scopeID, int64(seq),
	).Scan(&count); err != nil {
		return false, fmt.Errorf("check projection apply checkpoint: %w", err)
	}
	return count > 0, nil
}

// ResetScopeProjections deletes every read model, checkpoint and watermark of
// a scope so it can be rebuilt from the journal. Snapshots are kept.
func (s *Store) ResetScopeProjections(ctx context.Context, scopeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return event.ErrScopeRequired
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	for _, statement := range []string{
		`DELETE FROM scopes WHERE id = ?`,
		`DELETE FROM controls WHERE scope_id = ?`,
		`DELETE FROM resources WHERE scope_id = ?`,
		`DELETE FROM evaluations WHERE scope_id = ?`,
		`DELETE FROM evidence WHERE scope_id = ?`,
		`DELETE FROM exceptions WHERE scope_id = ?`,
		`DELETE FROM projection_apply_checkpoints WHERE scope_id = ?`,
		`DELETE FROM projection_watermarks WHERE scope_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, statement, scopeID); err != nil {
			return fmt.Errorf("reset scope projections %s: %w", scopeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset tx: %w", err)
	}
	return nil
}
