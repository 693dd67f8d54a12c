package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
)

// Outbox row states.
const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessing = "processing"
	OutboxStatusFailed     = "failed"
	OutboxStatusDead       = "dead"
)

const (
	outboxDeadLetterThreshold = 8
	outboxProcessingLease     = 2 * time.Minute
	outboxMaxBackoff          = 5 * time.Minute
)

func (s *Store) enqueueProjectionApplyOutbox(ctx context.Context, evt event.Event) error {
	if !s.projectionApplyOutboxEnabled {
		return nil
	}
	enqueuedAt := toMillis(s.now())
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO projection_apply_outbox (
    scope_id, seq, event_type, status, attempt_count, next_attempt_at, last_error, updated_at
) VALUES (?, ?, ?, 'pending', 0, ?, '', ?)
ON CONFLICT(scope_id, seq) DO NOTHING`,
		evt.ScopeID,
		int64(evt.Seq),
		string(evt.Type),
		enqueuedAt,
		enqueuedAt,
	); err != nil {
		return fmt.Errorf("enqueue projection apply outbox: %w", err)
	}
	return nil
}

type projectionApplyOutboxRow struct {
	ScopeID      string
	Seq          uint64
	EventType    string
	AttemptCount int
}

// ProjectionApplyOutboxSummary reports outbox depth and the oldest retry-eligible row.
type ProjectionApplyOutboxSummary struct {
	PendingCount         int
	ProcessingCount      int
	FailedCount          int
	DeadCount            int
	OldestPendingScopeID string
	OldestPendingSeq     uint64
	OldestPendingAt      time.Time
}

// ProjectionApplyOutboxEntry describes one outbox row for inspection tooling.
type ProjectionApplyOutboxEntry struct {
	ScopeID       string
	Seq           uint64
	EventType     event.Type
	Status        string
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	UpdatedAt     time.Time
}

// GetProjectionApplyOutboxSummary returns queue depth by status and the oldest
// pending or failed row.
func (s *Store) GetProjectionApplyOutboxSummary(ctx context.Context) (ProjectionApplyOutboxSummary, error) {
	if err := ctx.Err(); err != nil {
		return ProjectionApplyOutboxSummary{}, err
	}
	if err := s.ready(); err != nil {
		return ProjectionApplyOutboxSummary{}, err
	}

	summary := ProjectionApplyOutboxSummary{}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT status, COUNT(*)
		 FROM projection_apply_outbox
		 GROUP BY status`,
	)
	if err != nil {
		return ProjectionApplyOutboxSummary{}, fmt.Errorf("query outbox summary counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return ProjectionApplyOutboxSummary{}, fmt.Errorf("scan outbox summary count: %w", err)
		}
		switch status {
		case OutboxStatusPending:
			summary.PendingCount = count
		case OutboxStatusProcessing:
			summary.ProcessingCount = count
		case OutboxStatusFailed:
			summary.FailedCount = count
		case OutboxStatusDead:
			summary.DeadCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return ProjectionApplyOutboxSummary{}, fmt.Errorf("iterate outbox summary counts: %w", err)
	}

	var (
		scopeID     string
		seq         int64
		nextAttempt int64
	)
	err = s.sqlDB.QueryRowContext(ctx,
		`SELECT scope_id, seq, next_attempt_at
		 FROM projection_apply_outbox
		 WHERE status IN ('pending', 'failed')
		 ORDER BY next_attempt_at ASC, seq ASC
		 LIMIT 1`,
	).Scan(&scopeID, &seq, &nextAttempt)
	if err == nil {
		summary.OldestPendingScopeID = scopeID
		summary.OldestPendingSeq = uint64(seq)
		summary.OldestPendingAt = fromMillis(nextAttempt)
		return summary, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return summary, nil
	}
	return ProjectionApplyOutboxSummary{}, fmt.Errorf("query oldest pending outbox row: %w", err)
}

// ListProjectionApplyOutboxRows lists outbox rows optionally filtered by status.
func (s *Store) ListProjectionApplyOutboxRows(ctx context.Context, status string, limit int) ([]ProjectionApplyOutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []ProjectionApplyOutboxEntry{}, nil
	}

	normalizedStatus, err := normalizeProjectionApplyOutboxStatus(status)
	if err != nil {
		return nil, err
	}

	query := `SELECT scope_id, seq, event_type, status, attempt_count, next_attempt_at, last_error, updated_at
		 FROM projection_apply_outbox`
	args := []any{}
	if normalizedStatus != "" {
		query += ` WHERE status = ?`
		args = append(args, normalizedStatus)
	}
	query += ` ORDER BY next_attempt_at ASC, seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox rows: %w", err)
	}
	defer rows.Close()

	entries := make([]ProjectionApplyOutboxEntry, 0, limit)
	for rows.Next() {
		var (
			entry       ProjectionApplyOutboxEntry
			seq         int64
			eventType   string
			nextAttempt int64
			updatedAt   int64
		)
		if err := rows.Scan(
			&entry.ScopeID,
			&seq,
			&eventType,
			&entry.Status,
			&entry.AttemptCount,
			&nextAttempt,
			&entry.LastError,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entry.Seq = uint64(seq)
		entry.EventType = event.Type(eventType)
		entry.NextAttemptAt = fromMillis(nextAttempt)
		entry.UpdatedAt = fromMillis(updatedAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return entries, nil
}

func normalizeProjectionApplyOutboxStatus(status string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(status))
	switch normalized {
	case "", OutboxStatusPending, OutboxStatusProcessing, OutboxStatusFailed, OutboxStatusDead:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid outbox status %q", status)
	}
}

// ProcessProjectionApplyOutbox claims due outbox rows and applies projections
// through the provided callback. Successful rows are removed from the outbox;
// failed rows are retried with backoff and dead-lettered after repeated failures.
func (s *Store) ProcessProjectionApplyOutbox(
	ctx context.Context,
	now time.Time,
	limit int,
	apply func(context.Context, event.Event) error,
) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	if apply == nil {
		return 0, fmt.Errorf("projection apply callback is required")
	}
	if limit <= 0 {
		return 0, nil
	}
	if now.IsZero() {
		now = s.now().UTC()
	}

	rows, err := s.claimProjectionApplyOutboxDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, row := range rows {
		storedEvent, loadErr := s.GetEventBySeq(ctx, row.ScopeID, row.Seq)
		if loadErr != nil {
			if err := s.markProjectionApplyOutboxRetry(ctx, row, now, fmt.Sprintf("load event: %v", loadErr)); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if applyErr := apply(ctx, storedEvent); applyErr != nil {
			if err := s.markProjectionApplyOutboxRetry(ctx, row, now, fmt.Sprintf("apply projection: %v", applyErr)); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if err := s.completeProjectionApplyOutboxRow(ctx, row); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (s *Store) claimProjectionApplyOutboxDue(ctx context.Context, now time.Time, limit int) ([]projectionApplyOutboxRow, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim tx: %w", err)
	}
	defer tx.Rollback()

	staleBefore := now.Add(-outboxProcessingLease)
	rows, err := tx.QueryContext(ctx,
		`SELECT scope_id, seq, event_type, attempt_count
		 FROM projection_apply_outbox
		 WHERE (
			 status IN ('pending', 'failed') AND next_attempt_at <= ?
		 ) OR (
			 status = 'processing' AND updated_at <= ?
		 )
		 ORDER BY next_attempt_at, seq
		 LIMIT ?`,
		toMillis(now),
		toMillis(staleBefore),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due outbox rows: %w", err)
	}

	candidates := make([]projectionApplyOutboxRow, 0, limit)
	for rows.Next() {
		var row projectionApplyOutboxRow
		var seq int64
		if err := rows.Scan(&row.ScopeID, &seq, &row.EventType, &row.AttemptCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due outbox row: %w", err)
		}
		row.Seq = uint64(seq)
		candidates = append(candidates, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate due outbox rows: %w", err)
	}
	rows.Close()

	claimed := make([]projectionApplyOutboxRow, 0, len(candidates))
	for _, candidate := range candidates {
		result, err := tx.ExecContext(ctx,
			`UPDATE projection_apply_outbox
			 SET status = 'processing', updated_at = ?
			 WHERE scope_id = ? AND seq = ?
			   AND (
			   	(status IN ('pending', 'failed') AND next_attempt_at <= ?)
			   	OR (status = 'processing' AND updated_at <= ?)
			   )`,
			toMillis(now),
			candidate.ScopeID,
			int64(candidate.Seq),
			toMillis(now),
			toMillis(staleBefore),
		)
		if err != nil {
			return nil, fmt.Errorf("claim outbox row %s/%d: %w", candidate.ScopeID, candidate.Seq, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim outbox row rows affected %s/%d: %w", candidate.ScopeID, candidate.Seq, err)
		}
		if affected == 1 {
			claimed = append(claimed, candidate)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outbox claim tx: %w", err)
	}
	return claimed, nil
}

func (s *Store) markProjectionApplyOutboxRetry(ctx context.Context, row projectionApplyOutboxRow, now time.Time, lastError string) error {
	attempt := row.AttemptCount + 1
	status := OutboxStatusFailed
	if attempt >= outboxDeadLetterThreshold {
		status = OutboxStatusDead
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE projection_apply_outbox
		 SET status = ?,
		     attempt_count = ?,
		     next_attempt_at = ?,
		     last_error = ?,
		     updated_at = ?
		 WHERE scope_id = ? AND seq = ? AND status = 'processing'`,
		status,
		attempt,
		toMillis(now.Add(outboxRetryBackoff(attempt))),
		lastError,
		toMillis(now),
		row.ScopeID,
		int64(row.Seq),
	)
	if err != nil {
		return fmt.Errorf("mark outbox retry for row %s/%d: %w", row.ScopeID, row.Seq, err)
	}
	return ensureProjectionApplyOutboxSingleRow(result, row, "mark outbox retry for row", "updated")
}

func (s *Store) completeProjectionApplyOutboxRow(ctx context.Context, row projectionApplyOutboxRow) error {
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM projection_apply_outbox
		 WHERE scope_id = ? AND seq = ? AND status = 'processing'`,
		row.ScopeID,
		int64(row.Seq),
	)
	if err != nil {
		return fmt.Errorf("complete outbox row %s/%d: %w", row.ScopeID, row.Seq, err)
	}
	return ensureProjectionApplyOutboxSingleRow(result, row, "complete outbox row", "deleted")
}

func ensureProjectionApplyOutboxSingleRow(result sql.Result, row projectionApplyOutboxRow, operation, verb string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected %s/%d: %w", operation, row.ScopeID, row.Seq, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s %s/%d: expected 1 row %s, got %d", operation, row.ScopeID, row.Seq, verb, affected)
	}
	return nil
}

// RequeueProjectionApplyOutboxRow moves one dead outbox row back to pending so
// workers retry it after a fix. It reports whether a dead row was found.
func (s *Store) RequeueProjectionApplyOutboxRow(ctx context.Context, scopeID string, seq uint64, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return false, event.ErrScopeRequired
	}
	if seq == 0 {
		return false, fmt.Errorf("event sequence must be greater than zero")
	}
	if now.IsZero() {
		now = s.now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE projection_apply_outbox
		 SET status = 'pending',
		     attempt_count = 0,
		     next_attempt_at = ?,
		     last_error = '',
		     updated_at = ?
		 WHERE scope_id = ? AND seq = ? AND status = 'dead'`,
		toMillis(now),
		toMillis(now),
		scopeID,
		int64(seq),
	)
	if err != nil {
		return false, fmt.Errorf("requeue dead outbox row %s/%d: %w", scopeID, seq, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue dead outbox row rows affected %s/%d: %w", scopeID, seq, err)
	}
	return affected == 1, nil
}

// RequeueProjectionApplyOutboxDeadRows moves up to limit dead rows back to
// pending in retry order and returns how many moved.
func (s *Store) RequeueProjectionApplyOutboxDeadRows(ctx context.Context, limit int, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, fmt.Errorf("outbox requeue limit must be greater than zero")
	}
	if now.IsZero() {
		now = s.now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`WITH to_requeue AS (
			SELECT scope_id, seq
			FROM projection_apply_outbox
			WHERE status = 'dead'
			ORDER BY next_attempt_at ASC, seq ASC
			LIMIT ?
		)
		UPDATE projection_apply_outbox
		SET status = 'pending',
		    attempt_count = 0,
		    next_attempt_at = ?,
		    last_error = '',
		    updated_at = ?
		WHERE status = 'dead'
		  AND EXISTS (
			  SELECT 1
			  FROM to_requeue
			  WHERE to_requeue.scope_id = projection_apply_outbox.scope_id
			    AND to_requeue.seq = projection_apply_outbox.seq
		  )`,
		limit,
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox rows: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox rows affected: %w", err)
	}
	return int(affected), nil
}

func outboxRetryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 10 {
		return outboxMaxBackoff
	}
	backoff := time.Second << (attempt - 1)
	if backoff > outboxMaxBackoff {
		return outboxMaxBackoff
	}
	return backoff
}
