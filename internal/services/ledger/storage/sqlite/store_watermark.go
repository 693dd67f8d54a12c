package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

var _ storage.WatermarkStore = (*Store)(nil)

// GetProjectionWatermark returns the watermark for a scope.
// Returns storage.ErrNotFound if no watermark exists.
func (s *Store) GetProjectionWatermark(ctx context.Context, scopeID string) (storage.ProjectionWatermark, error) {
	if err := s.ready(); err != nil {
		return storage.ProjectionWatermark{}, err
	}
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return storage.ProjectionWatermark{}, event.ErrScopeRequired
	}
	row := s.q.QueryRowContext(ctx,
		`SELECT scope_id, applied_seq, expected_next_seq, updated_at FROM projection_watermarks WHERE scope_id = ?`,
		scopeID,
	)
	wm, err := scanWatermark(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ProjectionWatermark{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ProjectionWatermark{}, fmt.Errorf("get projection watermark: %w", err)
	}
	return wm, nil
}

// SaveProjectionWatermark upserts the watermark for a scope.
func (s *Store) SaveProjectionWatermark(ctx context.Context, wm storage.ProjectionWatermark) error {
	if err := s.ready(); err != nil {
		return err
	}
	wm.ScopeID = strings.TrimSpace(wm.ScopeID)
	if wm.ScopeID == "" {
		return event.ErrScopeRequired
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO projection_watermarks (scope_id, applied_seq, expected_next_seq, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope_id) DO UPDATE SET
		     applied_seq = excluded.applied_seq,
		     expected_next_seq = excluded.expected_next_seq,
		     updated_at = excluded.updated_at`,
		wm.ScopeID,
		int64(wm.AppliedSeq),
		int64(wm.ExpectedNextSeq),
		toMillis(wm.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save projection watermark: %w", err)
	}
	return nil
}

// ListProjectionWatermarks returns all watermarks ordered by scope id.
func (s *Store) ListProjectionWatermarks(ctx context.Context) ([]storage.ProjectionWatermark, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT scope_id, applied_seq, expected_next_seq, updated_at FROM projection_watermarks ORDER BY scope_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list projection watermarks: %w", err)
	}
	return collectRows(rows, scanWatermark)
}

func scanWatermark(row rowScanner) (storage.ProjectionWatermark, error) {
	var (
		wm              storage.ProjectionWatermark
		appliedSeq      int64
		expectedNextSeq int64
		updatedAtMillis int64
	)
	if err := row.Scan(&wm.ScopeID, &appliedSeq, &expectedNextSeq, &updatedAtMillis); err != nil {
		return storage.ProjectionWatermark{}, err
	}
	wm.AppliedSeq = uint64(appliedSeq)
	wm.ExpectedNextSeq = uint64(expectedNextSeq)
	wm.UpdatedAt = fromMillis(updatedAtMillis)
	return wm, nil
}
