package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/journal"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const eventColumns = "scope_id, seq, event_hash, prev_event_hash, chain_hash, signature_key_id, event_signature, timestamp, event_type, actor_type, actor_id, entity_type, entity_id, request_id, correlation_id, causation_id, payload_json"

var _ storage.EventStore = (*Store)(nil)

// AppendEvent atomically appends an event and returns it with sequence and hashes set.
// Re-appending an event already stored returns the stored copy.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	stored, err := s.BatchAppendEvents(ctx, []event.Event{evt})
	if err != nil {
		return event.Event{}, err
	}
	return stored[0], nil
}

// BatchAppendEvents atomically appends events of one scope in a single transaction.
//
// Sequence numbers are allocated contiguously and each event's chain links to
// its predecessor, including the last stored event for the first item.
func (s *Store) BatchAppendEvents(ctx context.Context, events []event.Event) ([]event.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.eventRegistry == nil {
		return nil, fmt.Errorf("event registry is required")
	}

	validated := make([]event.Event, len(events))
	for i, evt := range events {
		v, err := s.eventRegistry.ValidateForAppend(evt)
		if err != nil {
			if len(events) == 1 {
				return nil, err
			}
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if i > 0 && v.ScopeID != validated[0].ScopeID {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "batch events must share one scope")
		}
		validated[i] = v
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	txStore := s.withTx(tx)
	stored := make([]event.Event, len(validated))
	for i, evt := range validated {
		out, err := txStore.appendValidated(ctx, evt)
		if err != nil {
			if len(validated) == 1 {
				return nil, err
			}
			return nil, fmt.Errorf("append event %d: %w", i, err)
		}
		stored[i] = out
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

// appendValidated places one validated event at the head of its scope. It
// must run inside a transaction.
func (s *Store) appendValidated(ctx context.Context, evt event.Event) (event.Event, error) {
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO event_seq (scope_id, next_seq) VALUES (?, 1) ON CONFLICT(scope_id) DO NOTHING`,
		evt.ScopeID,
	); err != nil {
		return event.Event{}, fmt.Errorf("init event seq: %w", err)
	}

	resubmitted, err := journal.ResubmissionHash(evt)
	if err != nil {
		return event.Event{}, fmt.Errorf("compute event hash: %w", err)
	}
	if resubmitted != "" {
		existing, err := s.GetEventByHash(ctx, resubmitted)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return event.Event{}, err
		}
	}

	var nextSeq int64
	if err := s.q.QueryRowContext(ctx,
		`SELECT next_seq FROM event_seq WHERE scope_id = ?`, evt.ScopeID,
	).Scan(&nextSeq); err != nil {
		return event.Event{}, fmt.Errorf("get event seq: %w", err)
	}
	if nextSeq <= 0 {
		return event.Event{}, fmt.Errorf("event seq is required")
	}

	head := journal.Head{}
	if nextSeq > 1 {
		prev, err := s.GetEventBySeq(ctx, evt.ScopeID, uint64(nextSeq-1))
		if err != nil {
			return event.Event{}, fmt.Errorf("load previous event: %w", err)
		}
		head = journal.HeadOf(prev)
	}

	next, err := journal.Next(s.keyring, evt, head, s.now().UTC())
	if err != nil {
		return event.Event{}, err
	}

	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		next.ScopeID,
		int64(next.Seq),
		next.Hash,
		next.PrevHash,
		next.ChainHash,
		next.SignatureKeyID,
		next.Signature,
		toMillis(next.Timestamp),
		string(next.Type),
		string(next.ActorType),
		next.ActorID,
		next.EntityType,
		next.EntityID,
		next.RequestID,
		next.CorrelationID,
		next.CausationID,
		[]byte(next.PayloadJSON),
	); err != nil {
		if isConstraintError(err) {
			if stored, lookupErr := s.GetEventByHash(ctx, next.Hash); lookupErr == nil {
				return stored, nil
			}
		}
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	if _, err := s.q.ExecContext(ctx,
		`UPDATE event_seq SET next_seq = ? WHERE scope_id = ?`,
		int64(next.Seq)+1, next.ScopeID,
	); err != nil {
		return event.Event{}, fmt.Errorf("increment event seq: %w", err)
	}
	if err := s.enqueueProjectionApplyOutbox(ctx, next); err != nil {
		return event.Event{}, err
	}
	return next, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// GetEventByHash retrieves an event by its content hash.
func (s *Store) GetEventByHash(ctx context.Context, hash string) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if err := s.ready(); err != nil {
		return event.Event{}, err
	}
	if strings.TrimSpace(hash) == "" {
		return event.Event{}, fmt.Errorf("event hash is required")
	}

	row := s.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_hash = ?`, hash)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, fmt.Errorf("get event by hash: %w", err)
	}
	return evt, nil
}

// GetEventBySeq retrieves a specific event by sequence number.
func (s *Store) GetEventBySeq(ctx context.Context, scopeID string, seq uint64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if err := s.ready(); err != nil {
		return event.Event{}, err
	}
	if strings.TrimSpace(scopeID) == "" {
		return event.Event{}, event.ErrScopeRequired
	}

	row := s.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE scope_id = ? AND seq = ?`, scopeID, int64(seq))
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, fmt.Errorf("get event by seq: %w", err)
	}
	return evt, nil
}

// ListEvents returns events ordered by sequence ascending.
func (s *Store) ListEvents(ctx context.Context, scopeID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(scopeID) == "" {
		return nil, event.ErrScopeRequired
	}
	if limit <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "limit must be greater than zero")
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE scope_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		scopeID, int64(afterSeq), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return scanEvents(rows, limit)
}

// GetLatestEventSeq returns the latest event sequence number for a scope, or 0.
func (s *Store) GetLatestEventSeq(ctx context.Context, scopeID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(scopeID) == "" {
		return 0, event.ErrScopeRequired
	}

	var seq int64
	if err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE scope_id = ?`, scopeID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("get latest event seq: %w", err)
	}
	return uint64(seq), nil
}

// ListScopeIDs returns every scope with at least one event, ordered by id.
func (s *Store) ListScopeIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, "SELECT DISTINCT scope_id FROM events ORDER BY scope_id")
	if err != nil {
		return nil, fmt.Errorf("list scope ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan scope id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scope ids: %w", err)
	}
	return ids, nil
}

// ListEventsPage returns a paginated, filtered, and sorted list of events.
func (s *Store) ListEventsPage(ctx context.Context, req storage.ListEventsPageRequest) (storage.ListEventsPageResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.ListEventsPageResult{}, err
	}
	if err := s.ready(); err != nil {
		return storage.ListEventsPageResult{}, err
	}
	if strings.TrimSpace(req.ScopeID) == "" {
		return storage.ListEventsPageResult{}, event.ErrScopeRequired
	}
	plan := planEventPage(req)
	rows, err := s.q.QueryContext(ctx, plan.pageSQL, plan.pageArgs...)
	if err != nil {
		return storage.ListEventsPageResult{}, fmt.Errorf("query events: %w", err)
	}
	events, err := scanEvents(rows, plan.pageSize+1)
	if err != nil {
		return storage.ListEventsPageResult{}, err
	}

	hasMore := len(events) > plan.pageSize
	if hasMore {
		events = events[:plan.pageSize]
	}
	// Previous-page queries read toward the cursor; flip back to the requested order.
	if req.CursorReverse {
		slices.Reverse(events)
	}

	var totalCount int
	if err := s.q.QueryRowContext(ctx, plan.countSQL, plan.countArgs...).Scan(&totalCount); err != nil {
		return storage.ListEventsPageResult{}, fmt.Errorf("count events: %w", err)
	}

	result := storage.ListEventsPageResult{
		Events:     events,
		TotalCount: totalCount,
	}
	if req.CursorReverse {
		result.HasNextPage = true
		result.HasPrevPage = hasMore
	} else {
		result.HasNextPage = hasMore
		result.HasPrevPage = req.CursorSeq > 0
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt        event.Event
		seq        int64
		timestamp  int64
		eventType  string
		actorType  string
		payloadRaw []byte
	)
	if err := row.Scan(
		&evt.ScopeID,
		&seq,
		&evt.Hash,
		&evt.PrevHash,
		&evt.ChainHash,
		&evt.SignatureKeyID,
		&evt.Signature,
		&timestamp,
		&eventType,
		&actorType,
		&evt.ActorID,
		&evt.EntityType,
		&evt.EntityID,
		&evt.RequestID,
		&evt.CorrelationID,
		&evt.CausationID,
		&payloadRaw,
	); err != nil {
		return event.Event{}, err
	}
	evt.Seq = uint64(seq)
	evt.Timestamp = fromMillis(timestamp)
	evt.Type = event.Type(eventType)
	evt.ActorType = event.ActorType(actorType)
	evt.PayloadJSON = payloadRaw
	return evt, nil
}

func scanEvents(rows *sql.Rows, capacity int) ([]event.Event, error) {
	defer rows.Close()
	events := make([]event.Event, 0, capacity)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
