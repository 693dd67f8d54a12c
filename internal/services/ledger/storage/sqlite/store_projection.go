package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

var _ storage.ProjectionStore = (*Store)(nil)

func (s *Store) projectionReady(ctx context.Context, scopeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(scopeID) == "" {
		return event.ErrScopeRequired
	}
	return nil
}

func requireID(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

func decodeJSONColumn(raw string, target any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), target)
}

// Scopes

// PutScope upserts a scope header when rec is newer than the stored row.
func (s *Store) PutScope(ctx context.Context, rec storage.ScopeRecord) error {
	if err := s.projectionReady(ctx, rec.ID); err != nil {
		return err
	}
	frameworks, err := marshalJSONColumn(rec.Frameworks, "[]")
	if err != nil {
		return fmt.Errorf("encode frameworks: %w", err)
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO scopes (id, name, frameworks_json, created_at, updated_at, last_seq)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     name = excluded.name,
		     frameworks_json = excluded.frameworks_json,
		     created_at = excluded.created_at,
		     updated_at = excluded.updated_at,
		     last_seq = excluded.last_seq
		 WHERE excluded.last_seq > scopes.last_seq`,
		rec.ID, rec.Name, frameworks, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt), int64(rec.LastSeq),
	); err != nil {
		return fmt.Errorf("put scope: %w", err)
	}
	return nil
}

// GetScope returns one scope header.
func (s *Store) GetScope(ctx context.Context, scopeID string) (storage.ScopeRecord, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return storage.ScopeRecord{}, err
	}
	row := s.q.QueryRowContext(ctx,
		`SELECT id, name, frameworks_json, created_at, updated_at, last_seq FROM scopes WHERE id = ?`, scopeID)
	rec, err := scanScope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ScopeRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ScopeRecord{}, fmt.Errorf("get scope: %w", err)
	}
	return rec, nil
}

// ListScopes returns every projected scope ordered by id.
func (s *Store) ListScopes(ctx context.Context) ([]storage.ScopeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, frameworks_json, created_at, updated_at, last_seq FROM scopes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	return collectRows(rows, scanScope)
}

func scanScope(row rowScanner) (storage.ScopeRecord, error) {
	var (
		rec        storage.ScopeRecord
		frameworks string
		createdAt  int64
		updatedAt  int64
		lastSeq    int64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &frameworks, &createdAt, &updatedAt, &lastSeq); err != nil {
		return storage.ScopeRecord{}, err
	}
	if err := decodeJSONColumn(frameworks, &rec.Frameworks); err != nil {
		return storage.ScopeRecord{}, fmt.Errorf("decode frameworks: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.LastSeq = uint64(lastSeq)
	return rec, nil
}

// Controls

// PutControl upserts a control when rec is newer than the stored row.
func (s *Store) PutControl(ctx context.Context, rec storage.ControlRecord) error {
	if err := s.projectionReady(ctx, rec.ScopeID); err != nil {
		return err
	}
	if err := requireID("control id", rec.ID); err != nil {
		return err
	}
	kinds, err := marshalJSONColumn(rec.ResourceKinds, "[]")
	if err != nil {
		return fmt.Errorf("encode resource kinds: %w", err)
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO controls (
		     scope_id, id, title, framework, requirement, severity, resource_kinds_json, policy,
		     retired, retired_reason, registered_at, updated_at, last_seq
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope_id, id) DO UPDATE SET
		     title = excluded.title,
		     framework = excluded.framework,
		     requirement = excluded.requirement,
		     severity = excluded.severity,
		     resource_kinds_json = excluded.resource_kinds_json,
		     policy = excluded.policy,
		     retired = excluded.retired,
		     retired_reason = excluded.retired_reason,
		     registered_at = excluded.registered_at,
		     updated_at = excluded.updated_at,
		     last_seq = excluded.last_seq
		 WHERE excluded.last_seq > controls.last_seq`,
		rec.ScopeID, rec.ID, rec.Title, rec.Framework, rec.Requirement, rec.Severity, kinds, rec.Policy,
		boolToInt(rec.Retired), rec.RetiredReason, toMillis(rec.RegisteredAt), toMillis(rec.UpdatedAt), int64(rec.LastSeq),
	); err != nil {
		return fmt.Errorf("put control: %w", err)
	}
	return nil
}

const controlColumns = "scope_id, id, title, framework, requirement, severity, resource_kinds_json, policy, retired, retired_reason, registered_at, updated_at, last_seq"

// GetControl returns one control of a scope.
func (s *Store) GetControl(ctx context.Context, scopeID, controlID string) (storage.ControlRecord, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return storage.ControlRecord{}, err
	}
	row := s.q.QueryRowContext(ctx,
		`SELECT `+controlColumns+` FROM controls WHERE scope_id = ? AND id = ?`, scopeID, controlID)
	rec, err := scanControl(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ControlRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ControlRecord{}, fmt.Errorf("get control: %w", err)
	}
	return rec, nil
}

// ListControls returns every control of a scope ordered by id, retired ones included.
func (s *Store) ListControls(ctx context.Context, scopeID string) ([]storage.ControlRecord, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+controlColumns+` FROM controls WHERE scope_id = ? ORDER BY id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list controls: %w", err)
	}
	return collectRows(rows, scanControl)
}

func scanControl(row rowScanner) (storage.ControlRecord, error) {
	var (
		rec          storage.ControlRecord
		kinds        string
		retired      int
		registeredAt int64
		updatedAt    int64
		lastSeq      int64
	)
	if err := row.Scan(
		&rec.ScopeID, &rec.ID, &rec.Title, &rec.Framework, &rec.Requirement, &rec.Severity, &kinds, &rec.Policy,
		&retired, &rec.RetiredReason, &registeredAt, &updatedAt, &lastSeq,
	); err != nil {
		return storage.ControlRecord{}, err
	}
	if err := decodeJSONColumn(kinds, &rec.ResourceKinds); err != nil {
		return storage.ControlRecord{}, fmt.Errorf("decode resource kinds: %w", err)
	}
	rec.Retired = retired != 0
	rec.RegisteredAt = fromMillis(registeredAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.LastSeq = uint64(lastSeq)
	return rec, nil
}

// Resources

// PutResource upserts a resource when rec is newer than the stored row.
func (s *Store) PutResource(ctx context.Context, rec storage.ResourceRecord) error {
	if err := s.projectionReady(ctx, rec.ScopeID); err != nil {
		return err
	}
	if err := requireID("resource id", rec.ID); err != nil {
		return err
	}
	attributes, err := marshalJSONColumn(rec.Attributes, "{}")
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO resources (scope_id, id, kind, attributes_json, removed, observed_at, updated_at, last_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope_id, id) DO UPDATE SET
		     kind = excluded.kind,
		     attributes_json = excluded.attributes_json,
		     removed = excluded.removed,
		     observed_at = excluded.observed_at,
		     updated_at = excluded.updated_at,
		     last_seq = excluded.last_seq
		 WHERE excluded.last_seq > resources.last_seq`,
		rec.ScopeID, rec.ID, rec.Kind, attributes, boolToInt(rec.Removed),
		toMillis(rec.ObservedAt), toMillis(rec.UpdatedAt), int64(rec.LastSeq),
	); err != nil {
		return fmt.Errorf("put resource: %w", err)
	}
	return nil
}

const resourceColumns = "scope_id, id, kind, attributes_json, removed, observed_at, updated_at, last_seq"

// GetResource returns one resource of a scope.
func (s *Store) GetResource(ctx context.Context, scopeID, resourceID string) (storage.ResourceRecord, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return storage.ResourceRecord{}, err
	}
	row := s.q.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE scope_id = ? AND id = ?`, scopeID, resourceID)
	rec, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ResourceRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ResourceRecord{}, fmt.Errorf("get resource: %w", err)
	}
	return rec, nil
}

// ListResources returns every resource of a scope ordered by id, removed ones included.
func (s *Store) ListResources(ctx context.Context, scopeID string) ([]storage.ResourceRecord, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE scope_id = ? ORDER BY id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return collectRows(rows, scanResource)
}

func scanResource(row rowScanner) (storage.ResourceRecord, error) {
	var (
		rec        storage.ResourceRecord
		attributes string
		removed    int
		observedAt int64
		updatedAt  int64
		lastSeq    int64
	)
	if err := row.Scan(&rec.ScopeID, &rec.ID, &rec.Kind, &attributes, &removed, &observedAt, &updatedAt, &lastSeq); err != nil {
		return storage.ResourceRecord{}, err
	}
	if attributes != "{}" {
		if err := decodeJSONColumn(attributes, &rec.Attributes); err != nil {
			return storage.ResourceRecord{}, fmt.Errorf("decode attributes: %w", err)
		}
	}
	rec.Removed = removed != 0
	rec.ObservedAt = fromMillis(observedAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.LastSeq = uint64(lastSeq)
	return rec, nil
}

// Evaluations

// PutEvaluation upserts the latest evaluation when rec is newer than the stored row.
func (s *Store) PutEvaluation(ctx context.Context, rec storage.EvaluationRecord) error {
	if err := s.projectionReady(ctx, rec.ScopeID); err != nil {
		return err
	}
	if err := requireID("control id", rec.ControlID); err != nil {
		return err
	}
	if err := requireID("resource id", rec.ResourceID); err != nil {
		return err
	}
	evidenceIDs, err := marshalJSONColumn(rec.EvidenceIDs, "[]")
	if err != nil {
		return fmt.Errorf("encode evidence ids: %w", err)
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO evaluations (scope_id, control_id, resource_id, result, reason, evidence_ids_json, evaluator, evaluated_at, last_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope_id, control_id, resource_id) DO UPDATE SET
		     result = excluded.result,
		     reason = excluded.reason,
		     evidence_ids_json = excluded.evidence_ids_json,
		     evaluator = excluded.evaluator,
		     evaluated_at = excluded.evaluated_at,
		     last_seq = excluded.last_seq
		 WHERE excluded.last_seq > evaluations.last_seq`,
		rec.ScopeID, rec.ControlID, rec.ResourceID, rec.Result, rec.Reason, evidenceIDs, rec.Evaluator,
		toMillis(rec.EvaluatedAt), int64(rec.LastSeq),
	); err != nil {
		return fmt.Errorf("put evaluation: %w", err)
	}
	return nil
}

// ListEvaluations returns the evaluations of a scope, optionally of one
// control, ordered by control then resource.
func (s *Store) ListEvaluations(ctx context.Context, scopeID, controlID string) ([]storage.EvaluationRecord, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return nil, err
	}
	query := `SELECT scope_id, control_id, resource_id, result, reason, evidence_ids_json, evaluator, evaluated_at, last_seq
		 FROM evaluations WHERE scope_id = ?`
	args := []any{scopeID}
	if strings.TrimSpace(controlID) != "" {
		query += ` AND control_id = ?`
		args = append(args, controlID)
	}
	query += ` ORDER BY control_id, resource_id`
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	return collectRows(rows, scanEvaluation)
}

func scanEvaluation(row rowScanner) (storage.EvaluationRecord, error) {
	var (
		rec         storage.EvaluationRecord
		evidenceIDs string
		evaluatedAt int64
		lastSeq     int64
	)
	if err := row.Scan(&rec.ScopeID, &rec.ControlID, &rec.ResourceID, &rec.Result, &rec.Reason, &evidenceIDs, &rec.Evaluator, &evaluatedAt, &lastSeq); err != nil {
		return storage.EvaluationRecord{}, err
	}
	if err := decodeJSONColumn(evidenceIDs, &rec.EvidenceIDs); err != nil {
		return storage.EvaluationRecord{}, fmt.Errorf("decode evidence ids: %w", err)
	}
	rec.EvaluatedAt = fromMillis(evaluatedAt)
	rec.LastSeq = uint64(lastSeq)
	return rec, nil
}

// Evidence

// PutEvidence upserts an evidence index row when rec is newer than the stored row.
func (s *Store) PutEvidence(ctx context.Context, rec storage.EvidenceRecord) error {
	if err := s.projectionReady(ctx, rec.ScopeID); err != nil {
		return err
	}
	if err := requireID("evidence id", rec.ID); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO evidence (scope_id, id, control_id, resource_id, digest, media_type, uri, collected_at, attached_at, last_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope_id, id) DO UPDATE SET
		     control_id = excluded.control_id,
		     resource_id = excluded.resource_id,
		     digest = excluded.digest,
		     media_type = excluded.media_type,
		     uri = excluded.uri,
		     collected_at = excluded.collected_at,
		     attached_at = excluded.attached_at,
		     last_seq = excluded.last_seq
		 WHERE excluded.last_seq > evidence.last_seq`,
		rec.ScopeID, rec.ID, rec.ControlID, rec.ResourceID, rec.Digest, rec.MediaType, rec.URI,
		toNullMillis(rec.CollectedAt), toMillis(rec.AttachedAt), int64(rec.LastSeq),
	); err != nil {
		return fmt.Errorf("put evidence: %w", err)
	}
	return nil
}

// ListEvidence returns the evidence index of a scope ordered by id.
func (s *Store) ListEvidence(ctx context.Context, scopeID string) ([]storage.EvidenceRecord, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT scope_id, id, control_id, resource_id, digest, media_type, uri, collected_at, attached_at, last_seq
		 FROM evidence WHERE scope_id = ? ORDER BY id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	return collectRows(rows, scanEvidence)
}

func scanEvidence(row rowScanner) (storage.EvidenceRecord, error) {
	var (
		rec         storage.EvidenceRecord
		collectedAt sql.NullInt64
		attachedAt  int64
		lastSeq     int64
	)
	if err := row.Scan(&rec.ScopeID, &rec.ID, &rec.ControlID, &rec.ResourceID, &rec.Digest, &rec.MediaType, &rec.URI, &collectedAt, &attachedAt, &lastSeq); err != nil {
		return storage.EvidenceRecord{}, err
	}
	rec.CollectedAt = fromNullMillis(collectedAt)
	rec.AttachedAt = fromMillis(attachedAt)
	rec.LastSeq = uint64(lastSeq)
	return rec, nil
}

// Exceptions

// PutException upserts an exception when rec is newer than the stored row.
func (s *Store) PutException(ctx context.Context, rec storage.ExceptionRecord) error {
	if err := s.projectionReady(ctx, rec.ScopeID); err != nil {
		return err
	}
	if err := requireID("exception id", rec.ID); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO exceptions (
		     scope_id, id, control_id, resource_id, justification, approver, expires_at,
		     granted_at, revoked, revoked_at, revoke_reason, last_seq
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope_id, id) DO UPDATE SET
		     control_id = excluded.control_id,
		     resource_id = excluded.resource_id,
		     justification = excluded.justification,
		     approver = excluded.approver,
		     expires_at = excluded.expires_at,
		     granted_at = excluded.granted_at,
		     revoked = excluded.revoked,
		     revoked_at = excluded.revoked_at,
		     revoke_reason = excluded.revoke_reason,
		     last_seq = excluded.last_seq
		 WHERE excluded.last_seq > exceptions.last_seq`,
		rec.ScopeID, rec.ID, rec.ControlID, rec.ResourceID, rec.Justification, rec.Approver, toNullMillis(rec.ExpiresAt),
		toMillis(rec.GrantedAt), boolToInt(rec.Revoked), toNullMillis(rec.RevokedAt), rec.RevokeReason, int64(rec.LastSeq),
	); err != nil {
		return fmt.Errorf("put exception: %w", err)
	}
	return nil
}

const exceptionColumns = "scope_id, id, control_id, resource_id, justification, approver, expires_at, granted_at, revoked, revoked_at, revoke_reason, last_seq"

// GetException returns one exception of a scope.
func (s *Store) GetException(ctx context.Context, scopeID, exceptionID string) (storage.ExceptionRecord, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return storage.ExceptionRecord{}, err
	}
	row := s.q.QueryRowContext(ctx,
		`SELECT `+exceptionColumns+` FROM exceptions WHERE scope_id = ? AND id = ?`, scopeID, exceptionID)
	rec, err := scanException(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ExceptionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ExceptionRecord{}, fmt.Errorf("get exception: %w", err)
	}
	return rec, nil
}

// ListExceptions returns every exception of a scope ordered by id.
func (s *Store) ListExceptions(ctx context.Context, scopeID string) ([]storage.ExceptionRecord, error) {
	if err := s.projectionReady(ctx, scopeID); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+exceptionColumns+` FROM exceptions WHERE scope_id = ? ORDER BY id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	return collectRows(rows, scanException)
}

func scanException(row rowScanner) (storage.ExceptionRecord, error) {
	var (
		rec       storage.ExceptionRecord
		expiresAt sql.NullInt64
		grantedAt int64
		revoked   int
		revokedAt sql.NullInt64
		lastSeq   int64
	)
	if err := row.Scan(
		&rec.ScopeID, &rec.ID, &rec.ControlID, &rec.ResourceID, &rec.Justification, &rec.Approver, &expiresAt,
		&grantedAt, &revoked, &revokedAt, &rec.RevokeReason, &lastSeq,
	); err != nil {
		return storage.ExceptionRecord{}, err
	}
	rec.ExpiresAt = fromNullMillis(expiresAt)
	rec.GrantedAt = fromMillis(grantedAt)
	rec.Revoked = revoked != 0
	rec.RevokedAt = fromNullMillis(revokedAt)
	rec.LastSeq = uint64(lastSeq)
	return rec, nil
}

func collectRows[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
