package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// EventStore is the append-only journal.
type EventStore interface {
	// AppendEvent atomically appends an event and returns it with sequence and hashes set.
	// Re-appending an event whose content hash is already stored returns the stored event.
	AppendEvent(ctx context.Context, evt event.Event) (event.Event, error)
	// BatchAppendEvents appends events of one scope in a single transaction.
	BatchAppendEvents(ctx context.Context, events []event.Event) ([]event.Event, error)
	// GetEventBySeq retrieves a specific event by sequence number.
	GetEventBySeq(ctx context.Context, scopeID string, seq uint64) (event.Event, error)
	// ListEvents returns events ordered by sequence ascending.
	ListEvents(ctx context.Context, scopeID string, afterSeq uint64, limit int) ([]event.Event, error)
	// GetLatestEventSeq returns the latest sequence for a scope, or 0 when empty.
	GetLatestEventSeq(ctx context.Context, scopeID string) (uint64, error)
}

// EventLister is the read half of EventStore.
type EventLister interface {
	ListEvents(ctx context.Context, scopeID string, afterSeq uint64, limit int) ([]event.Event, error)
	GetLatestEventSeq(ctx context.Context, scopeID string) (uint64, error)
}

// ListEventsPageRequest describes a filtered, cursor-paged read of one scope's journal.
type ListEventsPageRequest struct {
	// ScopeID scopes the query (required).
	ScopeID string
	// AfterSeq returns only events with seq greater than this value.
	AfterSeq uint64
	// PageSize is the maximum number of events to return (default: 50, max: 200).
	PageSize int
	// CursorSeq is the sequence number to paginate from (0 for first page).
	CursorSeq uint64
	// CursorDir is the pagination direction ("fwd" = seq > cursor, "bwd" = seq < cursor).
	CursorDir string
	// CursorReverse flips the sort order for previous-page queries.
	CursorReverse bool
	// Descending orders results by seq desc (newest first) when true.
	Descending bool
	// FilterClause is an optional SQL WHERE clause fragment.
	FilterClause string
	// FilterParams are the positional parameters for the filter clause.
	FilterParams []any
}

// ListEventsPageResult is one page of journal history.
type ListEventsPageResult struct {
	Events      []event.Event
	HasNextPage bool
	HasPrevPage bool
	TotalCount  int
}

// ScopeRecord is the projected scope header.
type ScopeRecord struct {
	ID         string
	Name       string
	Frameworks []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastSeq    uint64
}

// ControlRecord is the projected state of one control.
type ControlRecord struct {
	ScopeID       string
	ID            string
	Title         string
	Framework     string
	Requirement   string
	Severity      string
	ResourceKinds []string
	Policy        string
	Retired       bool
	RetiredReason string
	RegisteredAt  time.Time
	UpdatedAt     time.Time
	LastSeq       uint64
}

// ResourceRecord is the projected state of one resource.
type ResourceRecord struct {
	ScopeID    string
	ID         string
	Kind       string
	Attributes map[string]any
	Removed    bool
	ObservedAt time.Time
	UpdatedAt  time.Time
	LastSeq    uint64
}

// EvaluationRecord is the latest evaluation of a control against a resource.
type EvaluationRecord struct {
	ScopeID     string
	ControlID   string
	ResourceID  string
	Result      string
	Reason      string
	EvidenceIDs []string
	Evaluator   string
	EvaluatedAt time.Time
	LastSeq     uint64
}

// EvidenceRecord indexes an attached evidence artifact.
type EvidenceRecord struct {
	ScopeID     string
	ID          string
	ControlID   string
	ResourceID  string
	Digest      string
	MediaType   string
	URI         string
	CollectedAt *time.Time
	AttachedAt  time.Time
	LastSeq     uint64
}

// ExceptionRecord is the projected state of a risk exception.
type ExceptionRecord struct {
	ScopeID       string
	ID            string
	ControlID     string
	ResourceID    string
	Justification string
	Approver      string
	ExpiresAt     *time.Time
	GrantedAt     time.Time
	Revoked       bool
	RevokedAt     *time.Time
	RevokeReason  string
	LastSeq       uint64
}

// ProjectionStore holds the read models derived from the journal.
//
// Put methods only overwrite a row when the incoming LastSeq is newer, so
// out-of-order apply never regresses a record.
type ProjectionStore interface {
	PutScope(ctx context.Context, rec ScopeRecord) error
	GetScope(ctx context.Context, scopeID string) (ScopeRecord, error)
	ListScopes(ctx context.Context) ([]ScopeRecord, error)

	PutControl(ctx context.Context, rec ControlRecord) error
	GetControl(ctx context.Context, scopeID, controlID string) (ControlRecord, error)
	ListControls(ctx context.Context, scopeID string) ([]ControlRecord, error)

	PutResource(ctx context.Context, rec ResourceRecord) error
	GetResource(ctx context.Context, scopeID, resourceID string) (ResourceRecord, error)
	ListResources(ctx context.Context, scopeID string) ([]ResourceRecord, error)

	PutEvaluation(ctx context.Context, rec EvaluationRecord) error
	// ListEvaluations returns evaluations of a scope, optionally for one control.
	ListEvaluations(ctx context.Context, scopeID, controlID string) ([]EvaluationRecord, error)

	PutEvidence(ctx context.Context, rec EvidenceRecord) error
	ListEvidence(ctx context.Context, scopeID string) ([]EvidenceRecord, error)

	PutException(ctx context.Context, rec ExceptionRecord) error
	GetException(ctx context.Context, scopeID, exceptionID string) (ExceptionRecord, error)
	ListExceptions(ctx context.Context, scopeID string) ([]ExceptionRecord, error)
}

// ProjectionWatermark tracks how far projections of a scope have been applied.
type ProjectionWatermark struct {
	ScopeID         string
	AppliedSeq      uint64
	ExpectedNextSeq uint64
	UpdatedAt       time.Time
}

// WatermarkStore persists projection watermarks.
type WatermarkStore interface {
	GetProjectionWatermark(ctx context.Context, scopeID string) (ProjectionWatermark, error)
	SaveProjectionWatermark(ctx context.Context, wm ProjectionWatermark) error
	ListProjectionWatermarks(ctx context.Context) ([]ProjectionWatermark, error)
}

// Snapshot is a folded posture state at a journal position.
// Snapshots accelerate reconstruction; the journal stays authoritative.
type Snapshot struct {
	ScopeID   string
	EventSeq  uint64
	EventAt   time.Time
	ChainHash string
	StateJSON []byte
	StateHash string
	CreatedAt time.Time
}

// SnapshotStore persists posture snapshots.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, snap Snapshot) error
	// GetSnapshotAtOrBefore returns the newest snapshot with EventSeq <= seq
	// (seq 0 means no bound) and EventAt <= at (zero means no bound).
	GetSnapshotAtOrBefore(ctx context.Context, scopeID string, seq uint64, at time.Time) (Snapshot, error)
	// ListSnapshots returns snapshots ordered by event sequence descending.
	ListSnapshots(ctx context.Context, scopeID string, limit int) ([]Snapshot, error)
	// DeleteSnapshot removes one snapshot.
	DeleteSnapshot(ctx context.Context, scopeID string, seq uint64) error
	// PruneSnapshots keeps the newest keep snapshots and returns how many were removed.
	PruneSnapshots(ctx context.Context, scopeID string, keep int) (int, error)
}
