// Package snapshot reconstructs scope posture at any journal position.
//
// Stored snapshots and an optional in-memory state cache only shorten replay:
// every result is the fold of the journal prefix up to the requested point,
// and a snapshot that does not verify against the journal is ignored.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/platform/logging"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/checkpoint"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/replay"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
	"go.uber.org/zap"
)

// DefaultInterval is the number of events between automatic snapshots.
const DefaultInterval = 100

// Journal is the read side of the event store used for reconstruction.
type Journal interface {
	ListEvents(ctx context.Context, scopeID string, afterSeq uint64, limit int) ([]event.Event, error)
	GetEventBySeq(ctx context.Context, scopeID string, seq uint64) (event.Event, error)
	GetLatestEventSeq(ctx context.Context, scopeID string) (uint64, error)
}

// StateCache keeps the most recent folded state of each scope in memory.
type StateCache interface {
	GetState(ctx context.Context, scopeID string) (posture.State, uint64, error)
	SaveState(ctx context.Context, state posture.State) error
}

// Point selects a journal position. Seq bounds by sequence and Time by event
// timestamp; when both are set the earlier position wins. The zero Point is
// the journal head.
type Point struct {
	Seq  uint64
	Time time.Time
}

// Latest reports whether p selects the journal head.
func (p Point) Latest() bool {
	return p.Seq == 0 && p.Time.IsZero()
}

// Result is a reconstructed state and how it was obtained.
type Result struct {
	State posture.State
	// BaseSeq is the sequence of the snapshot or cached state replay started
	// from, zero for a full replay.
	BaseSeq  uint64
	Replayed int
}

// Service reconstructs, captures and prunes posture snapshots.
type Service struct {
	journal   Journal
	snapshots storage.SnapshotStore
	cache     StateCache
	interval  uint64
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithInterval sets how many events separate automatic snapshots. Zero
// disables MaybeCapture.
func WithInterval(n uint64) Option {
	return func(s *Service) { s.interval = n }
}

// WithStateCache keeps head states in cache between calls.
func WithStateCache(cache StateCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithLogger sets the logger used to report rejected snapshots.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the clock used for snapshot creation times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a Service over journal. snapshots may be nil, in which
// case every reconstruction replays from the first event.
func NewService(journal Journal, snapshots storage.SnapshotStore, opts ...Option) *Service {
	s := &Service{
		journal:   journal,
		snapshots: snapshots,
		interval:  DefaultInterval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

var errPastPoint = errors.New("event is past the requested point")

// StateAt returns the posture state of a scope at point.
func (s *Service) StateAt(ctx context.Context, scopeID string, point Point) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	scopeID = event.NormalizeID(scopeID)
	if scopeID == "" {
		return Result{}, event.ErrScopeRequired
	}
	head, err := s.journal.GetLatestEventSeq(ctx, scopeID)
	if err != nil {
		return Result{}, fmt.Errorf("latest seq scope_id=%s: %w", scopeID, err)
	}
	if head == 0 {
		return Result{}, apperrors.WithMetadata(apperrors.CodeScopeNotFound,
			"scope has no events", map[string]string{"scope_id": scopeID})
	}
	if point.Seq > head {
		return Result{}, apperrors.WithMetadata(apperrors.CodeSnapshotPointInFuture,
			fmt.Sprintf("seq %d is past the journal head %d", point.Seq, head),
			map[string]string{"scope_id": scopeID, "seq": strconv.FormatUint(point.Seq, 10), "head": strconv.FormatUint(head, 10)})
	}
	until := point.Seq
	if until == 0 {
		until = head
	}

	base, err := s.base(ctx, scopeID, until, point.Time)
	if err != nil {
		return Result{}, err
	}
	baseSeq := base.LastSeq

	result, err := replay.Replay(ctx, s.journal, checkpoint.NewNoop(),
		replay.ApplierFunc(func(_ context.Context, state any, evt event.Event) (any, error) {
			if !point.Time.IsZero() && evt.Timestamp.After(point.Time) {
				return state, errPastPoint
			}
			return posture.Fold(state.(posture.State), evt)
		}),
		scopeID, base, replay.Options{AfterSeq: baseSeq, UntilSeq: until},
	)
	if err != nil && !errors.Is(err, errPastPoint) {
		return Result{}, fmt.Errorf("replay scope_id=%s: %w", scopeID, err)
	}
	state := result.State.(posture.State)

	if s.cache != nil && point.Latest() {
		if err := s.cache.SaveState(ctx, state); err != nil {
			s.logger.Warn("cache posture state", zap.String("scope_id", scopeID), zap.Error(err))
		}
	}
	return Result{State: state, BaseSeq: baseSeq, Replayed: result.Applied}, nil
}

// base picks the newest usable starting state at or before (until, at).
func (s *Service) base(ctx context.Context, scopeID string, until uint64, at time.Time) (posture.State, error) {
	base := posture.New(scopeID)

	if s.snapshots != nil {
		snap, err := s.snapshots.GetSnapshotAtOrBefore(ctx, scopeID, until, at)
		switch {
		case err == nil:
			state, verr := s.Verify(ctx, snap)
			if verr != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return posture.State{}, ctxErr
				}
				s.logger.Warn("snapshot rejected; replaying from the journal",
					zap.String("scope_id", scopeID),
					zap.Uint64("event_seq", snap.EventSeq),
					zap.Error(verr),
				)
			} else {
				base = state
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return posture.State{}, ctxErr
			}
			s.logger.Warn("load snapshot", zap.String("scope_id", scopeID), zap.Error(err))
		}
	}

	if s.cache != nil {
		cached, seq, err := s.cache.GetState(ctx, scopeID)
		switch {
		case err == nil:
			fits := seq <= until && (at.IsZero() || !cached.LastEventAt.After(at))
			if fits && seq > base.LastSeq {
				base = cached
			}
		case errors.Is(err, replay.ErrCheckpointNotFound):
		default:
			return posture.State{}, fmt.Errorf("load cached state scope_id=%s: %w", scopeID, err)
		}
	}
	return base, nil
}

// Verify decodes snap and checks it against its hash and the journal.
func (s *Service) Verify(ctx context.Context, snap storage.Snapshot) (posture.State, error) {
	meta := map[string]string{"scope_id": snap.ScopeID, "event_seq": strconv.FormatUint(snap.EventSeq, 10)}
	if got := HashState(snap.StateJSON); got != snap.StateHash {
		return posture.State{}, apperrors.WithMetadata(apperrors.CodeIntegritySnapshotMismatch,
			fmt.Sprintf("state hash %s does not match stored %s", got, snap.StateHash), meta)
	}
	var state posture.State
	if err := json.Unmarshal(snap.StateJSON, &state); err != nil {
		return posture.State{}, apperrors.Wrap(apperrors.CodeIntegritySnapshotMismatch, "decode snapshot state", err)
	}
	if state.ScopeID != snap.ScopeID || state.LastSeq != snap.EventSeq || state.LastChainHash != snap.ChainHash {
		return posture.State{}, apperrors.WithMetadata(apperrors.CodeIntegritySnapshotMismatch,
			"snapshot state does not match its header", meta)
	}
	evt, err := s.journal.GetEventBySeq(ctx, snap.ScopeID, snap.EventSeq)
	if err != nil {
		return posture.State{}, fmt.Errorf("load snapshot event: %w", err)
	}
	if evt.ChainHash != snap.ChainHash {
		return posture.State{}, apperrors.WithMetadata(apperrors.CodeIntegritySnapshotMismatch,
			"snapshot chain hash does not match the journal", meta)
	}
	return state, nil
}

// Capture folds a scope to its head and stores a snapshot.
func (s *Service) Capture(ctx context.Context, scopeID string) (storage.Snapshot, error) {
	return s.captureAt(ctx, scopeID, Point{})
}

// MaybeCapture stores a snapshot at seq when seq falls on the interval.
func (s *Service) MaybeCapture(ctx context.Context, scopeID string, seq uint64) (bool, error) {
	if s.interval == 0 || seq == 0 || seq%s.interval != 0 {
		return false, nil
	}
	if _, err := s.captureAt(ctx, scopeID, Point{Seq: seq}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) captureAt(ctx context.Context, scopeID string, point Point) (storage.Snapshot, error) {
	if s.snapshots == nil {
		return storage.Snapshot{}, fmt.Errorf("snapshot store is not configured")
	}
	result, err := s.StateAt(ctx, scopeID, point)
	if err != nil {
		return storage.Snapshot{}, err
	}
	snap, err := Encode(result.State, s.now())
	if err != nil {
		return storage.Snapshot{}, err
	}
	if err := s.snapshots.PutSnapshot(ctx, snap); err != nil {
		return storage.Snapshot{}, fmt.Errorf("put snapshot: %w", err)
	}
	s.logger.Debug("snapshot captured",
		zap.String("scope_id", snap.ScopeID),
		zap.Uint64("event_seq", snap.EventSeq),
		zap.Int("replayed", result.Replayed),
	)
	return snap, nil
}

// Prune keeps the newest keep snapshots of a scope.
func (s *Service) Prune(ctx context.Context, scopeID string, keep int) (int, error) {
	if s.snapshots == nil {
		return 0, fmt.Errorf("snapshot store is not configured")
	}
	return s.snapshots.PruneSnapshots(ctx, event.NormalizeID(scopeID), keep)
}

// Encode serializes state into a snapshot row.
func Encode(state posture.State, createdAt time.Time) (storage.Snapshot, error) {
	if state.LastSeq == 0 {
		return storage.Snapshot{}, fmt.Errorf("snapshot of scope %s: state has no events", state.ScopeID)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("encode snapshot state: %w", err)
	}
	return storage.Snapshot{
		ScopeID:   state.ScopeID,
		EventSeq:  state.LastSeq,
		EventAt:   state.LastEventAt,
		ChainHash: state.LastChainHash,
		StateJSON: data,
		StateHash: HashState(data),
		CreatedAt: createdAt.UTC(),
	}, nil
}

// HashState returns the hex SHA-256 of encoded state.
func HashState(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
