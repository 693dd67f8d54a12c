package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	ledgerapp "github.com/louisbranch/evidence.space/internal/services/ledger/app"
	"github.com/louisbranch/evidence.space/internal/services/ledger/catalog"
	"github.com/louisbranch/evidence.space/internal/services/ledger/compliance"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/projection"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
)

type verifyReport struct {
	Events    int    `json:"events"`
	HeadSeq   uint64 `json:"head_seq"`
	ChainHash string `json:"chain_hash,omitempty"`
	Valid     bool   `json:"valid"`
	FailedSeq uint64 `json:"failed_seq,omitempty"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type rebuildReport struct {
	LastSeq uint64 `json:"last_seq"`
}

type snapshotReport struct {
	Seq       uint64 `json:"seq"`
	StateHash string `json:"state_hash"`
}

type pruneReport struct {
	Keep    int `json:"keep"`
	Deleted int `json:"deleted"`
}

type gapReport struct {
	Mode     string      `json:"mode"`
	Gaps     int         `json:"gaps"`
	Repaired []gapResult `json:"repaired"`
}

type gapResult struct {
	ScopeID      string `json:"scope_id"`
	WatermarkSeq uint64 `json:"watermark_seq"`
	JournalSeq   uint64 `json:"journal_seq"`
	LastSeq      uint64 `json:"last_seq"`
	Error        string `json:"error,omitempty"`
}

type catalogResult struct {
	Mode         string   `json:"mode"`
	ScopeID      string   `json:"scope_id"`
	ScopeCreated bool     `json:"scope_created"`
	Registered   []string `json:"registered"`
	Unchanged    []string `json:"unchanged"`
}

// scopeTasks runs the per-scope maintenance tasks.
type scopeTasks struct {
	stores    *ledgerapp.Stores
	processor projection.Processor
	snapshots *snapshot.Service
}

func newScopeTasks(stores *ledgerapp.Stores) scopeTasks {
	return scopeTasks{
		stores:    stores,
		processor: projection.Processor{Store: stores.Projections, Watermarks: stores.Projections},
		snapshots: snapshot.NewService(stores.Events, stores.Projections),
	}
}

func (t scopeTasks) run(ctx context.Context, m mode, scopeID string, keep int) runResult {
	result := runResult{ScopeID: scopeID, Mode: string(m)}
	var (
		report any
		err    error
	)
	switch m {
	case modeVerify:
		var verified verifyReport
		verified, err = t.verify(ctx, scopeID)
		report = verified
		if err == nil && !verified.Valid {
			result.ExitCode = 1
		}
	case modeRebuild:
		var lastSeq uint64
		lastSeq, err = projection.RebuildScope(ctx, t.stores.Events, t.stores.Projections, t.processor, scopeID)
		report = rebuildReport{LastSeq: lastSeq}
	case modeSnapshotCapture:
		report, err = t.capture(ctx, scopeID)
	case modeSnapshotPrune:
		var deleted int
		deleted, err = t.snapshots.Prune(ctx, scopeID, keep)
		report = pruneReport{Keep: keep, Deleted: deleted}
	default:
		err = fmt.Errorf("mode %s does not run per scope", m)
	}
	if err != nil {
		result.Error = fmt.Sprintf("%s: %v", m, err)
		result.ExitCode = 1
		return result
	}
	payload, err := json.Marshal(report)
	if err != nil {
		result.Error = fmt.Sprintf("encode report: %v", err)
		result.ExitCode = 1
		return result
	}
	result.Report = payload
	return result
}

// verify reports a broken chain as an invalid report rather than an error so
// the caller can print where it broke.
func (t scopeTasks) verify(ctx context.Context, scopeID string) (verifyReport, error) {
	integrityReport, err := t.stores.Events.VerifyScope(ctx, scopeID)
	report := verifyReport{
		Events:    integrityReport.Events,
		HeadSeq:   integrityReport.HeadSeq,
		ChainHash: integrityReport.ChainHash,
	}
	var chainErr *integrity.ChainError
	switch {
	case errors.As(err, &chainErr):
		report.FailedSeq = chainErr.Seq
		report.Code = string(chainErr.Code)
		report.Reason = chainErr.Reason
		return report, nil
	case err != nil:
		return report, err
	case integrityReport.HeadSeq == 0:
		return report, apperrors.New(apperrors.CodeScopeNotFound, "scope "+scopeID+" has no events")
	}
	report.Valid = true
	return report, nil
}

func (t scopeTasks) capture(ctx context.Context, scopeID string) (snapshotReport, error) {
	snap, err := t.snapshots.Capture(ctx, scopeID)
	if err != nil {
		return snapshotReport{}, err
	}
	return snapshotReport{Seq: snap.EventSeq, StateHash: snap.StateHash}, nil
}

// runRepairGaps replays the journal tail of every scope whose watermark
// trails its head.
func runRepairGaps(ctx context.Context, stores *ledgerapp.Stores, jsonOutput bool, out io.Writer) error {
	gaps, err := projection.DetectProjectionGaps(ctx, stores.Projections, stores.Events)
	if err != nil {
		return fmt.Errorf("detect projection gaps: %w", err)
	}
	processor := projection.Processor{Store: stores.Projections, Watermarks: stores.Projections}
	report := gapReport{Mode: string(modeRepairGaps), Gaps: len(gaps), Repaired: []gapResult{}}
	failed := false
	for _, gap := range gaps {
		result := gapResult{ScopeID: gap.ScopeID, WatermarkSeq: gap.WatermarkSeq, JournalSeq: gap.JournalSeq}
		lastSeq, err := projection.RepairGap(ctx, stores.Events, processor, gap)
		result.LastSeq = lastSeq
		if err != nil {
			result.Error = err.Error()
			failed = true
		}
		report.Repaired = append(report.Repaired, result)
	}

	if jsonOutput {
		outputJSON(out, out, report)
	} else {
		fmt.Fprintf(out, "Projection gaps: %d\n", report.Gaps)
		for _, result := range report.Repaired {
			if result.Error != "" {
				fmt.Fprintf(out, "- %s: watermark=%d journal=%d error=%s\n", result.ScopeID, result.WatermarkSeq, result.JournalSeq, result.Error)
				continue
			}
			fmt.Fprintf(out, "- %s: watermark=%d journal=%d repaired through seq %d\n", result.ScopeID, result.WatermarkSeq, result.JournalSeq, result.LastSeq)
		}
	}
	if failed {
		return errors.New("projection gap repair failed")
	}
	return nil
}

// runCatalogImport registers the controls of a catalog file. Appended events
// are enqueued for the ledger's outbox worker to project.
func runCatalogImport(ctx context.Context, stores *ledgerapp.Stores, path string, jsonOutput bool, out io.Writer) error {
	states := snapshot.NewService(stores.Events, stores.Projections)
	service, err := compliance.NewService(compliance.Deps{Journal: stores.Events, States: states})
	if err != nil {
		return fmt.Errorf("build compliance service: %w", err)
	}
	importer := catalog.NewImporter(service, states, compliance.Actor{Type: event.ActorTypeSystem, ID: "maintenance"}, nil)
	report, err := importer.ImportFile(ctx, path)
	if err != nil {
		return fmt.Errorf("import catalog: %w", err)
	}
	if jsonOutput {
		outputJSON(out, out, catalogResult{
			Mode:         string(modeCatalog),
			ScopeID:      report.ScopeID,
			ScopeCreated: report.ScopeCreated,
			Registered:   report.Registered,
			Unchanged:    report.Unchanged,
		})
		return nil
	}
	fmt.Fprintf(out, "Imported catalog for scope %s (created=%t registered=%d unchanged=%d)\n",
		report.ScopeID, report.ScopeCreated, len(report.Registered), len(report.Unchanged))
	return nil
}
