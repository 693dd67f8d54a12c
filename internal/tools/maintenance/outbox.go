package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/sqlite"
)

type outboxReport struct {
	Mode    string                              `json:"mode"`
	Status  string                              `json:"status,omitempty"`
	Limit   int                                 `json:"limit"`
	Summary sqlite.ProjectionApplyOutboxSummary `json:"summary"`
	Rows    []sqlite.ProjectionApplyOutboxEntry `json:"rows"`
}

type outboxRequeueResult struct {
	Mode     string `json:"mode"`
	ScopeID  string `json:"scope_id"`
	Seq      uint64 `json:"seq"`
	Requeued bool   `json:"requeued"`
}

type outboxRequeueDeadResult struct {
	Mode     string `json:"mode"`
	Limit    int    `json:"limit"`
	Requeued int    `json:"requeued"`
}

func runOutboxReport(
	ctx context.Context,
	inspector outboxInspector,
	status string,
	limit int,
	jsonOutput bool,
	out io.Writer,
	errOut io.Writer,
) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if inspector == nil {
		return fmt.Errorf("outbox inspector is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("outbox limit must be > 0")
	}
	summary, err := inspector.GetProjectionApplyOutboxSummary(ctx)
	if err != nil {
		return fmt.Errorf("read outbox summary: %w", err)
	}
	rows, err := inspector.ListProjectionApplyOutboxRows(ctx, status, limit)
	if err != nil {
		return fmt.Errorf("list outbox rows: %w", err)
	}
	if jsonOutput {
		outputJSON(out, errOut, outboxReport{
			Mode:    string(modeOutboxReport),
			Status:  strings.TrimSpace(status),
			Limit:   limit,
			Summary: summary,
			Rows:    rows,
		})
		return nil
	}
	fmt.Fprintf(
		out,
		"Outbox summary: pending=%d processing=%d failed=%d dead=%d\n",
		summary.PendingCount,
		summary.ProcessingCount,
		summary.FailedCount,
		summary.DeadCount,
	)
	if summary.OldestPendingScopeID == "" || summary.OldestPendingSeq == 0 || summary.OldestPendingAt.IsZero() {
		fmt.Fprintln(out, "Oldest pending/failed row: none")
	} else {
		fmt.Fprintf(
			out,
			"Oldest pending/failed row: %s/%d next_attempt_at=%s\n",
			summary.OldestPendingScopeID,
			summary.OldestPendingSeq,
			summary.OldestPendingAt.Format(time.RFC3339),
		)
	}
	if filter := strings.TrimSpace(status); filter == "" {
		fmt.Fprintf(out, "Rows (all statuses, limit=%d):\n", limit)
	} else {
		fmt.Fprintf(out, "Rows (status=%s, limit=%d):\n", filter, limit)
	}
	for _, row := range rows {
		fmt.Fprintf(
			out,
			"- %s/%d status=%s attempts=%d next_attempt_at=%s type=%s\n",
			row.ScopeID,
			row.Seq,
			row.Status,
			row.AttemptCount,
			row.NextAttemptAt.Format(time.RFC3339),
			row.EventType,
		)
		if strings.TrimSpace(row.LastError) != "" {
			fmt.Fprintf(out, "  last_error=%s\n", row.LastError)
		}
	}
	return nil
}

func runOutboxRequeue(
	ctx context.Context,
	requeuer outboxRequeuer,
	scopeID string,
	seq uint64,
	now time.Time,
	jsonOutput bool,
	out io.Writer,
	errOut io.Writer,
) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if requeuer == nil {
		return fmt.Errorf("outbox requeuer is not configured")
	}
	scopeID = event.NormalizeID(scopeID)
	if scopeID == "" {
		return fmt.Errorf("scope id is required")
	}
	if seq == 0 {
		return fmt.Errorf("event sequence must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	requeued, err := requeuer.RequeueProjectionApplyOutboxRow(ctx, scopeID, seq, now)
	if err != nil {
		return fmt.Errorf("requeue outbox row: %w", err)
	}
	if !requeued {
		return fmt.Errorf("dead outbox row not found for %s/%d", scopeID, seq)
	}
	if jsonOutput {
		payload, err := json.Marshal(outboxRequeueResult{
			Mode:     string(modeOutboxRequeue),
			ScopeID:  scopeID,
			Seq:      seq,
			Requeued: true,
		})
		if err != nil {
			return fmt.Errorf("encode outbox requeue report: %w", err)
		}
		fmt.Fprintln(out, string(payload))
		return nil
	}
	fmt.Fprintf(out, "Requeued outbox row: %s/%d\n", scopeID, seq)
	return nil
}

func runOutboxRequeueDeadRows(
	ctx context.Context,
	requeuer outboxRequeuer,
	limit int,
	now time.Time,
	jsonOutput bool,
	out io.Writer,
	errOut io.Writer,
) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if requeuer == nil {
		return fmt.Errorf("outbox requeuer is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("outbox requeue limit must be > 0")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	requeued, err := requeuer.RequeueProjectionApplyOutboxDeadRows(ctx, limit, now)
	if err != nil {
		return fmt.Errorf("requeue dead outbox rows: %w", err)
	}
	if jsonOutput {
		payload, err := json.Marshal(outboxRequeueDeadResult{
			Mode:     string(modeOutboxRequeueDead),
			Limit:    limit,
			Requeued: requeued,
		})
		if err != nil {
			return fmt.Errorf("encode outbox dead requeue report: %w", err)
		}
		fmt.Fprintln(out, string(payload))
		return nil
	}
	fmt.Fprintf(out, "Requeued dead outbox rows: %d (limit=%d)\n", requeued, limit)
	return nil
}
