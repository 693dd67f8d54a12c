package maintenance

import (
	"context"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/sqlite"
)

// outboxInspector reads projection apply outbox depth and rows.
type outboxInspector interface {
	GetProjectionApplyOutboxSummary(context.Context) (sqlite.ProjectionApplyOutboxSummary, error)
	ListProjectionApplyOutboxRows(context.Context, string, int) ([]sqlite.ProjectionApplyOutboxEntry, error)
}

// outboxRequeuer moves dead outbox rows back to pending.
type outboxRequeuer interface {
	RequeueProjectionApplyOutboxRow(context.Context, string, uint64, time.Time) (bool, error)
	RequeueProjectionApplyOutboxDeadRows(context.Context, int, time.Time) (int, error)
}
