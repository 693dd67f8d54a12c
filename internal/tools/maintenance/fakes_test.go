package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/sqlite"
)

type fakeOutbox struct {
	summary      sqlite.ProjectionApplyOutboxSummary
	rows         []sqlite.ProjectionApplyOutboxEntry
	listedStatus string
	requeued     map[string]bool
	deadRows     int
	requeueAt    time.Time
}

func (f *fakeOutbox) GetProjectionApplyOutboxSummary(context.Context) (sqlite.ProjectionApplyOutboxSummary, error) {
	return f.summary, nil
}

func (f *fakeOutbox) ListProjectionApplyOutboxRows(_ context.Context, status string, limit int) ([]sqlite.ProjectionApplyOutboxEntry, error) {
	f.listedStatus = status
	if len(f.rows) > limit {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func (f *fakeOutbox) RequeueProjectionApplyOutboxRow(_ context.Context, scopeID string, seq uint64, now time.Time) (bool, error) {
	f.requeueAt = now
	return f.requeued[fmt.Sprintf("%s/%d", scopeID, seq)], nil
}

func (f *fakeOutbox) RequeueProjectionApplyOutboxDeadRows(_ context.Context, limit int, now time.Time) (int, error) {
	f.requeueAt = now
	return min(limit, f.deadRows), nil
}
