package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

func TestSaveAndGetProjectionWatermark(t *testing.T) {
	store := openTestProjectionsStore(t)
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveProjectionWatermark(ctx, storage.ProjectionWatermark{
		ScopeID:         "acct-1",
		AppliedSeq:      42,
		ExpectedNextSeq: 43,
		UpdatedAt:       now,
	}); err != nil {
		t.Fatalf("save watermark: %v", err)
	}

	got, err := store.GetProjectionWatermark(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get watermark: %v", err)
	}
	if got.ScopeID != "acct-1" || got.AppliedSeq != 42 || got.ExpectedNextSeq != 43 {
		t.Fatalf("unexpected watermark %+v", got)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, now)
	}
}

func TestGetProjectionWatermark_NotFound(t *testing.T) {
	store := openTestProjectionsStore(t)
	_, err := store.GetProjectionWatermark(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveProjectionWatermark_Upsert(t *testing.T) {
	store := openTestProjectionsStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	for _, wm := range []storage.ProjectionWatermark{
		{ScopeID: "acct-1", AppliedSeq: 10, UpdatedAt: now},
		{ScopeID: "acct-1", AppliedSeq: 20, UpdatedAt: later},
	} {
		if err := store.SaveProjectionWatermark(ctx, wm); err != nil {
			t.Fatalf("save watermark: %v", err)
		}
	}

	got, err := store.GetProjectionWatermark(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get watermark: %v", err)
	}
	if got.AppliedSeq != 20 || !got.UpdatedAt.Equal(later) {
		t.Fatalf("unexpected watermark %+v", got)
	}
}

func TestListProjectionWatermarks(t *testing.T) {
	store := openTestProjectionsStore(t)
	ctx := context.Background()

	wms, err := store.ListProjectionWatermarks(ctx)
	if err != nil {
		t.Fatalf("list watermarks: %v", err)
	}
	if len(wms) != 0 {
		t.Fatalf("expected empty list, got %d", len(wms))
	}

	for _, scope := range []string{"acct-2", "acct-1"} {
		if err := store.SaveProjectionWatermark(ctx, storage.ProjectionWatermark{ScopeID: scope, AppliedSeq: 10}); err != nil {
			t.Fatalf("save watermark %s: %v", scope, err)
		}
	}
	wms, err = store.ListProjectionWatermarks(ctx)
	if err != nil {
		t.Fatalf("list watermarks: %v", err)
	}
	if len(wms) != 2 || wms[0].ScopeID != "acct-1" {
		t.Fatalf("unexpected watermarks %+v", wms)
	}
	if err := store.SaveProjectionWatermark(ctx, storage.ProjectionWatermark{}); err == nil {
		t.Fatal("expected scope id error")
	}
}
