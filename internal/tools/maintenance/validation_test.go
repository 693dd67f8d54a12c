package maintenance

import (
	"strings"
	"testing"
)

func TestResolveMode(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    mode
		wantErr string
	}{
		{name: "nothing selected", cfg: Config{}, wantErr: "is required"},
		{name: "verify", cfg: Config{Verify: true, ScopeID: "acct-1"}, want: modeVerify},
		{name: "two tasks", cfg: Config{Verify: true, Rebuild: true}, wantErr: "-verify cannot be combined with -rebuild"},
		{name: "catalog", cfg: Config{CatalogPath: "catalog.yaml"}, want: modeCatalog},
		{name: "catalog with scope", cfg: Config{CatalogPath: "catalog.yaml", ScopeID: "acct-1"}, wantErr: "cannot be combined with -scope-id"},
		{name: "repair gaps with all scopes", cfg: Config{RepairGaps: true, AllScopes: true}, wantErr: "cannot be combined"},
		{name: "negative keep", cfg: Config{SnapshotPrune: true, SnapshotKeep: -1}, wantErr: "-snapshot-keep"},
		{name: "outbox report limit", cfg: Config{OutboxReport: true}, wantErr: "-outbox-limit"},
		{name: "outbox report", cfg: Config{OutboxReport: true, OutboxLimit: 10}, want: modeOutboxReport},
		{name: "requeue needs scope", cfg: Config{OutboxRequeue: true, OutboxRequeueSeq: 3}, wantErr: "-outbox-requeue-scope-id"},
		{name: "requeue needs seq", cfg: Config{OutboxRequeue: true, OutboxRequeueScopeID: "acct-1"}, wantErr: "-outbox-requeue-seq"},
		{name: "requeue dead needs limit", cfg: Config{OutboxRequeueDead: true}, wantErr: "-outbox-requeue-dead-limit"},
		{name: "requeue dead with row", cfg: Config{OutboxRequeueDead: true, OutboxRequeueDeadLimit: 5, OutboxRequeueSeq: 2}, wantErr: "cannot be combined"},
		{name: "requeue dead", cfg: Config{OutboxRequeueDead: true, OutboxRequeueDeadLimit: 5}, want: modeOutboxRequeueDead},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveMode(tc.cfg)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("mode = %s, want %s", got, tc.want)
			}
		})
	}
}
