package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/compliance"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/journal"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
)

const baseCatalog = `
scope:
  id: acct-1
  name: Production
  frameworks: [soc2]
controls:
  - id: enc
    title: Buckets are encrypted
    framework: soc2
    requirement: CC6.1
    severity: high
    resource_kinds: [bucket]
    policy_file: policies/enc.lua
  - id: mfa
    title: Users have MFA
`

const encPolicy = `function evaluate(r) return r.attributes.encrypted == true end`

func writeCatalog(t *testing.T, dir, catalog string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "policies"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "policies", "enc.lua"), []byte(encPolicy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func newImporter(t *testing.T) (*Importer, *compliance.Service, *snapshot.Service) {
	t.Helper()
	registry, err := facts.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	j := journal.NewMemory(registry)
	states := snapshot.NewService(j, nil)
	svc, err := compliance.NewService(compliance.Deps{Journal: j, States: states})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return NewImporter(svc, states, compliance.Actor{Type: event.ActorTypeSystem, ID: "catalog"}, nil), svc, states
}

func TestLoad_ResolvesPolicyFiles(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), baseCatalog)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Document{
		Scope: Scope{ID: "acct-1", Name: "Production", Frameworks: []string{"soc2"}},
		Controls: []Control{
			{
				ID: "enc", Title: "Buckets are encrypted", Framework: "soc2", Requirement: "CC6.1",
				Severity: "high", ResourceKinds: []string{"bucket"}, Policy: encPolicy, PolicyFile: "policies/enc.lua",
			},
			{ID: "mfa", Title: "Users have MFA"},
		},
	}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Fatalf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
		want    string
	}{
		{"empty", "", "empty"},
		{"unknown field", "scope: {id: a}\ncolor: blue\n", "color"},
		{"missing scope id", "scope: {name: x}\n", "scope.id"},
		{"missing control id", "scope: {id: a}\ncontrols:\n  - title: t\n", "controls[0].id"},
		{"duplicate control", "scope: {id: a}\ncontrols:\n  - {id: c}\n  - {id: c}\n", "twice"},
		{"bad severity", "scope: {id: a}\ncontrols:\n  - {id: c, severity: extreme}\n", "severity"},
		{"policy and file", "scope: {id: a}\ncontrols:\n  - {id: c, policy: x, policy_file: y}\n", "both"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.catalog), t.TempDir())
			if !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if _, err := Parse([]byte("scope: {id: a}\ncontrols:\n  - {id: c, policy_file: missing.lua}\n"), t.TempDir()); err == nil {
		t.Fatal("expected missing policy file error")
	}
}

func TestImport_SkipsUnchangedControls(t *testing.T) {
	ctx := context.Background()
	importer, svc, states := newImporter(t)
	dir := t.TempDir()
	path := writeCatalog(t, dir, baseCatalog)

	report, err := importer.ImportFile(ctx, path)
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	want := Report{ScopeID: "acct-1", ScopeCreated: true, Registered: []string{"enc", "mfa"}}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Fatalf("first report (-want +got):\n%s", diff)
	}

	report, err = importer.ImportFile(ctx, path)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	want = Report{ScopeID: "acct-1", Unchanged: []string{"enc", "mfa"}}
	if diff := cmp.Diff(want, report, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("second report (-want +got):\n%s", diff)
	}

	actor := compliance.Actor{Type: event.ActorTypeUser, ID: "auditor"}
	if _, err := svc.RetireControl(ctx, actor, "acct-1", facts.ControlRetiredPayload{ControlID: "mfa"}); err != nil {
		t.Fatalf("retire: %v", err)
	}
	writeCatalog(t, dir, strings.Replace(baseCatalog, "Buckets are encrypted", "Buckets use KMS", 1))
	report, err = importer.ImportFile(ctx, path)
	if err != nil {
		t.Fatalf("third import: %v", err)
	}
	want = Report{ScopeID: "acct-1", Registered: []string{"enc", "mfa"}}
	if diff := cmp.Diff(want, report, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("third report (-want +got):\n%s", diff)
	}

	result, err := states.StateAt(ctx, "acct-1", snapshot.Point{})
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got := result.State.Controls["enc"]; got.Title != "Buckets use KMS" || got.Policy != encPolicy || got.Severity != "high" {
		t.Fatalf("unexpected enc control %+v", got)
	}
	if result.State.Controls["mfa"].Retired {
		t.Fatal("expected mfa to be reactivated")
	}
}

func TestWatch_ReimportsOnChange(t *testing.T) {
	importer, _, states := newImporter(t)
	dir := t.TempDir()
	path := writeCatalog(t, dir, baseCatalog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reports := make(chan Report, 8)
	done := make(chan error, 1)
	go func() {
		done <- importer.Watch(ctx, path, WithDebounce(20*time.Millisecond), WithImportHook(func(r Report, err error) {
			if err == nil {
				reports <- r
			}
		}))
	}()

	waitReport := func() Report {
		t.Helper()
		select {
		case r := <-reports:
			return r
		case err := <-done:
			t.Fatalf("watch returned early: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for import")
		}
		return Report{}
	}

	if initial := waitReport(); !initial.ScopeCreated {
		t.Fatalf("expected initial import to create the scope, got %+v", initial)
	}

	updated := "function evaluate(r) return r.attributes.kms == true end"
	if err := os.WriteFile(filepath.Join(dir, "policies", "enc.lua"), []byte(updated), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	report := waitReport()
	if diff := cmp.Diff([]string{"enc"}, report.Registered); diff != "" {
		t.Fatalf("registered (-want +got):\n%s", diff)
	}
	result, err := states.StateAt(context.Background(), "acct-1", snapshot.Point{})
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if result.State.Controls["enc"].Policy != updated {
		t.Fatal("policy change was not imported")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_InvalidCatalogFailsFast(t *testing.T) {
	importer, _, _ := newImporter(t)
	path := writeCatalog(t, t.TempDir(), "scope: {}\n")
	if err := importer.Watch(context.Background(), path); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid catalog, got %v", err)
	}
}
