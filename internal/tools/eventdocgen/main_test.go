package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestFindModuleRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "go.mod", "module example.com/test")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}

	got, err := findModuleRoot(nested)
	if err != nil {
		t.Fatalf("findModuleRoot returned error: %v", err)
	}
	if got != root {
		t.Fatalf("expected root %s, got %s", root, got)
	}
	if _, err := findModuleRoot(t.TempDir()); err == nil {
		t.Fatal("expected error when go.mod is missing")
	}
}

func sampleTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "go.mod", "module example.com/test")
	writeFile(t, root, factsDir+"/types.go", strings.Join([]string{
		"package facts",
		"",
		"import \"example.com/test/event\"",
		"",
		"const (",
		"\tEventTypeFooAdded event.Type = \"foo.added\"",
		"\tEventTypeBarDropped event.Type = \"bar.dropped\"",
		"\tEntityFoo = \"foo\"",
		")",
		"",
		"type FooAddedPayload struct {",
		"\tFooID string `json:\"foo_id\"`",
		"\tTags []string `json:\"tags,omitempty\"`",
		"}",
		"",
		"type OrphanPayload struct {",
		"\tValue string",
		"}",
	}, "\n"))
	writeFile(t, root, complianceDir+"/commands.go", strings.Join([]string{
		"package compliance",
		"",
		"func (s *Service) AddFoo() {",
		"\ts.emit(ctx, facts.EventTypeFooAdded, p)",
		"}",
	}, "\n"))
	writeFile(t, root, projectionDir+"/applier.go", strings.Join([]string{
		"package projection",
		"",
		"func newRouter() {",
		"\tHandleProjection(r, facts.EventTypeFooAdded, Applier.applyFooAdded)",
		"}",
	}, "\n"))
	return root
}

func TestParseFacts(t *testing.T) {
	root := sampleTree(t)
	defs, err := parseFacts(filepath.Join(root, factsDir), root)
	if err != nil {
		t.Fatalf("parseFacts: %v", err)
	}
	if len(defs.Events) != 2 {
		t.Fatalf("expected 2 events, got %+v", defs.Events)
	}
	if defs.Events[0].Value != "foo.added" || defs.Events[0].DefinedAt != factsDir+"/types.go:6" {
		t.Fatalf("unexpected first event %+v", defs.Events[0])
	}
	payload, ok := defs.Payloads["FooAddedPayload"]
	if !ok || len(payload.Fields) != 2 {
		t.Fatalf("unexpected payloads %+v", defs.Payloads)
	}
	if payload.Fields[1].Type != "[]string" || payload.Fields[1].JSONTag != `json:"tags,omitempty"` {
		t.Fatalf("unexpected field %+v", payload.Fields[1])
	}
}

func TestGenerate(t *testing.T) {
	root := sampleTree(t)
	content, err := generate(root)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for _, want := range []string{
		"## `bar.dropped` (`EventTypeBarDropped`)\n- Defined at: `" + factsDir + "/types.go:7`\n- Payload: not found\n",
		"## `foo.added` (`EventTypeFooAdded`)",
		"  - `FooID (json:\"foo_id\")`: `string`\n",
		"- Emitters:\n  - `" + complianceDir + "/commands.go:4`\n",
		"- Projected by:\n  - `" + projectionDir + "/applier.go:4`\n",
		"## Unmapped Payloads\n- `OrphanPayload`",
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("catalog missing %q:\n%s", want, content)
		}
	}
	if strings.Index(content, "bar.dropped") > strings.Index(content, "foo.added") {
		t.Fatal("expected events sorted by value")
	}
}

func TestGenerate_LedgerFactsAreFullyDocumented(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root, err := findModuleRoot(wd)
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}
	content, err := generate(root)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.Contains(content, "Payload: not found") || strings.Contains(content, "Unmapped Payloads") {
		t.Fatalf("every ledger event should map to a payload:\n%s", content)
	}
	for _, value := range []string{"scope.created", "control.evaluated", "exception.revoked"} {
		if !strings.Contains(content, "## `"+value+"`") {
			t.Fatalf("catalog missing %s", value)
		}
	}
}
