package policy

import (
	"context"
	"strings"
	"testing"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
)

const encryptionPolicy = `
function evaluate(resource)
  if resource.kind ~= "bucket" then
    return "not_applicable"
  end
  local attrs = resource.attributes or {}
  if attrs.encrypted then
    return "pass"
  end
  return "fail", "bucket " .. resource.id .. " is not encrypted"
end
`

func mustCompile(t *testing.T, source string) *Policy {
	t.Helper()
	p, err := Compile("test", source)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p
}

func TestEvaluate_Results(t *testing.T) {
	p := mustCompile(t, encryptionPolicy)

	tests := []struct {
		name     string
		resource Resource
		want     Outcome
	}{
		{
			name:     "encrypted bucket passes",
			resource: Resource{ID: "b1", Kind: "bucket", Attributes: map[string]any{"encrypted": true}},
			want:     Outcome{Result: facts.ResultPass},
		},
		{
			name:     "plain bucket fails with reason",
			resource: Resource{ID: "b2", Kind: "bucket", Attributes: map[string]any{"encrypted": false}},
			want:     Outcome{Result: facts.ResultFail, Reason: "bucket b2 is not encrypted"},
		},
		{
			name:     "missing attributes fail",
			resource: Resource{ID: "b3", Kind: "bucket"},
			want:     Outcome{Result: facts.ResultFail, Reason: "bucket b3 is not encrypted"},
		},
		{
			name:     "other kinds are not applicable",
			resource: Resource{ID: "vm-1", Kind: "vm"},
			want:     Outcome{Result: facts.ResultNotApplicable},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Evaluate(context.Background(), tt.resource)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("outcome = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEvaluate_BooleanAndNestedAttributes(t *testing.T) {
	p := mustCompile(t, `
function evaluate(r)
  local count = 0
  for _, port in ipairs(r.attributes.open_ports) do
    if port == 22 then count = count + 1 end
  end
  return count == 0 and r.attributes.tags.env == "prod", "ssh ports: " .. count
end
`)
	got, err := p.Evaluate(context.Background(), Resource{
		ID:   "sg-1",
		Kind: "security_group",
		Attributes: map[string]any{
			"open_ports": []any{float64(443), float64(22)},
			"tags":       map[string]any{"env": "prod"},
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got.Result != facts.ResultFail || got.Reason != "ssh ports: 1" {
		t.Fatalf("outcome = %+v", got)
	}
}

func TestEvaluate_InvalidResultsBecomeErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		reason string
	}{
		{name: "unknown string", source: `function evaluate(r) return "maybe" end`, reason: `unknown result "maybe"`},
		{name: "number", source: `function evaluate(r) return 42 end`, reason: "want a result string or boolean"},
		{name: "nothing", source: `function evaluate(r) end`, reason: "want a result string or boolean"},
		{name: "runtime error", source: `function evaluate(r) return r.attributes.missing.field end`, reason: "policy test"},
		{name: "explicit error", source: `function evaluate(r) error("collector offline") end`, reason: "collector offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mustCompile(t, tt.source).Evaluate(context.Background(), Resource{ID: "r1", Kind: "vm"})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got.Result != facts.ResultError || !strings.Contains(got.Reason, tt.reason) {
				t.Fatalf("outcome = %+v, want error containing %q", got, tt.reason)
			}
		})
	}
}

func TestCompile_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{name: "empty", source: "  "},
		{name: "syntax error", source: "function evaluate(r) return"},
		{name: "no entrypoint", source: "function check(r) return true end"},
		{name: "entrypoint is not a function", source: "evaluate = 1"},
		{name: "top level error", source: "error('boom')"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile("test", tt.source)
			if !apperrors.HasCode(err, apperrors.CodePolicyInvalid) {
				t.Fatalf("expected policy invalid, got %v", err)
			}
		})
	}
}

func TestSandbox_HidesUnsafeGlobals(t *testing.T) {
	p := mustCompile(t, `
function evaluate(r)
  if io ~= nil or os ~= nil or dofile ~= nil or loadfile ~= nil or load ~= nil then
    return "fail", "unsafe global reachable"
  end
  return string.upper("ok") == "OK" and math.max(1, 2) == 2 and table.concat({"a", "b"}) == "ab"
end
`)
	got, err := p.Evaluate(context.Background(), Resource{ID: "r1", Kind: "vm"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got.Result != facts.ResultPass {
		t.Fatalf("outcome = %+v", got)
	}
}

func TestEvaluate_InstructionBudget(t *testing.T) {
	p := mustCompile(t, `function evaluate(r) while true do end end`).WithBudget(50_000)
	got, err := p.Evaluate(context.Background(), Resource{ID: "r1", Kind: "vm"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got.Result != facts.ResultError || !strings.Contains(got.Reason, "exceeded") {
		t.Fatalf("outcome = %+v", got)
	}
}

func TestEvaluate_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mustCompile(t, encryptionPolicy).Evaluate(ctx, Resource{}); err == nil {
		t.Fatal("expected canceled context error")
	}
}
