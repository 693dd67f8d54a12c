// Package policy evaluates control policies written in Lua.
//
// A policy defines a global function evaluate(resource) that receives a table
// with id, kind and attributes and returns a result string ("pass", "fail",
// "error", "not_applicable") or a boolean, optionally followed by a reason.
// Scripts run in a sandbox with the base, string, table and math libraries.
package policy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Shopify/go-lua"
	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
)

const (
	entrypoint = "evaluate"

	// DefaultInstructionBudget bounds the VM instructions of one evaluation.
	DefaultInstructionBudget = 1_000_000

	hookInterval = 1000
)

// unsafeGlobals are base library functions that reach the filesystem or load
// arbitrary chunks.
var unsafeGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"}

// Resource is the input of a policy.
type Resource struct {
	ID         string
	Kind       string
	Attributes map[string]any
}

// Outcome is the result of one policy evaluation.
type Outcome struct {
	Result facts.Result
	Reason string
}

// Policy is a validated Lua policy.
type Policy struct {
	name   string
	source string
	budget int
}

// Compile checks that source loads and defines evaluate.
func Compile(name, source string) (*Policy, error) {
	if strings.TrimSpace(source) == "" {
		return nil, apperrors.New(apperrors.CodePolicyInvalid, fmt.Sprintf("policy %s is empty", name))
	}
	p := &Policy{name: name, source: source, budget: DefaultInstructionBudget}
	if _, err := p.load(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

// WithBudget returns a copy of p limited to n VM instructions per evaluation.
func (p *Policy) WithBudget(n int) *Policy {
	out := *p
	out.budget = n
	return &out
}

// Name returns the chunk name used in error messages.
func (p *Policy) Name() string {
	return p.name
}

// Evaluate runs the policy against resource. Script failures and invalid
// return values become an error outcome; only a canceled context is returned
// as an error.
func (p *Policy) Evaluate(ctx context.Context, resource Resource) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	state, err := p.load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		return Outcome{Result: facts.ResultError, Reason: err.Error()}, nil
	}

	state.Global(entrypoint)
	pushResource(state, resource)
	if err := state.ProtectedCall(1, 2, 0); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		return Outcome{Result: facts.ResultError, Reason: fmt.Sprintf("policy %s: %v", p.name, err)}, nil
	}
	return readOutcome(state, p.name), nil
}

// load creates a sandboxed state and runs the policy chunk in it.
func (p *Policy) load(ctx context.Context) (*lua.State, error) {
	state := lua.NewState()
	for _, lib := range []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
	} {
		lua.Require(state, lib.name, lib.open, true)
		state.Pop(1)
	}
	for _, name := range unsafeGlobals {
		state.PushNil()
		state.SetGlobal(name)
	}

	executed := 0
	lua.SetDebugHook(state, func(state *lua.State, _ lua.Debug) {
		executed += hookInterval
		if err := ctx.Err(); err != nil {
			lua.Errorf(state, "policy canceled: %s", err.Error())
		}
		if p.budget > 0 && executed > p.budget {
			lua.Errorf(state, "policy exceeded %d instructions", p.budget)
		}
	}, lua.MaskCount, hookInterval)

	if err := lua.LoadBuffer(state, p.source, p.name, "t"); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePolicyInvalid, fmt.Sprintf("compile policy %s", p.name), err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePolicyInvalid, fmt.Sprintf("run policy %s", p.name), err)
	}
	state.Global(entrypoint)
	defined := state.IsFunction(-1)
	state.Pop(1)
	if !defined {
		return nil, apperrors.New(apperrors.CodePolicyInvalid, fmt.Sprintf("policy %s must define function %s(resource)", p.name, entrypoint))
	}
	return state, nil
}

func readOutcome(state *lua.State, name string) Outcome {
	reason := ""
	if state.TypeOf(-1) == lua.TypeString {
		reason, _ = state.ToString(-1)
	}

	switch state.TypeOf(-2) {
	case lua.TypeBoolean:
		if state.ToBoolean(-2) {
			return Outcome{Result: facts.ResultPass, Reason: reason}
		}
		return Outcome{Result: facts.ResultFail, Reason: reason}
	case lua.TypeString:
		value, _ := state.ToString(-2)
		result := facts.Result(strings.ToLower(strings.TrimSpace(value)))
		if result.Valid() {
			return Outcome{Result: result, Reason: reason}
		}
		return Outcome{Result: facts.ResultError, Reason: fmt.Sprintf("policy %s returned unknown result %q", name, value)}
	default:
		return Outcome{Result: facts.ResultError, Reason: fmt.Sprintf("policy %s returned %s, want a result string or boolean", name, lua.TypeNameOf(state, -2))}
	}
}

func pushResource(state *lua.State, resource Resource) {
	state.NewTable()
	state.PushString(resource.ID)
	state.SetField(-2, "id")
	state.PushString(resource.Kind)
	state.SetField(-2, "kind")
	pushValue(state, resource.Attributes)
	state.SetField(-2, "attributes")
}

// pushValue pushes a JSON-shaped Go value. Maps become tables with sorted
// keys so evaluation order is deterministic.
func pushValue(state *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		state.PushNil()
	case string:
		state.PushString(v)
	case bool:
		state.PushBoolean(v)
	case int:
		state.PushInteger(v)
	case int64:
		state.PushNumber(float64(v))
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			state.PushInteger(int(v))
		} else {
			state.PushNumber(v)
		}
	case []any:
		state.CreateTable(len(v), 0)
		for i, item := range v {
			pushValue(state, item)
			state.RawSetInt(-2, i+1)
		}
	case []string:
		state.CreateTable(len(v), 0)
		for i, item := range v {
			state.PushString(item)
			state.RawSetInt(-2, i+1)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		state.CreateTable(0, len(v))
		for _, key := range keys {
			pushValue(state, v[key])
			state.SetField(-2, key)
		}
	default:
		state.PushString(fmt.Sprint(v))
	}
}
