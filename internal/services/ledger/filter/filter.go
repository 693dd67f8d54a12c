// Package filter parses AIP-160 filter expressions over journal events and
// compiles them both to a SQL condition for the events table and to an
// in-memory predicate.
package filter

import (
	"fmt"
	"strings"
	"time"

	"go.einride.tech/aip/filtering"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

// Declarations returns the identifiers an event filter may reference.
func Declarations() (*filtering.Declarations, error) {
	return filtering.NewDeclarations(
		filtering.DeclareStandardFunctions(),
		filtering.DeclareIdent("type", filtering.TypeString),
		filtering.DeclareIdent("actor_type", filtering.TypeString),
		filtering.DeclareIdent("actor_id", filtering.TypeString),
		filtering.DeclareIdent("entity_type", filtering.TypeString),
		filtering.DeclareIdent("entity_id", filtering.TypeString),
		filtering.DeclareIdent("request_id", filtering.TypeString),
		filtering.DeclareIdent("correlation_id", filtering.TypeString),
		filtering.DeclareIdent("seq", filtering.TypeInt),
		filtering.DeclareIdent("ts", filtering.TypeTimestamp),
	)
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindTime
)

type field struct {
	column string
	kind   fieldKind
	str    func(event.Event) string
}

var fields = map[string]field{
	"type":           {column: "event_type", str: func(e event.Event) string { return string(e.Type) }},
	"actor_type":     {column: "actor_type", str: func(e event.Event) string { return string(e.ActorType) }},
	"actor_id":       {column: "actor_id", str: func(e event.Event) string { return e.ActorID }},
	"entity_type":    {column: "entity_type", str: func(e event.Event) string { return e.EntityType }},
	"entity_id":      {column: "entity_id", str: func(e event.Event) string { return e.EntityID }},
	"request_id":     {column: "request_id", str: func(e event.Event) string { return e.RequestID }},
	"correlation_id": {column: "correlation_id", str: func(e event.Event) string { return e.CorrelationID }},
	"seq":            {column: "seq", kind: kindInt},
	"ts":             {column: "timestamp", kind: kindTime},
}

// Filter is a compiled event filter. The zero Filter matches every event.
type Filter struct {
	// Expr is the source expression.
	Expr string
	// Clause is a WHERE fragment over the events table with ? placeholders.
	Clause string
	// Params are the positional parameters for Clause.
	Params []any

	match func(event.Event) bool
}

// condition is one translated subexpression.
type condition struct {
	clause string
	params []any
	match  func(event.Event) bool
}

// Parse compiles an AIP-160 expression. An empty expression yields the zero
// Filter.
func Parse(filterStr string) (Filter, error) {
	if strings.TrimSpace(filterStr) == "" {
		return Filter{}, nil
	}
	decls, err := Declarations()
	if err != nil {
		return Filter{}, fmt.Errorf("create declarations: %w", err)
	}
	parsed, err := filtering.ParseFilterString(filterStr, decls)
	if err != nil {
		return Filter{}, invalid(filterStr, err)
	}
	if parsed.CheckedExpr == nil || parsed.CheckedExpr.GetExpr() == nil {
		return Filter{}, nil
	}
	cond, err := translate(parsed.CheckedExpr.GetExpr())
	if err != nil {
		return Filter{}, invalid(filterStr, err)
	}
	return Filter{Expr: filterStr, Clause: cond.clause, Params: cond.params, match: cond.match}, nil
}

// Empty reports whether the filter matches every event.
func (f Filter) Empty() bool {
	return f.Clause == ""
}

// Match evaluates the filter against evt.
func (f Filter) Match(evt event.Event) bool {
	if f.match == nil {
		return true
	}
	return f.match(evt)
}

// Predicate returns Match as a func, or nil for an empty filter.
func (f Filter) Predicate() func(event.Event) bool {
	if f.match == nil {
		return nil
	}
	return f.match
}

// Apply sets the filter on a page request.
func (f Filter) Apply(req *storage.ListEventsPageRequest) {
	req.FilterClause = f.Clause
	req.FilterParams = append([]any(nil), f.Params...)
}

func invalid(filterStr string, err error) error {
	return apperrors.WithMetadata(apperrors.CodeFilterInvalid,
		fmt.Sprintf("invalid filter %q: %v", filterStr, err),
		map[string]string{"filter": filterStr})
}

func translate(e *expr.Expr) (condition, error) {
	if e == nil {
		return condition{}, fmt.Errorf("empty expression")
	}
	call, ok := e.ExprKind.(*expr.Expr_CallExpr)
	if !ok {
		return condition{}, fmt.Errorf("unsupported expression %T", e.ExprKind)
	}
	switch fn := call.CallExpr.Function; fn {
	case filtering.FunctionAnd, filtering.FunctionFuzzyAnd:
		return combine(call.CallExpr.Args, "AND", func(l, r bool) bool { return l && r })
	case filtering.FunctionOr:
		return combine(call.CallExpr.Args, "OR", func(l, r bool) bool { return l || r })
	case filtering.FunctionNot:
		if len(call.CallExpr.Args) != 1 {
			return condition{}, fmt.Errorf("NOT requires 1 argument")
		}
		inner, err := translate(call.CallExpr.Args[0])
		if err != nil {
			return condition{}, err
		}
		return condition{
			clause: "NOT (" + inner.clause + ")",
			params: inner.params,
			match:  func(evt event.Event) bool { return !inner.match(evt) },
		}, nil
	case filtering.FunctionEquals, filtering.FunctionNotEquals,
		filtering.FunctionLessThan, filtering.FunctionLessEquals,
		filtering.FunctionGreaterThan, filtering.FunctionGreaterEquals:
		return comparison(call.CallExpr.Args, fn)
	default:
		return condition{}, fmt.Errorf("unsupported function %s", fn)
	}
}

// combine folds binary and n-ary AND/OR calls.
func combine(args []*expr.Expr, op string, join func(l, r bool) bool) (condition, error) {
	if len(args) < 2 {
		return condition{}, fmt.Errorf("%s requires at least 2 arguments", op)
	}
	parts := make([]condition, 0, len(args))
	clauses := make([]string, 0, len(args))
	var params []any
	for _, arg := range args {
		part, err := translate(arg)
		if err != nil {
			return condition{}, err
		}
		parts = append(parts, part)
		clauses = append(clauses, part.clause)
		params = append(params, part.params...)
	}
	return condition{
		clause: "(" + strings.Join(clauses, " "+op+" ") + ")",
		params: params,
		match: func(evt event.Event) bool {
			result := parts[0].match(evt)
			for _, part := range parts[1:] {
				result = join(result, part.match(evt))
			}
			return result
		},
	}, nil
}

func comparison(args []*expr.Expr, op string) (condition, error) {
	if len(args) != 2 {
		return condition{}, fmt.Errorf("comparison requires 2 arguments")
	}
	ident, ok := args[0].ExprKind.(*expr.Expr_IdentExpr)
	if !ok {
		return condition{}, fmt.Errorf("left side of %s must be a field", op)
	}
	name := ident.IdentExpr.Name
	f, ok := fields[name]
	if !ok {
		return condition{}, fmt.Errorf("unknown field %s", name)
	}
	clause := fmt.Sprintf("%s %s ?", f.column, op)

	switch f.kind {
	case kindInt:
		want, err := intValue(args[1])
		if err != nil {
			return condition{}, fmt.Errorf("%s: %w", name, err)
		}
		return condition{clause: clause, params: []any{want}, match: func(evt event.Event) bool {
			return compare(op, cmpInt(int64(evt.Seq), want))
		}}, nil
	case kindTime:
		want, err := timeValue(args[1])
		if err != nil {
			return condition{}, fmt.Errorf("%s: %w", name, err)
		}
		millis := want.UnixMilli()
		return condition{clause: clause, params: []any{millis}, match: func(evt event.Event) bool {
			return compare(op, cmpInt(evt.Timestamp.UnixMilli(), millis))
		}}, nil
	default:
		want, err := stringValue(args[1])
		if err != nil {
			return condition{}, fmt.Errorf("%s: %w", name, err)
		}
		get := f.str
		return condition{clause: clause, params: []any{want}, match: func(evt event.Event) bool {
			return compare(op, strings.Compare(get(evt), want))
		}}, nil
	}
}

func compare(op string, c int) bool {
	switch op {
	case filtering.FunctionEquals:
		return c == 0
	case filtering.FunctionNotEquals:
		return c != 0
	case filtering.FunctionLessThan:
		return c < 0
	case filtering.FunctionLessEquals:
		return c <= 0
	case filtering.FunctionGreaterThan:
		return c > 0
	case filtering.FunctionGreaterEquals:
		return c >= 0
	}
	return false
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func constant(e *expr.Expr) (*expr.Constant, error) {
	c, ok := e.ExprKind.(*expr.Expr_ConstExpr)
	if !ok {
		return nil, fmt.Errorf("expected a literal, got %T", e.ExprKind)
	}
	return c.ConstExpr, nil
}

func stringValue(e *expr.Expr) (string, error) {
	c, err := constant(e)
	if err != nil {
		return "", err
	}
	s, ok := c.ConstantKind.(*expr.Constant_StringValue)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", c.ConstantKind)
	}
	return event.NormalizeID(s.StringValue), nil
}

func intValue(e *expr.Expr) (int64, error) {
	c, err := constant(e)
	if err != nil {
		return 0, err
	}
	switch v := c.ConstantKind.(type) {
	case *expr.Constant_Int64Value:
		return v.Int64Value, nil
	case *expr.Constant_Uint64Value:
		return int64(v.Uint64Value), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", c.ConstantKind)
	}
}

// timeValue accepts timestamp("RFC3339") or a bare RFC3339 string.
func timeValue(e *expr.Expr) (time.Time, error) {
	arg := e
	if call, ok := e.ExprKind.(*expr.Expr_CallExpr); ok {
		if call.CallExpr.Function != filtering.FunctionTimestamp || len(call.CallExpr.Args) != 1 {
			return time.Time{}, fmt.Errorf("unsupported function %s in value position", call.CallExpr.Function)
		}
		arg = call.CallExpr.Args[0]
	}
	c, err := constant(arg)
	if err != nil {
		return time.Time{}, err
	}
	s, ok := c.ConstantKind.(*expr.Constant_StringValue)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp must be a string")
	}
	t, err := time.Parse(time.RFC3339Nano, s.StringValue)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s.StringValue)
	}
	return t.UTC(), nil
}
