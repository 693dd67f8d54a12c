package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
	"github.com/louisbranch/evidence.space/internal/services/ledger/query"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
)

// ScopeInput names a scope.
type ScopeInput struct {
	ScopeID string `json:"scope_id" jsonschema:"compliance scope identifier"`
}

// PostureAtInput selects a historical position of a scope.
type PostureAtInput struct {
	ScopeID string `json:"scope_id" jsonschema:"compliance scope identifier"`
	Seq     int64  `json:"seq,omitempty" jsonschema:"journal sequence to reconstruct at (0 for no bound)"`
	AsOf    string `json:"as_of,omitempty" jsonschema:"RFC3339 time to reconstruct at"`
}

// ControlPostureResult is the classification of one control.
type ControlPostureResult struct {
	ControlID        string   `json:"control_id" jsonschema:"control identifier"`
	Title            string   `json:"title" jsonschema:"control title"`
	Framework        string   `json:"framework,omitempty" jsonschema:"framework the control belongs to"`
	Severity         string   `json:"severity" jsonschema:"control severity"`
	Status           string   `json:"status" jsonschema:"compliant, noncompliant, excepted or unknown"`
	Passing          int      `json:"passing" jsonschema:"resources passing"`
	Failing          int      `json:"failing" jsonschema:"resources failing without an exception"`
	Excepted         int      `json:"excepted" jsonschema:"failing resources covered by an exception"`
	FailingResources []string `json:"failing_resources,omitempty" jsonschema:"identifiers of failing resources"`
}

// PostureResult is a posture summary.
type PostureResult struct {
	ScopeID          string                 `json:"scope_id" jsonschema:"compliance scope identifier"`
	Name             string                 `json:"name,omitempty" jsonschema:"scope name"`
	Seq              int64                  `json:"seq" jsonschema:"journal sequence the summary reflects"`
	ChainHash        string                 `json:"chain_hash,omitempty" jsonschema:"chain hash at seq"`
	AsOf             string                 `json:"as_of" jsonschema:"RFC3339 time exceptions were evaluated at"`
	Score            float64                `json:"score" jsonschema:"share of compliant or excepted controls"`
	Totals           map[string]int         `json:"totals" jsonschema:"control count per status"`
	ActiveExceptions int                    `json:"active_exceptions" jsonschema:"exceptions active at as_of"`
	Resources        int                    `json:"resources" jsonschema:"active resources"`
	Controls         []ControlPostureResult `json:"controls" jsonschema:"per-control posture"`
}

// ListControlsInput lists the controls of a scope.
type ListControlsInput struct {
	ScopeID        string `json:"scope_id" jsonschema:"compliance scope identifier"`
	IncludeRetired bool   `json:"include_retired,omitempty" jsonschema:"include retired controls"`
}

// ControlResult describes one registered control.
type ControlResult struct {
	ID            string   `json:"id" jsonschema:"control identifier"`
	Title         string   `json:"title" jsonschema:"control title"`
	Framework     string   `json:"framework,omitempty" jsonschema:"framework the control belongs to"`
	Requirement   string   `json:"requirement,omitempty" jsonschema:"requirement text"`
	Severity      string   `json:"severity" jsonschema:"control severity"`
	ResourceKinds []string `json:"resource_kinds,omitempty" jsonschema:"resource kinds the control applies to"`
	HasPolicy     bool     `json:"has_policy" jsonschema:"whether a policy evaluates the control"`
	Retired       bool     `json:"retired" jsonschema:"whether the control is retired"`
	UpdatedAt     string   `json:"updated_at" jsonschema:"RFC3339 time of the last change"`
}

// ListControlsResult is the controls of a scope.
type ListControlsResult struct {
	Controls []ControlResult `json:"controls" jsonschema:"registered controls"`
}

// ListEventsInput pages through a scope's journal.
type ListEventsInput struct {
	ScopeID   string `json:"scope_id" jsonschema:"compliance scope identifier"`
	Filter    string `json:"filter,omitempty" jsonschema:"AIP-160 filter over type, actor_type, actor_id, entity_type, entity_id, request_id, correlation_id, seq and ts"`
	OrderBy   string `json:"order_by,omitempty" jsonschema:"seq or seq desc"`
	PageSize  int    `json:"page_size,omitempty" jsonschema:"events per page (default 50, max 200)"`
	PageToken string `json:"page_token,omitempty" jsonschema:"token from a previous page"`
}

// EventResult is one journal event.
type EventResult struct {
	Seq           int64          `json:"seq" jsonschema:"journal sequence"`
	Type          string         `json:"type" jsonschema:"event type"`
	Timestamp     string         `json:"timestamp" jsonschema:"RFC3339 record time"`
	ActorType     string         `json:"actor_type" jsonschema:"system, user or collector"`
	ActorID       string         `json:"actor_id,omitempty" jsonschema:"actor identifier"`
	EntityType    string         `json:"entity_type,omitempty" jsonschema:"entity the event is about"`
	EntityID      string         `json:"entity_id,omitempty" jsonschema:"entity identifier"`
	RequestID     string         `json:"request_id,omitempty" jsonschema:"request identifier"`
	CorrelationID string         `json:"correlation_id,omitempty" jsonschema:"correlation identifier"`
	ChainHash     string         `json:"chain_hash" jsonschema:"hash chaining the event to its predecessors"`
	Payload       map[string]any `json:"payload,omitempty" jsonschema:"event payload"`
}

// ListEventsResult is one page of events.
type ListEventsResult struct {
	Events        []EventResult `json:"events" jsonschema:"events in the page"`
	NextPageToken string        `json:"next_page_token,omitempty" jsonschema:"token for the next page"`
	PrevPageToken string        `json:"prev_page_token,omitempty" jsonschema:"token for the previous page"`
	TotalSize     int           `json:"total_size" jsonschema:"events matching the filter"`
}

// VerifyResult is a hash chain verification report.
type VerifyResult struct {
	ScopeID   string `json:"scope_id" jsonschema:"compliance scope identifier"`
	Valid     bool   `json:"valid" jsonschema:"whether every event verified"`
	Events    int    `json:"events" jsonschema:"events verified"`
	HeadSeq   int64  `json:"head_seq" jsonschema:"last verified sequence"`
	ChainHash string `json:"chain_hash,omitempty" jsonschema:"chain hash at head_seq"`
	BrokenSeq int64  `json:"broken_seq,omitempty" jsonschema:"first sequence that failed"`
	Code      string `json:"code,omitempty" jsonschema:"failure code"`
	Reason    string `json:"reason,omitempty" jsonschema:"failure reason"`
}

// PostureSummaryTool defines the posture_summary tool.
func PostureSummaryTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "posture_summary",
		Description: "Summarizes the current compliance posture of a scope, classifying every active control.",
	}
}

// PostureSummaryHandler reports the posture at the journal head.
func PostureSummaryHandler(reader PostureReader) mcp.ToolHandlerFor[ScopeInput, PostureResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ScopeInput) (*mcp.CallToolResult, PostureResult, error) {
		summary, err := reader.Posture(ctx, input.ScopeID, snapshot.Point{})
		if err != nil {
			return nil, PostureResult{}, toolError("posture summary", err)
		}
		return nil, postureResult(summary), nil
	}
}

// PostureAtTool defines the posture_at tool.
func PostureAtTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "posture_at",
		Description: "Reconstructs the compliance posture of a scope at a past journal sequence or time.",
	}
}

// PostureAtHandler reports the posture at a historical point.
func PostureAtHandler(reader PostureReader) mcp.ToolHandlerFor[PostureAtInput, PostureResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PostureAtInput) (*mcp.CallToolResult, PostureResult, error) {
		if input.Seq < 0 {
			return nil, PostureResult{}, toolError("posture at", apperrors.New(apperrors.CodePointInvalid, "seq must not be negative"))
		}
		point := snapshot.Point{Seq: uint64(input.Seq)}
		if raw := strings.TrimSpace(input.AsOf); raw != "" {
			at, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, PostureResult{}, toolError("posture at", apperrors.New(apperrors.CodePointInvalid, "as_of must be an RFC3339 timestamp"))
			}
			point.Time = at.UTC()
		}
		if point.Latest() {
			return nil, PostureResult{}, toolError("posture at", apperrors.New(apperrors.CodePointInvalid, "seq or as_of is required"))
		}
		summary, err := reader.Posture(ctx, input.ScopeID, point)
		if err != nil {
			return nil, PostureResult{}, toolError("posture at", err)
		}
		return nil, postureResult(summary), nil
	}
}

// ListControlsTool defines the list_controls tool.
func ListControlsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "list_controls",
		Description: "Lists the controls registered in a scope.",
	}
}

// ListControlsHandler reads controls from the projections.
func ListControlsHandler(controls ControlLister) mcp.ToolHandlerFor[ListControlsInput, ListControlsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListControlsInput) (*mcp.CallToolResult, ListControlsResult, error) {
		scopeID := event.NormalizeID(input.ScopeID)
		if scopeID == "" {
			return nil, ListControlsResult{}, toolError("list controls", event.ErrScopeRequired)
		}
		records, err := controls.ListControls(ctx, scopeID)
		if err != nil {
			return nil, ListControlsResult{}, toolError("list controls", err)
		}
		result := ListControlsResult{Controls: []ControlResult{}}
		for _, rec := range records {
			if rec.Retired && !input.IncludeRetired {
				continue
			}
			result.Controls = append(result.Controls, ControlResult{
				ID:            rec.ID,
				Title:         rec.Title,
				Framework:     rec.Framework,
				Requirement:   rec.Requirement,
				Severity:      rec.Severity,
				ResourceKinds: rec.ResourceKinds,
				HasPolicy:     rec.Policy != "",
				Retired:       rec.Retired,
				UpdatedAt:     formatTime(rec.UpdatedAt),
			})
		}
		return nil, result, nil
	}
}

// ListEventsTool defines the list_events tool.
func ListEventsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "list_events",
		Description: "Lists journal events of a scope with optional AIP-160 filtering and cursor pagination.",
	}
}

// ListEventsHandler pages through the journal.
func ListEventsHandler(pager query.EventPager) mcp.ToolHandlerFor[ListEventsInput, ListEventsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListEventsInput) (*mcp.CallToolResult, ListEventsResult, error) {
		page, err := query.ListEvents(ctx, pager, query.ListEventsRequest{
			ScopeID:   input.ScopeID,
			Filter:    input.Filter,
			OrderBy:   input.OrderBy,
			PageSize:  input.PageSize,
			PageToken: input.PageToken,
		})
		if err != nil {
			return nil, ListEventsResult{}, toolError("list events", err)
		}
		result := ListEventsResult{
			Events:        make([]EventResult, 0, len(page.Events)),
			NextPageToken: page.NextPageToken,
			PrevPageToken: page.PrevPageToken,
			TotalSize:     page.TotalSize,
		}
		for _, view := range page.Events {
			evt := EventResult{
				Seq:           int64(view.Seq),
				Type:          view.Type,
				Timestamp:     formatTime(view.Timestamp),
				ActorType:     view.ActorType,
				ActorID:       view.ActorID,
				EntityType:    view.EntityType,
				EntityID:      view.EntityID,
				RequestID:     view.RequestID,
				CorrelationID: view.CorrelationID,
				ChainHash:     view.ChainHash,
			}
			if len(view.Payload) > 0 {
				if err := json.Unmarshal(view.Payload, &evt.Payload); err != nil {
					return nil, ListEventsResult{}, fmt.Errorf("decode payload of seq %d: %w", view.Seq, err)
				}
			}
			result.Events = append(result.Events, evt)
		}
		return nil, result, nil
	}
}

// VerifyScopeTool defines the verify_scope tool.
func VerifyScopeTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "verify_scope",
		Description: "Recomputes the hash chain and signatures of a scope's journal and reports the first broken sequence.",
	}
}

// VerifyScopeHandler verifies one scope.
func VerifyScopeHandler(verifier query.ScopeVerifier) mcp.ToolHandlerFor[ScopeInput, VerifyResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ScopeInput) (*mcp.CallToolResult, VerifyResult, error) {
		view, err := query.VerifyScope(ctx, verifier, input.ScopeID)
		if err != nil {
			return nil, VerifyResult{}, toolError("verify scope", err)
		}
		return nil, VerifyResult{
			ScopeID:   view.ScopeID,
			Valid:     view.Valid,
			Events:    view.Events,
			HeadSeq:   int64(view.HeadSeq),
			ChainHash: view.ChainHash,
			BrokenSeq: int64(view.BrokenSeq),
			Code:      view.Code,
			Reason:    view.Reason,
		}, nil
	}
}

func postureResult(summary posture.Summary) PostureResult {
	result := PostureResult{
		ScopeID:          summary.ScopeID,
		Name:             summary.Name,
		Seq:              int64(summary.Seq),
		ChainHash:        summary.ChainHash,
		AsOf:             formatTime(summary.AsOf),
		Score:            summary.Score,
		Totals:           make(map[string]int, len(summary.Totals)),
		ActiveExceptions: summary.ActiveExceptions,
		Resources:        summary.Resources,
		Controls:         make([]ControlPostureResult, 0, len(summary.Controls)),
	}
	for status, count := range summary.Totals {
		result.Totals[string(status)] = count
	}
	for _, cp := range summary.Controls {
		result.Controls = append(result.Controls, ControlPostureResult{
			ControlID:        cp.ControlID,
			Title:            cp.Title,
			Framework:        cp.Framework,
			Severity:         cp.Severity,
			Status:           string(cp.Status),
			Passing:          cp.Passing,
			Failing:          cp.Failing,
			Excepted:         cp.Excepted,
			FailingResources: cp.FailingResources,
		})
	}
	return result
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

// toolError prefixes err with its code so tool callers can branch on it.
func toolError(operation string, err error) error {
	if code := apperrors.CodeOf(err); code != apperrors.CodeUnknown {
		return fmt.Errorf("%s failed [%s]: %w", operation, code, err)
	}
	return fmt.Errorf("%s failed: %w", operation, err)
}
