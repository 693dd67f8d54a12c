// Package mcptools exposes read-only ledger queries as MCP tools for
// assistants auditing a scope.
package mcptools

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/louisbranch/evidence.space/internal/platform/logging"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
	"github.com/louisbranch/evidence.space/internal/services/ledger/query"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

const (
	serverName    = "evidence-space-ledger"
	serverVersion = "0.1.0"
)

// PostureReader reconstructs posture summaries.
type PostureReader interface {
	Posture(ctx context.Context, scopeID string, point snapshot.Point) (posture.Summary, error)
}

// ControlLister reads projected controls.
type ControlLister interface {
	ListControls(ctx context.Context, scopeID string) ([]storage.ControlRecord, error)
}

// Deps wires the tools.
type Deps struct {
	Posture  PostureReader
	Controls ControlLister
	Events   query.EventPager
	Verifier query.ScopeVerifier
	Logger   *zap.Logger
}

// Server is an MCP server with the ledger tools registered.
type Server struct {
	mcpServer *mcp.Server
	logger    *zap.Logger
}

// NewServer registers every tool.
func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.Posture == nil:
		return nil, fmt.Errorf("posture reader is required")
	case deps.Controls == nil:
		return nil, fmt.Errorf("control lister is required")
	case deps.Events == nil:
		return nil, fmt.Errorf("event pager is required")
	case deps.Verifier == nil:
		return nil, fmt.Errorf("scope verifier is required")
	}

	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcp.AddTool(server, PostureSummaryTool(), PostureSummaryHandler(deps.Posture))
	mcp.AddTool(server, PostureAtTool(), PostureAtHandler(deps.Posture))
	mcp.AddTool(server, ListControlsTool(), ListControlsHandler(deps.Controls))
	mcp.AddTool(server, ListEventsTool(), ListEventsHandler(deps.Events))
	mcp.AddTool(server, VerifyScopeTool(), VerifyScopeHandler(deps.Verifier))

	return &Server{mcpServer: server, logger: logging.OrNop(deps.Logger)}, nil
}

// Serve runs the server on transport until the client disconnects or ctx
// ends. Cancellation is not an error.
func (s *Server) Serve(ctx context.Context, transport mcp.Transport) error {
	s.logger.Info("mcp server starting", zap.String("name", serverName))
	err := s.mcpServer.Run(ctx, transport)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// ServeStdio runs the server over stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Serve(ctx, &mcp.StdioTransport{})
}
