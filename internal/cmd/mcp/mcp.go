// Package mcp parses MCP command flags and serves the ledger tools on stdio.
package mcp

import (
	"context"
	"flag"
	"fmt"

	"go.uber.org/zap"

	entrypoint "github.com/louisbranch/evidence.space/internal/platform/cmd"
	ledgerapp "github.com/louisbranch/evidence.space/internal/services/ledger/app"
	"github.com/louisbranch/evidence.space/internal/services/ledger/compliance"
	"github.com/louisbranch/evidence.space/internal/services/ledger/mcptools"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
)

// Config holds MCP command configuration.
type Config struct {
	EventsDBPath      string `env:"EVIDENCE_SPACE_LEDGER_EVENTS_DB_PATH" envDefault:"data/ledger-events.db"`
	ProjectionsDBPath string `env:"EVIDENCE_SPACE_LEDGER_PROJECTIONS_DB_PATH" envDefault:"data/ledger-projections.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.EventsDBPath, "events-db", cfg.EventsDBPath, "The event journal SQLite path")
	fs.StringVar(&cfg.ProjectionsDBPath, "projections-db", cfg.ProjectionsDBPath, "The projections SQLite path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run serves the MCP tools over stdio until the client disconnects. Logs go
// to stderr; stdout carries the protocol.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMCP, func(ctx context.Context, logger *zap.Logger) error {
		keyring, err := integrity.KeyringFromEnv()
		if err != nil {
			return fmt.Errorf("load event hmac keyring: %w", err)
		}
		stores, err := ledgerapp.OpenStores(ctx, cfg.EventsDBPath, cfg.ProjectionsDBPath, keyring, false)
		if err != nil {
			return err
		}
		defer stores.Close(logger)

		server, err := NewServer(stores, logger)
		if err != nil {
			return err
		}
		return server.ServeStdio(ctx)
	})
}

// NewServer wires the MCP tools to opened ledger stores.
func NewServer(stores *ledgerapp.Stores, logger *zap.Logger) (*mcptools.Server, error) {
	service, err := compliance.NewService(compliance.Deps{
		Journal: stores.Events,
		States:  snapshot.NewService(stores.Events, stores.Projections, snapshot.WithLogger(logger)),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build compliance service: %w", err)
	}
	return mcptools.NewServer(mcptools.Deps{
		Posture:  service,
		Controls: stores.Projections,
		Events:   stores.Events,
		Verifier: stores.Events,
		Logger:   logger,
	})
}
