// Package ledger parses ledger command flags and launches the ledger runtime.
package ledger

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	entrypoint "github.com/louisbranch/evidence.space/internal/platform/cmd"
	ledgerapp "github.com/louisbranch/evidence.space/internal/services/ledger/app"
	"github.com/louisbranch/evidence.space/internal/services/ledger/attest"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
)

// Config holds ledger command configuration.
type Config struct {
	HTTPPort           int           `env:"EVIDENCE_SPACE_LEDGER_HTTP_PORT" envDefault:"8095"`
	GRPCPort           int           `env:"EVIDENCE_SPACE_LEDGER_GRPC_PORT" envDefault:"8096"`
	EventsDBPath       string        `env:"EVIDENCE_SPACE_LEDGER_EVENTS_DB_PATH" envDefault:"data/ledger-events.db"`
	ProjectionsDBPath  string        `env:"EVIDENCE_SPACE_LEDGER_PROJECTIONS_DB_PATH" envDefault:"data/ledger-projections.db"`
	SnapshotInterval   uint64        `env:"EVIDENCE_SPACE_LEDGER_SNAPSHOT_INTERVAL" envDefault:"100"`
	OutboxPollInterval time.Duration `env:"EVIDENCE_SPACE_LEDGER_OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatch        int           `env:"EVIDENCE_SPACE_LEDGER_OUTBOX_BATCH" envDefault:"64"`
	CatalogPath        string        `env:"EVIDENCE_SPACE_LEDGER_CATALOG_PATH"`
	RedisAddr          string        `env:"EVIDENCE_SPACE_REDIS_ADDR"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "The ledger HTTP API port")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The ledger gRPC health port")
	fs.StringVar(&cfg.EventsDBPath, "events-db", cfg.EventsDBPath, "The event journal SQLite path")
	fs.StringVar(&cfg.ProjectionsDBPath, "projections-db", cfg.ProjectionsDBPath, "The projections SQLite path")
	fs.Uint64Var(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "Events between automatic posture snapshots")
	fs.DurationVar(&cfg.OutboxPollInterval, "outbox-poll-interval", cfg.OutboxPollInterval, "Projection apply outbox poll interval")
	fs.IntVar(&cfg.OutboxBatch, "outbox-batch", cfg.OutboxBatch, "Projection apply outbox rows claimed per poll")
	fs.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "Control catalog YAML to import and watch")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for event fan-out (empty disables)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the ledger runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLedger, func(ctx context.Context, logger *zap.Logger) error {
		keyring, err := integrity.KeyringFromEnv()
		if err != nil {
			return fmt.Errorf("load event hmac keyring: %w", err)
		}
		attestCfg, err := attest.LoadConfigFromEnv(nil)
		if err != nil {
			return err
		}
		return ledgerapp.Run(ctx, ledgerapp.RuntimeConfig{
			HTTPAddr:           fmt.Sprintf(":%d", cfg.HTTPPort),
			GRPCAddr:           fmt.Sprintf(":%d", cfg.GRPCPort),
			EventsDBPath:       cfg.EventsDBPath,
			ProjectionsDBPath:  cfg.ProjectionsDBPath,
			Keyring:            keyring,
			SnapshotInterval:   cfg.SnapshotInterval,
			OutboxPollInterval: cfg.OutboxPollInterval,
			OutboxBatch:        cfg.OutboxBatch,
			CatalogPath:        cfg.CatalogPath,
			RedisAddr:          cfg.RedisAddr,
			Attest:             attestCfg,
			Logger:             logger,
		})
	})
}
