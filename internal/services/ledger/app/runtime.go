// Package app wires the ledger stores, command service, HTTP API and
// background workers into one serving process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/platform/logging"
	"github.com/louisbranch/evidence.space/internal/platform/timeouts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/api/httpapi"
	"github.com/louisbranch/evidence.space/internal/services/ledger/attest"
	"github.com/louisbranch/evidence.space/internal/services/ledger/catalog"
	"github.com/louisbranch/evidence.space/internal/services/ledger/compliance"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/checkpoint"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/projection"
	"github.com/louisbranch/evidence.space/internal/services/ledger/publish"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/sqlite"
)

// HealthService is the gRPC health service name the ledger reports.
const HealthService = "evidence.ledger.v1.Ledger"

// RuntimeConfig configures a ledger server.
type RuntimeConfig struct {
	HTTPAddr           string
	GRPCAddr           string
	EventsDBPath       string
	ProjectionsDBPath  string
	Keyring            *integrity.Keyring
	SnapshotInterval   uint64
	OutboxPollInterval time.Duration
	OutboxBatch        int
	CatalogPath        string
	RedisAddr          string
	Attest             attest.Config
	Logger             *zap.Logger
}

func (c RuntimeConfig) normalized() RuntimeConfig {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		c.HTTPAddr = ":8095"
	}
	if strings.TrimSpace(c.GRPCAddr) == "" {
		c.GRPCAddr = ":8096"
	}
	if strings.TrimSpace(c.EventsDBPath) == "" {
		c.EventsDBPath = filepath.Join("data", "ledger-events.db")
	}
	if strings.TrimSpace(c.ProjectionsDBPath) == "" {
		c.ProjectionsDBPath = filepath.Join("data", "ledger-projections.db")
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = snapshot.DefaultInterval
	}
	if c.OutboxPollInterval <= 0 {
		c.OutboxPollInterval = defaultOutboxInterval
	}
	if c.OutboxBatch <= 0 {
		c.OutboxBatch = defaultOutboxBatch
	}
	c.CatalogPath = strings.TrimSpace(c.CatalogPath)
	c.RedisAddr = strings.TrimSpace(c.RedisAddr)
	return c
}

// Stores groups the two SQLite stores and manages their lifecycle.
//
// Events are the source of truth; projections and snapshots are derived and
// can be rebuilt from them.
type Stores struct {
	Events      *sqlite.Store
	Projections *sqlite.Store
}

// Close closes both stores, logging any errors.
func (b *Stores) Close(logger *zap.Logger) {
	if b == nil {
		return
	}
	logger = logging.OrNop(logger)
	if b.Events != nil {
		if err := b.Events.Close(); err != nil {
			logger.Warn("close event store", zap.Error(err))
		}
	}
	if b.Projections != nil {
		if err := b.Projections.Close(); err != nil {
			logger.Warn("close projection store", zap.Error(err))
		}
	}
}

// Server hosts the ledger HTTP API, the gRPC health service and the
// background workers.
type Server struct {
	logger       *zap.Logger
	stores       *Stores
	publisher    *publish.Publisher
	importer     *catalog.Importer
	catalogPath  string
	worker       *outboxWorker
	httpListener net.Listener
	httpServer   *http.Server
	grpcListener net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
}

// New opens the stores, binds both listeners and wires every component.
func New(ctx context.Context, cfg RuntimeConfig) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.normalized()
	logger := logging.OrNop(cfg.Logger)
	if cfg.Keyring == nil {
		return nil, fmt.Errorf("event hmac keyring is required")
	}

	stores, err := OpenStores(ctx, cfg.EventsDBPath, cfg.ProjectionsDBPath, cfg.Keyring, true)
	if err != nil {
		return nil, err
	}

	var publisher *publish.Publisher
	if cfg.RedisAddr != "" {
		publisher, err = openPublisher(ctx, cfg.RedisAddr, logger)
		if err != nil {
			stores.Close(logger)
			return nil, err
		}
	}
	fail := func(err error) (*Server, error) {
		if publisher != nil {
			_ = publisher.Close()
		}
		stores.Close(logger)
		return nil, err
	}

	states := snapshot.NewService(stores.Events, stores.Projections,
		snapshot.WithInterval(cfg.SnapshotInterval),
		snapshot.WithStateCache(checkpoint.NewMemory()),
		snapshot.WithLogger(logger),
	)

	var attestor *attest.Issuer
	if len(cfg.Attest.PrivateKey) > 0 {
		if attestor, err = attest.NewIssuer(cfg.Attest); err != nil {
			return fail(err)
		}
	}
	var verifier *attest.Verifier
	if len(cfg.Attest.PublicKey) > 0 {
		if verifier, err = attest.NewVerifier(cfg.Attest); err != nil {
			return fail(err)
		}
	}

	service, err := compliance.NewService(compliance.Deps{
		Journal:  stores.Events,
		States:   states,
		Attestor: attestor,
		Logger:   logger,
	})
	if err != nil {
		return fail(fmt.Errorf("build compliance service: %w", err))
	}

	api, err := httpapi.NewServer(httpapi.Deps{
		Commands:     service,
		Projections:  stores.Projections,
		Events:       stores.Events,
		Verifier:     stores.Events,
		Attestations: verifier,
		Logger:       logger,
	})
	if err != nil {
		return fail(fmt.Errorf("build http api: %w", err))
	}

	var pub eventPublisher
	if publisher != nil {
		pub = publisher
	}
	apply := buildOutboxApply(
		projection.Processor{Store: stores.Projections, Watermarks: stores.Projections},
		pub,
		states,
		logger,
	)
	worker := newOutboxWorker(stores.Events, apply, cfg.OutboxPollInterval, cfg.OutboxBatch, logger)

	var importer *catalog.Importer
	if cfg.CatalogPath != "" {
		importer = catalog.NewImporter(service, states, compliance.Actor{Type: event.ActorTypeSystem, ID: "catalog"}, logger)
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fail(fmt.Errorf("listen on http addr %s: %w", cfg.HTTPAddr, err))
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpListener.Close()
		return fail(fmt.Errorf("listen on grpc addr %s: %w", cfg.GRPCAddr, err))
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	httpServer := &http.Server{
		Handler:           http.TimeoutHandler(api.Handler(), timeouts.Request, "request timed out"),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	return &Server{
		logger:       logger,
		stores:       stores,
		publisher:    publisher,
		importer:     importer,
		catalogPath:  cfg.CatalogPath,
		worker:       worker,
		httpListener: httpListener,
		httpServer:   httpServer,
		grpcListener: grpcListener,
		grpcServer:   grpcServer,
		health:       healthServer,
	}, nil
}

// HTTPAddr returns the HTTP API listener address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the gRPC health listener address.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Run creates and serves a ledger server until the context ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	server, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve runs the servers and workers and blocks until ctx ends or one of
// them fails, then shuts everything down and closes the stores.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.close()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.Info("ledger gRPC health listening", zap.String("addr", s.GRPCAddr()))
		if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		s.logger.Info("ledger HTTP API listening", zap.String("addr", s.HTTPAddr()))
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		s.worker.Run(groupCtx)
		return nil
	})
	if s.importer != nil {
		group.Go(func() error {
			err := s.importer.Watch(groupCtx, s.catalogPath, catalog.WithImportHook(s.logImport))
			if err != nil && groupCtx.Err() == nil {
				return fmt.Errorf("watch catalog: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		s.shutdown()
		return nil
	})

	return group.Wait()
}

func (s *Server) logImport(report catalog.Report, err error) {
	if err != nil {
		s.logger.Warn("catalog import failed", zap.Error(err), zap.String("code", string(apperrors.CodeOf(err))))
		return
	}
	s.logger.Info("catalog imported",
		zap.String("scope_id", report.ScopeID),
		zap.Bool("scope_created", report.ScopeCreated),
		zap.Strings("registered", report.Registered),
		zap.Int("unchanged", len(report.Unchanged)),
	)
}

func (s *Server) shutdown() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown HTTP server", zap.Error(err))
	}
}

func (s *Server) close() {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn("close publisher", zap.Error(err))
		}
	}
	s.stores.Close(s.logger)
}

// OpenStores opens the event journal and projection databases, creating
// their directories. Appends enqueue projection work when outbox is set.
func OpenStores(ctx context.Context, eventsPath, projectionsPath string, keyring *integrity.Keyring, outbox bool) (*Stores, error) {
	for _, path := range []string{eventsPath, projectionsPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
	}

	registry, err := facts.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("build event registry: %w", err)
	}
	events, err := sqlite.OpenEvents(ctx, eventsPath, keyring, registry,
		sqlite.WithProjectionApplyOutboxEnabled(outbox),
	)
	if err != nil {
		return nil, fmt.Errorf("open events store: %w", err)
	}
	projections, err := sqlite.OpenProjections(ctx, projectionsPath)
	if err != nil {
		_ = events.Close()
		return nil, fmt.Errorf("open projections store: %w", err)
	}
	return &Stores{Events: events, Projections: projections}, nil
}

func openPublisher(ctx context.Context, addr string, logger *zap.Logger) (*publish.Publisher, error) {
	publisher, err := publish.New(&redis.Options{Addr: addr}, logger)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeouts.Dial)
	defer cancel()
	if err := publisher.Ping(pingCtx); err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return publisher, nil
}
