package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/pipeline/api/handlers"
	"github.com/flowmesh/pipeline/config"
	"github.com/flowmesh/pipeline/engine"
	"github.com/flowmesh/pipeline/internal/cache"
	"github.com/flowmesh/pipeline/internal/database"
	"github.com/flowmesh/pipeline/internal/metrics"
	"github.com/flowmesh/pipeline/internal/pool"
	"github.com/flowmesh/pipeline/internal/server"
	"github.com/flowmesh/pipeline/internal/tlsutil"
	"github.com/flowmesh/pipeline/relay"
	"github.com/flowmesh/pipeline/store"
)

// Server wires the service together: database, Redis sync channel,
// relay, engine, worker pool, and the HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	dbPool      *database.PoolManager
	cacheMgr    *cache.Manager
	workers     *pool.WorkerPool
	httpManager *server.Manager
	collector   *metrics.Collector

	relayCancel context.CancelFunc
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// registry holds the tool and agent capabilities available to steps.
// Deployments register their capabilities here before Start.
var registry = engine.NewRegistry()

// Start brings every component up. On error the already-started pieces
// are shut down.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("flowmesh", s.logger)

	// Durable store.
	db, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.dbPool, err = database.NewPoolManager(db, s.cfg.Database.Pool, s.logger)
	if err != nil {
		return fmt.Errorf("failed to configure connection pool: %w", err)
	}

	st := store.New(db, s.logger)
	if s.cfg.Database.Driver == "sqlite" {
		// SQLite deployments skip the SQL migrations; postgres schemas
		// come from flowmesh migrate.
		if err := st.AutoMigrate(); err != nil {
			return fmt.Errorf("failed to migrate sqlite schema: %w", err)
		}
	}

	// Sync channel.
	var tlsConfig *tls.Config
	if s.cfg.Redis.TLS {
		tlsConfig = tlsutil.DefaultTLSConfig()
	}
	s.cacheMgr, err = cache.NewManager(s.cfg.Redis, tlsConfig, s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	emitter := relay.NewEmitter(s.cacheMgr.Client(), s.cfg.Relay.Emitter, s.logger)

	rel := relay.New(s.cacheMgr.Client(), st, s.cfg.Relay.Sweep, s.logger)
	rel.SetObserver(s.collector)
	relayCtx, cancel := context.WithCancel(context.Background())
	s.relayCancel = cancel
	go func() {
		if err := rel.Run(relayCtx); err != nil && relayCtx.Err() == nil {
			s.logger.Error("relay stopped", zap.Error(err))
		}
	}()

	// Pool gauge sampler.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-relayCtx.Done():
				return
			case <-ticker.C:
				stats := s.dbPool.Stats()
				s.collector.RecordDBConnections(stats.OpenConnections, stats.Idle)
			}
		}
	}()

	// Engine and execution pool.
	eng := engine.New(registry, emitter, st, s.cfg.Engine, s.logger)
	eng.SetObserver(s.collector)

	s.workers = pool.New(s.cfg.Workers)

	// HTTP surface.
	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.CheckFunc{CheckName: "database", Fn: s.dbPool.Ping})
	healthHandler.RegisterCheck(handlers.CheckFunc{CheckName: "redis", Fn: s.cacheMgr.Ping})
	healthHandler.RegisterCheck(handlers.CheckFunc{CheckName: "sync_backlog", Fn: func(ctx context.Context) error {
		pending, err := s.cacheMgr.PendingSyncRecords(ctx, relay.RunKey("*"))
		if err != nil {
			return err
		}
		s.logger.Debug("sync channel backlog", zap.Int64("pending_run_updates", pending))
		return nil
	}})

	router := handlers.NewRouter(handlers.RouterDeps{
		Pipelines: handlers.NewPipelineHandler(st, s.logger),
		Runs:      handlers.NewRunHandler(st, eng, s.workers, s.logger),
		Approvals: handlers.NewApprovalHandler(st, eng, s.workers, s.logger),
		Health:    healthHandler,
		Metrics:   s.collector,
		Logger:    s.logger,
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	})

	s.httpManager = server.NewManager(router, s.cfg.Server, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("all components started",
		zap.String("addr", s.cfg.Server.Addr),
		zap.String("database", s.cfg.Database.Driver),
		zap.String("redis", s.cfg.Redis.Addr),
	)
	return nil
}

// WaitForShutdown blocks until a signal, then stops components in
// reverse dependency order.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()

	if s.workers != nil {
		s.workers.Close()
	}
	if s.relayCancel != nil {
		s.relayCancel()
	}
	if s.cacheMgr != nil {
		s.cacheMgr.Close()
	}
	if s.dbPool != nil {
		s.dbPool.Close()
	}
}
