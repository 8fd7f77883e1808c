// Package main provides the RSM relay server binary: the REST management
// API, the websocket relay endpoints, and the audit mirror.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/minehub-kr/rsm/internal/config"
	"github.com/minehub-kr/rsm/internal/httpapi"
	"github.com/minehub-kr/rsm/internal/meiling"
	"github.com/minehub-kr/rsm/internal/observability"
	"github.com/minehub-kr/rsm/internal/relay"
	"github.com/minehub-kr/rsm/internal/server"
	"github.com/minehub-kr/rsm/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting relay server",
		zap.String("addr", cfg.Server.Addr()),
	)

	// Connect to PostgreSQL for server and invitation persistence.
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	serverRepo := postgres.NewServerRepository(pool.DB())
	userRepo := postgres.NewUserRepository(pool.DB())
	invitationRepo := postgres.NewInvitationRepository(pool.DB())

	identity := meiling.NewClient(cfg.OAuth2)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewRelayMetrics(registry)

	audit := relay.NewAuditMirror(logger, metrics)
	rly := relay.New(logger, audit, metrics,
		relay.WithCallTimeout(cfg.Relay.CallTimeout),
	)

	api := httpapi.New(cfg, logger, rly, audit, identity, httpapi.Stores{
		Servers:     serverRepo,
		Users:       userRepo,
		Invitations: invitationRepo,
	}, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: api.Router(),
	}

	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("audit-mirror", audit)

	lifecycle.Add("http", &server.FuncService{
		StartFn: func() error {
			logger.Info("http server listening",
				zap.String("addr", cfg.Server.Addr()),
			)
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
		},
	})

	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			for {
				time.Sleep(30 * time.Second)
				if err := pool.Health(ctx, 5*time.Second); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
				}
			}
		},
		StopFn: func() {
			pool.Close()
		},
	})

	logger.Info("relay server initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
