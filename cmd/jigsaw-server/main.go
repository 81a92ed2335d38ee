// Package main provides the jigsaw game server. It accepts players over TCP
// (and optionally websocket), coordinates the shared session and persists
// finished games to the configured results store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/jigsaw/internal/config"
	"github.com/cory-johannsen/jigsaw/internal/frontend/handlers"
	"github.com/cory-johannsen/jigsaw/internal/frontend/tcp"
	"github.com/cory-johannsen/jigsaw/internal/frontend/websocket"
	"github.com/cory-johannsen/jigsaw/internal/game/rng"
	"github.com/cory-johannsen/jigsaw/internal/game/session"
	"github.com/cory-johannsen/jigsaw/internal/game/shape"
	"github.com/cory-johannsen/jigsaw/internal/health"
	"github.com/cory-johannsen/jigsaw/internal/observability"
	"github.com/cory-johannsen/jigsaw/internal/server"
	"github.com/cory-johannsen/jigsaw/internal/storage/memory"
	"github.com/cory-johannsen/jigsaw/internal/storage/postgres"
	"github.com/cory-johannsen/jigsaw/internal/storage/sqlite"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting jigsaw server",
		zap.String("listener_addr", cfg.Listener.Addr()),
		zap.Int("capacity", cfg.Game.Capacity),
		zap.Int("max_duration_seconds", cfg.Game.MaxDurationSeconds),
		zap.String("results_driver", cfg.Results.Driver),
	)

	ctx := context.Background()
	lifecycle := server.NewLifecycle(logger)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("opening results store", zap.Error(err))
	}

	catalog, err := shape.NewDefaultCatalog(rng.NewCryptoSource())
	if err != nil {
		logger.Fatal("loading shape catalog", zap.Error(err))
	}

	coord, err := session.NewCoordinator(session.Config{
		Capacity:           cfg.Game.Capacity,
		ShapeBatchSize:     cfg.Game.ShapeBatchSize,
		MaxDurationSeconds: cfg.Game.MaxDurationSeconds,
	}, catalog, store, logger)
	if err != nil {
		logger.Fatal("creating session", zap.Error(err))
	}
	lifecycle.AddCloser("results", coord)

	listener := tcp.NewListener(cfg.Listener, handlers.NewGameHandler(coord, "tcp", logger), logger)
	lifecycle.Add("tcp", &server.FuncService{
		StartFn: listener.ListenAndServe,
		StopFn:  listener.Stop,
	})

	if cfg.WebSocket.Enabled {
		ws := websocket.NewServer(cfg.WebSocket, handlers.NewGameHandler(coord, "websocket", logger), logger)
		lifecycle.Add("websocket", &server.FuncService{
			StartFn: ws.ListenAndServe,
			StopFn:  ws.Stop,
		})
	}

	if cfg.Health.Enabled {
		hs := health.NewServer(cfg.Health, coord, logger)
		if checker, ok := store.(health.Checker); ok {
			hs.AddDependency(health.ResultsService, checker, cfg.Health.CheckInterval)
		}
		lifecycle.Add("health", &server.FuncService{
			StartFn: hs.ListenAndServe,
			StopFn:  hs.Stop,
		})
	}

	logger.Info("jigsaw server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Int("shapes", catalog.Len()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// openStore builds the results store selected by results.driver.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (session.ResultsStore, error) {
	switch cfg.Results.Driver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		return postgres.NewResultsStore(pool), nil

	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Results.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite results store opened", zap.String("path", cfg.Results.SQLitePath))
		return store, nil

	case config.DriverMemory:
		logger.Warn("using in-memory results store; records are lost on exit")
		return memory.NewResultsStore(), nil
	}
	return nil, fmt.Errorf("unknown results driver %q", cfg.Results.Driver)
}
