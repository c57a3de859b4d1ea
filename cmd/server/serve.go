package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/inventory-ledger/internal/adapter/handler"
	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/config"
	"github.com/rl1809/inventory-ledger/internal/core/service"
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and gRPC health servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ledger := service.New(st, st,
		service.WithLogger(logger),
		service.WithLaneBuffer(cfg.Ledger.LaneBuffer),
		service.WithSubscriberBuffer(cfg.Ledger.SubscriberBuffer),
		service.WithReconcileWorkers(cfg.Ledger.ReconcileWorkers),
	)

	grpcHandler := handler.NewGRPCHandler(logger.Named("health"))
	if p, ok := st.(handler.Pinger); ok {
		grpcHandler.AddDependency(cfg.Storage.Driver, p)
	}

	var wg sync.WaitGroup
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

		cache := storage.NewRedisAdapter(rdb, storage.WithStream(cfg.Redis.Stream, cfg.Redis.StreamMaxLen))
		grpcHandler.AddDependency("redis", cache)

		mirror := service.NewQuantityMirror(ledger.Publisher, ledger.Store, cache, cfg.Redis.StreamEnable, logger.Named("mirror"))
		// Runs until the ledger closes its publisher.
		wg.Add(1)
		go func() {
			defer wg.Done()
			mirror.Run(context.Background())
		}()
	}

	grpcServer := grpc.NewServer()
	grpcHandler.Register(grpcServer)
	grpcHandler.Check(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		grpcHandler.Watch(bgCtx, cfg.Server.HealthInterval)
	}()

	lis, err := net.Listen("tcp", cfg.Server.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	httpHandler := handler.NewHTTPHandler(ledger, logger.Named("http"))
	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPPort,
		Handler: httpHandler.Routes(),
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	grpcHandler.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	httpHandler.CloseStreams()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// Drain queued deltas before the mirror and store go away.
	ledger.Close()
	cancelBg()
	wg.Wait()
	logger.Info("background workers stopped")

	if rdb != nil {
		rdb.Close()
	}
	return nil
}
