package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/punchamoorthee/paystream/internal/api"
	"github.com/punchamoorthee/paystream/internal/config"
	"github.com/punchamoorthee/paystream/internal/logging"
	"github.com/punchamoorthee/paystream/internal/queue"
	"github.com/punchamoorthee/paystream/internal/service"
	"github.com/punchamoorthee/paystream/internal/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging).With("service", "paystream-api", "env", cfg.Env)

	ledger, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	redisClient, err := queue.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Error("unable to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	jobs := queue.NewRedisQueue(redisClient)

	// Initialize Layers
	gate := service.NewIntakeGate(ledger, service.NewIdempotencyGuard(ledger), jobs, cfg.Redis.MainStream, logger)
	handler := api.NewHandler(gate, ledger, map[string]api.Pinger{"postgres": ledger, "redis": jobs}, logger)

	var limiter api.Limiter = api.NewLocalLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	if cfg.RateLimit.Backend == "redis" {
		limiter = api.NewRedisLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
	if cfg.Auth.HMACSecret == "" {
		logger.Warn("HMAC_SECRET is empty, request signatures are not verified")
	}

	router := api.NewRouter(api.RouterDependencies{
		Handler:    handler,
		Limiter:    limiter,
		HMACSecret: cfg.Auth.HMACSecret,
		Logger:     logger,
	})
	srv := api.NewServer(logger, cfg.HTTP, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
