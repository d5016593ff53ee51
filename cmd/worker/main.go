package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/paystream/internal/config"
	"github.com/punchamoorthee/paystream/internal/logging"
	"github.com/punchamoorthee/paystream/internal/queue"
	"github.com/punchamoorthee/paystream/internal/service"
	"github.com/punchamoorthee/paystream/internal/settlement"
	"github.com/punchamoorthee/paystream/internal/store"
	"github.com/punchamoorthee/paystream/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging).With("service", "paystream-worker", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	w := worker.New(worker.Config{
		ID:                cfg.Worker.ID,
		MainStream:        cfg.Redis.MainStream,
		DLQStream:         cfg.Redis.DLQStream,
		PollInterval:      cfg.Worker.PollInterval,
		BatchSize:         cfg.Worker.BatchSize,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		BackoffBase:       cfg.Worker.BackoffBase,
		BackoffMax:        cfg.Worker.BackoffMax,
		SettlementTimeout: cfg.Settlement.Timeout,
	}, worker.Dependencies{
		Queue:   jobs,
		Ledger:  ledger,
		Machine: service.NewStateMachine(ledger, logger),
		Cursors: ledger,
		Adapter: settlement.NewSimulatedRail(logger, cfg.Settlement.Latency, cfg.Settlement.SuccessRate),
		Logger:  logger,
	})

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Worker.MetricsPort,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving worker metrics", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener stopped", "error", err)
		}
	}()

	var wg sync.WaitGroup
	if cfg.Reconcile.Interval > 0 {
		reconciler := service.NewReconciler(ledger, jobs, cfg.Redis.MainStream, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reconciler.Run(ctx, cfg.Reconcile.Interval, cfg.Reconcile.Grace)
		}()
	} else {
		logger.Info("periodic reconciliation disabled")
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped unexpectedly", "error", err)
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", "error", err)
	}
}
