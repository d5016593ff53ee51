package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/punchamoorthee/paystream/internal/config"
	"github.com/punchamoorthee/paystream/internal/logging"
	"github.com/punchamoorthee/paystream/internal/queue"
	"github.com/punchamoorthee/paystream/internal/service"
	"github.com/punchamoorthee/paystream/internal/store"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openBackend).ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openBackend connects to Postgres and Redis using the service configuration.
func openBackend(ctx context.Context) (*backend, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Logging).With("service", "payctl")

	ledger, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		return nil, nil, err
	}
	redisClient, err := queue.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		ledger.Close()
		return nil, nil, err
	}
	jobs := queue.NewRedisQueue(redisClient)

	b := &backend{
		ledger:       ledger,
		keys:         service.NewIdempotencyGuard(ledger),
		migrator:     ledger,
		dlq:          jobs,
		dlqStream:    cfg.Redis.DLQStream,
		reconciler:   service.NewReconciler(ledger, jobs, cfg.Redis.MainStream, logger),
		defaultGrace: cfg.Reconcile.Grace,
	}
	cleanup := func() {
		redisClient.Close()
		ledger.Close()
	}
	return b, cleanup, nil
}
