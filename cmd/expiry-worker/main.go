package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/campus-ticket-payments/internal/adapters/crdb"
	redisadapter "github.com/robertarktes/campus-ticket-payments/internal/adapters/redis"
	"github.com/robertarktes/campus-ticket-payments/internal/config"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"github.com/robertarktes/campus-ticket-payments/internal/purchase"
)

// The expiry worker fails pending purchases whose payment never arrived.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "campus-ticket-payments-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()
	observability.InitMetrics()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	sweeper := purchase.NewSweeper(purchase.SweeperProperty{
		Ledger:       repo,
		Logger:       logger,
		Locker:       redisadapter.NewCache(redisClient),
		TTL:          cfg.PendingPurchaseTTL,
		StoreTimeout: cfg.StoreTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx, cfg.SweepInterval)
	}()
	logger.WithField("ttl", cfg.PendingPurchaseTTL.String()).Info("expiry worker started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
	<-done
	logger.Info("Shutdown expiry worker")
}
