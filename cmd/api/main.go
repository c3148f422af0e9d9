package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/campus-ticket-payments/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/campus-ticket-payments/internal/adapters/mongo"
	"github.com/robertarktes/campus-ticket-payments/internal/adapters/mpesa"
	redisadapter "github.com/robertarktes/campus-ticket-payments/internal/adapters/redis"
	"github.com/robertarktes/campus-ticket-payments/internal/config"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	httphandler "github.com/robertarktes/campus-ticket-payments/internal/http"
	"github.com/robertarktes/campus-ticket-payments/internal/idempotency"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"github.com/robertarktes/campus-ticket-payments/internal/purchase"
	"github.com/robertarktes/campus-ticket-payments/internal/rateLimit"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "campus-ticket-payments-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()
	observability.InitMetrics()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	crdbRepo := crdb.NewRepository(pool)
	if cfg.AutoMigrate {
		if err := crdbRepo.Migrate(context.Background()); err != nil {
			log.Fatalf("failed to migrate crdb: %v", err)
		}
	}

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDB)
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)
	if err := audit.EnsureIndexes(context.Background()); err != nil {
		logger.WithError(err).Warn("failed to ensure audit indexes")
	}

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := redisadapter.NewCache(redisClient)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), 24*time.Hour, 30*time.Second)
	rl := rateLimit.NewRateLimiter(redisCache, logger)

	gateway, err := mpesa.NewClient(mpesa.Config{
		BaseURL:           cfg.Mpesa.BaseURL,
		ConsumerKey:       cfg.Mpesa.ConsumerKey,
		ConsumerSecret:    cfg.Mpesa.ConsumerSecret,
		ShortCode:         cfg.Mpesa.ShortCode,
		PassKey:           cfg.Mpesa.PassKey,
		CallbackURL:       cfg.Mpesa.CallbackURL,
		Timeout:           cfg.Mpesa.Timeout,
		AllowUncorrelated: cfg.CallbackPhoneFallback,
	}, logger, mpesa.WithTokenCache(redisadapter.NewTokenCache(redisClient, cfg.Mpesa.ShortCode)))
	if err != nil {
		log.Fatalf("failed to create mpesa client: %v", err)
	}

	calculator, err := domain.NewCalculator(cfg.PlatformFeeRate, domain.CurrencyPlaces)
	if err != nil {
		log.Fatalf("invalid platform fee rate: %v", err)
	}

	svc := purchase.NewService(purchase.ServiceProperty{
		Logger:        logger,
		Ledger:        crdbRepo,
		Gateway:       gateway,
		Catalog:       catalog,
		Auditor:       audit,
		Calculator:    calculator,
		CountryCode:   cfg.PhoneCountryCode,
		EventTimezone: cfg.EventTimezone,
		StoreTimeout:  cfg.StoreTimeout,
		PhoneFallback: cfg.CallbackPhoneFallback,
	})

	handlers := httphandler.NewHandlers(httphandler.HandlersProperty{
		Purchases:     svc,
		Subscriptions: crdbRepo,
		Reviews:       audit,
		Logger:        logger,
		Checks: []httphandler.Check{
			{Name: "crdb", Check: crdbRepo.Ping},
			{Name: "redis", Check: redisCache.Ping},
			{Name: "mongo", Check: func(ctx context.Context) error { return mongoClient.Ping(ctx, readpref.Primary()) }},
		},
	})

	r := httphandler.SetupRouter(httphandler.RouterProperty{
		Handlers:    handlers,
		Logger:      logger,
		JWTSecret:   []byte(cfg.JWTSecret),
		RateLimiter: rl,
		RateLimits:  httphandler.RateLimits{PerBuyer: 60, PerIP: 300, Period: time.Minute},
		Idempotency: idemp,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
