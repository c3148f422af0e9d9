package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	mongoadapter "github.com/robertarktes/campus-ticket-payments/internal/adapters/mongo"
	"github.com/robertarktes/campus-ticket-payments/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/campus-ticket-payments/internal/adapters/redis"
	"github.com/robertarktes/campus-ticket-payments/internal/config"
	"github.com/robertarktes/campus-ticket-payments/internal/notify"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// The notifier consumes purchase events and sends confirmations and
// operator escalations.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "campus-ticket-payments-notifier")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()
	observability.InitMetrics()

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	audit := mongoadapter.NewAuditLogger(mongoClient.Database(cfg.MongoDB), logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	handler := notify.NewHandler(logger, audit, redisadapter.NewCache(redisClient))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("notifier started")
	consume(ctx, cfg.RabbitURL, handler, logger)
	logger.Info("Shutdown notifier")
}

// consume keeps a consumer attached to the notifications queue, redialing the
// broker whenever the connection or channel drops.
func consume(ctx context.Context, url string, handler *notify.Handler, logger observability.Logger) {
	redial := backoff.NewExponentialBackOff()
	redial.MaxInterval = 30 * time.Second
	redial.MaxElapsedTime = 0

	for ctx.Err() == nil {
		err := consumeOnce(ctx, url, handler, redial)
		if ctx.Err() != nil {
			return
		}
		wait := redial.NextBackOff()
		logger.WithError(err).WithField("retry_in", wait.String()).Warn("notification consumer stopped, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func consumeOnce(ctx context.Context, url string, handler *notify.Handler, redial backoff.BackOff) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return errors.Wrap(err, "dial broker")
	}
	defer conn.Close()

	consumer, err := rabbit.NewConsumer(conn, rabbit.NotificationsQueue, notify.RoutingPattern)
	if err != nil {
		return errors.Wrap(err, "declare notifications queue")
	}
	defer consumer.Close()

	redial.Reset()
	return consumer.Consume(ctx, handler.Handle)
}
