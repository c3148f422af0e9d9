// Package outbox relays committed outbox rows to the message broker.
package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/campus-ticket-payments/internal/adapters/crdb"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
)

// Store is the outbox side of the ledger; crdb.Repository implements it.
type Store interface {
	ProcessOutbox(ctx context.Context, limit int, publish func(ctx context.Context, rec crdb.OutboxRecord) error) (int, error)
	OldestUnpublished(ctx context.Context) (time.Time, error)
}

// Broker publishes to the events exchange; rabbit.Publisher implements it.
type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	store      Store
	broker     Broker
	logger     observability.Logger
	batch      int
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

type PublisherProperty struct {
	Store  Store
	Broker Broker
	Logger observability.Logger
	Batch  int
	// BackOff paces broker retries for a single record.
	BackOff func() backoff.BackOff
	Now     func() time.Time
}

func NewPublisher(props PublisherProperty) *Publisher {
	p := &Publisher{
		store:      props.Store,
		broker:     props.Broker,
		logger:     props.Logger,
		batch:      props.Batch,
		newBackOff: props.BackOff,
		now:        props.Now,
	}
	if p.batch <= 0 {
		p.batch = 50
	}
	if p.newBackOff == nil {
		p.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		}
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	p.logger.Info("outbox publisher started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain full batches before waiting for the next tick
			for {
				n, err := p.PublishOnce(ctx)
				if err != nil {
					p.logger.WithError(err).Error("outbox relay failed")
					break
				}
				if n < p.batch {
					break
				}
			}
		}
	}
}

// PublishOnce relays up to one batch of NEW rows and returns how many were
// marked PUBLISHED. A record the broker keeps refusing stops the batch; it is
// retried on the next call.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	n, err := p.store.ProcessOutbox(ctx, p.batch, p.publish)
	if err != nil {
		return n, errors.Wrap(err, "process outbox")
	}
	p.observeLag(ctx)
	return n, nil
}

func (p *Publisher) publish(ctx context.Context, rec crdb.OutboxRecord) error {
	msg := amqp.Publishing{
		MessageId:   rec.DedupeKey,
		ContentType: "application/json",
		Type:        rec.EventType,
		Timestamp:   rec.CreatedAt,
		Body:        rec.Payload,
	}
	op := func() error {
		return p.broker.Publish(ctx, rec.EventType, msg)
	}
	notify := func(err error, wait time.Duration) {
		observability.RabbitPublishRetries.Inc()
		p.logger.WithError(err).WithFields(map[string]interface{}{
			"outbox_id":  rec.ID,
			"event_type": rec.EventType,
			"retry_in":   wait.String(),
		}).Warn("publish failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify); err != nil {
		p.logger.WithError(err).WithField("outbox_id", rec.ID).Error("giving up on outbox record for this round")
		return err
	}
	return nil
}

func (p *Publisher) observeLag(ctx context.Context) {
	oldest, err := p.store.OldestUnpublished(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("failed to read outbox lag")
		return
	}
	if oldest.IsZero() {
		observability.OutboxLag.Set(0)
		return
	}
	observability.OutboxLag.Set(p.now().Sub(oldest).Seconds())
}
