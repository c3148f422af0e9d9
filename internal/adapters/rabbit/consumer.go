package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const NotificationsQueue = "payments.notifications"

// DeadLetterExchange receives messages a consumer gave up on. Each consumer
// queue dead-letters into "<queue>.dead".
const DeadLetterExchange = "payments.dlx"

// ErrDeliveriesClosed means the broker closed the channel; callers reconnect.
var ErrDeliveriesClosed = errors.New("deliveries channel closed")

// ErrPoison marks a handler error that no retry can fix, e.g. an undecodable
// body. Such messages go straight to the dead-letter queue.
var ErrPoison = errors.New("poison message")

type Consumer struct {
	ch    *amqp.Channel
	queue string
}

// DeadQueue names the queue holding messages dead-lettered from queue.
func DeadQueue(queue string) string {
	return queue + ".dead"
}

// NewConsumer declares a durable queue bound to the events exchange for each
// routing pattern, with a dead-letter queue behind it.
func NewConsumer(conn *amqp.Connection, queue string, patterns ...string) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := declare(ch, queue, patterns); err != nil {
		ch.Close()
		return nil, err
	}
	return &Consumer{ch: ch, queue: queue}, nil
}

func declare(ch *amqp.Channel, queue string, patterns []string) error {
	if err := ch.Qos(20, 0, false); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare %s", DeadLetterExchange)
	}
	if _, err := ch.QueueDeclare(DeadQueue(queue), true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare %s", DeadQueue(queue))
	}
	if err := ch.QueueBind(DeadQueue(queue), queue, DeadLetterExchange, false, nil); err != nil {
		return errors.Wrapf(err, "bind %s", DeadQueue(queue))
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": queue,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return err
	}
	for _, pattern := range patterns {
		if err := ch.QueueBind(queue, pattern, EventsExchange, false, nil); err != nil {
			return errors.Wrapf(err, "bind %s to %s", queue, pattern)
		}
	}
	return nil
}

// Consume hands each delivery to handle and settles it with settle. It
// returns when ctx ends or the channel closes.
func (c *Consumer) Consume(ctx context.Context, handle func(ctx context.Context, d amqp.Delivery) error) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return ErrDeliveriesClosed
			}
			_ = settle(d, handle(ctx, d))
		}
	}
}

// settle acks a handled delivery. A failed delivery is requeued once; a
// poison message, or one that already failed after redelivery, is rejected
// into the dead-letter queue so it cannot spin.
func settle(d amqp.Delivery, err error) error {
	switch {
	case err == nil:
		return d.Ack(false)
	case errors.Is(err, ErrPoison), d.Redelivered:
		return d.Nack(false, false)
	default:
		return d.Nack(false, true)
	}
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
