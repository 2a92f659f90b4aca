package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errNacked = errors.New("rabbitmq: broker rejected message")

// RabbitBus publishes to a durable topic exchange on a confirm-mode channel.
// The routing key is the event topic.
type RabbitBus struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewRabbitBus(url, exchange string) (*RabbitBus, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Properties: amqp.Table{"connection_name": "payswitch_outbox"},
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq declare exchange: %w", err)
	}
	return &RabbitBus{conn: conn, ch: ch, exchange: exchange}, nil
}

func (b *RabbitBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	conf, err := b.ch.PublishWithDeferredConfirmWithContext(ctx,
		b.exchange,
		msg.Topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         string(msg.Type),
			Timestamp:    msg.CreatedAt,
			Headers: amqp.Table{
				HeaderDedupeKey: msg.ID,
				"partition-key": msg.Key,
			},
			Body: msg.Payload,
		},
	)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", msg.Topic, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq confirm %s: %w", msg.Topic, err)
	}
	if !acked {
		return errNacked
	}
	return nil
}

func (b *RabbitBus) Close() error {
	if err := b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.conn.Close()
		return err
	}
	return b.conn.Close()
}
