package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaBus writes to Kafka with acks from all in-sync replicas. Messages
// are hashed on their key so one transaction's events stay in order.
type KafkaBus struct {
	writer  *kafka.Writer
	brokers []string
}

func NewKafkaBus(brokers []string) (*KafkaBus, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
			Async:                  false,
		},
		brokers: brokers,
	}, nil
}

func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Time:  msg.CreatedAt,
		Headers: []kafka.Header{
			{Key: HeaderDedupeKey, Value: []byte(msg.ID)},
			{Key: HeaderEventType, Value: []byte(msg.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.Topic, err)
	}
	return nil
}

// Ping dials the first broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var d kafka.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial: %w", err)
	}
	return conn.Close()
}

func (b *KafkaBus) Close() error { return b.writer.Close() }
