// Package outbox relays events written alongside state changes to the
// message bus. Delivery is at least once; consumers drop repeats by the
// message ID, which is the outbox event ID.
package outbox

import (
	"context"
	"time"

	"github.com/punchamoorthee/payswitch/internal/domain"
)

// Message is one event as handed to a Bus.
type Message struct {
	ID        string
	Type      domain.EventType
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// Bus publishes messages. Publish returns only after the broker has
// durably accepted the message.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// FromEvent converts a stored event to a bus message.
func FromEvent(ev domain.OutboxEvent) Message {
	return Message{
		ID:        ev.ID,
		Type:      ev.Type,
		Topic:     ev.Topic,
		Key:       ev.PartitionKey,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	}
}

// Header names carried by every message.
const (
	HeaderDedupeKey = "dedupe-key"
	HeaderEventType = "event-type"
)
