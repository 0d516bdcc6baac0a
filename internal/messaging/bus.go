// Package messaging abstracts the message bus. Delivery is at-least-once,
// so handlers must be idempotent.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TopicDriverLocations    = "driver_locations"
	TopicDriverAvailability = "driver_availability"
	TopicBookingUpdates     = "booking_updates"
	TopicNotifications      = "notifications"
	TopicDemandUpdates      = "demand_updates"
)

// ErrUnavailable reports that the broker could not be reached.
var ErrUnavailable = errors.New("message bus unavailable")

// Message is a delivered payload.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
}

// Handler processes one message. A returned error is logged by the bus;
// it does not stop the subscription.
type Handler func(ctx context.Context, msg Message) error

// Bus publishes and consumes messages.
type Bus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	// Subscribe starts delivering topic to h in the background until ctx is
	// cancelled or the bus is closed.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}

// PublishJSON encodes v and publishes it.
func PublishJSON(ctx context.Context, bus Bus, topic, key string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	return bus.Publish(ctx, topic, key, payload)
}
