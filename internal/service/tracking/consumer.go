package tracking

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gocomet/logistics-dispatch/internal/messaging"
	"github.com/gocomet/logistics-dispatch/internal/observability"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

// AvailabilityUpdate is the payload of the driver_availability topic.
type AvailabilityUpdate struct {
	DriverID    string `json:"driver_id"`
	IsAvailable bool   `json:"is_available"`
}

// Consumer feeds bus traffic into the registry.
type Consumer struct {
	registry *Registry
	bus      messaging.Bus
	logger   *logger.Logger
}

func NewConsumer(registry *Registry, bus messaging.Bus, log *logger.Logger) *Consumer {
	return &Consumer{registry: registry, bus: bus, logger: log.Named("location_consumer")}
}

// Start subscribes to the location and availability topics.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.bus.Subscribe(ctx, messaging.TopicDriverLocations, c.HandleLocation); err != nil {
		return fmt.Errorf("subscribe %s: %w", messaging.TopicDriverLocations, err)
	}
	if err := c.bus.Subscribe(ctx, messaging.TopicDriverAvailability, c.HandleAvailability); err != nil {
		return fmt.Errorf("subscribe %s: %w", messaging.TopicDriverAvailability, err)
	}
	c.logger.Info("Location consumer started")
	return nil
}

// HandleLocation applies a location report. Redelivered messages are
// harmless: the same timestamp re-applies the same values.
func (c *Consumer) HandleLocation(ctx context.Context, msg messaging.Message) error {
	var rep Report
	if err := json.Unmarshal(msg.Payload, &rep); err != nil {
		observability.BusMessagesInvalid.WithLabelValues(msg.Topic).Inc()
		return fmt.Errorf("decode location report: %w", err)
	}

	outcome, err := c.registry.ReportLocation(ctx, rep)
	if err != nil {
		observability.BusMessagesInvalid.WithLabelValues(msg.Topic).Inc()
		return err
	}
	if outcome == OutcomeStale {
		c.logger.Debug("Discarded stale location report",
			logger.String("driver_id", rep.DriverID),
			logger.Time("timestamp", rep.Timestamp),
		)
	}
	return nil
}

func (c *Consumer) HandleAvailability(_ context.Context, msg messaging.Message) error {
	var upd AvailabilityUpdate
	if err := json.Unmarshal(msg.Payload, &upd); err != nil {
		observability.BusMessagesInvalid.WithLabelValues(msg.Topic).Inc()
		return fmt.Errorf("decode availability update: %w", err)
	}
	return c.registry.SetAvailability(upd.DriverID, upd.IsAvailable)
}
