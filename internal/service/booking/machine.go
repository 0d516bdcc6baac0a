// Package booking runs the booking lifecycle: creation, matching and every
// status change after it.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocomet/logistics-dispatch/internal/domain/booking"
	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/messaging"
	"github.com/gocomet/logistics-dispatch/internal/observability"
	"github.com/gocomet/logistics-dispatch/internal/service/notification"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
	"github.com/gocomet/logistics-dispatch/pkg/monitoring"
)

// DriverReleaser drops the claim a booking holds on a driver.
type DriverReleaser interface {
	Release(driverID, bookingID string) error
}

// Update is the booking_updates topic payload.
type Update struct {
	BookingID string         `json:"booking_id"`
	UserID    string         `json:"user_id"`
	DriverID  *string        `json:"driver_id,omitempty"`
	From      booking.Status `json:"from"`
	To        booking.Status `json:"to"`
	Reason    string         `json:"reason,omitempty"`
	Version   int            `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
}

type transitionOptions struct {
	driverID string
	reason   string
}

// Option configures a single transition.
type Option func(*transitionOptions)

// WithDriver sets the driver assigned when entering confirmed.
func WithDriver(driverID string) Option {
	return func(o *transitionOptions) { o.driverID = driverID }
}

// WithReason records why a booking was cancelled.
func WithReason(reason string) Option {
	return func(o *transitionOptions) { o.reason = reason }
}

// Machine applies status transitions and their side effects. The booking
// save and the driver release form one unit: the release only runs once the
// save has committed.
type Machine struct {
	repo     booking.Repository
	drivers  DriverReleaser
	bus      messaging.Bus
	notifier notification.Notifier
	nr       *monitoring.NewRelicApp
	logger   *logger.Logger
	now      func() time.Time
}

// NewMachine creates a state machine. bus and notifier may be nil.
func NewMachine(repo booking.Repository, drivers DriverReleaser, bus messaging.Bus,
	notifier notification.Notifier, nr *monitoring.NewRelicApp, log *logger.Logger) *Machine {
	return &Machine{
		repo:     repo,
		drivers:  drivers,
		bus:      bus,
		notifier: notifier,
		nr:       nr,
		logger:   log.Named("booking_machine"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Transition moves booking id to status to. An illegal change returns an
// error matching booking.ErrInvalidTransition and leaves the booking as it
// was; a concurrent writer surfaces as booking.ErrConflict.
func (m *Machine) Transition(ctx context.Context, id string, to booking.Status, opts ...Option) (*booking.Booking, error) {
	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !to.IsValid() {
		return nil, fmt.Errorf("%w: %q", booking.ErrInvalidStatus, to)
	}

	b, err := m.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}

	from := b.Status
	previousDriver := b.AssignedDriver()

	if err := b.Apply(to, m.now(), o.driverID, o.reason); err != nil {
		return nil, err
	}

	if err := m.repo.SaveBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("save booking %s: %w", id, err)
	}

	if to.IsTerminal() && previousDriver != "" {
		m.release(previousDriver, id)
	}

	observability.BookingTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.nr.RecordBookingTransition(id, string(from), string(to))
	m.logger.Info("Booking status changed",
		logger.String("booking_id", id),
		logger.String("from", string(from)),
		logger.String("to", string(to)),
		logger.String("driver_id", b.AssignedDriver()),
	)

	m.announce(ctx, b, from, previousDriver)
	return b, nil
}

func (m *Machine) release(driverID, bookingID string) {
	err := m.drivers.Release(driverID, bookingID)
	switch {
	case err == nil:
	case errors.Is(err, driver.ErrDriverNotFound):
		// driver disconnected while assigned; nothing to free
		m.logger.Debug("Assigned driver no longer tracked",
			logger.String("driver_id", driverID),
			logger.String("booking_id", bookingID),
		)
	case errors.Is(err, driver.ErrClaimMismatch):
		m.logger.Warn("Driver is held by another booking, claim left in place",
			logger.String("driver_id", driverID),
			logger.String("booking_id", bookingID),
			logger.Err(err),
		)
	default:
		m.logger.Error("Failed to release driver",
			logger.String("driver_id", driverID),
			logger.String("booking_id", bookingID),
			logger.Err(err),
		)
	}
}

// announce publishes the change and notifies the parties. Failures never
// undo a committed transition.
func (m *Machine) announce(ctx context.Context, b *booking.Booking, from booking.Status, previousDriver string) {
	at := b.History[len(b.History)-1].Timestamp

	if m.bus != nil {
		upd := Update{
			BookingID: b.ID,
			UserID:    b.UserID,
			DriverID:  b.DriverID,
			From:      from,
			To:        b.Status,
			Reason:    b.CancelReason,
			Version:   b.Version,
			Timestamp: at,
		}
		if err := messaging.PublishJSON(ctx, m.bus, messaging.TopicBookingUpdates, b.ID, upd); err != nil {
			m.logger.Warn("Failed to publish booking update",
				logger.String("booking_id", b.ID),
				logger.Err(err),
			)
		}
	}

	if m.notifier == nil {
		return
	}

	statusEvent := notification.Event{
		Type:      notification.EventBookingStatusChanged,
		BookingID: b.ID,
		Data: notification.StatusChange{
			From:     string(from),
			To:       string(b.Status),
			DriverID: b.DriverID,
			Reason:   b.CancelReason,
		},
		Timestamp: at,
	}
	m.notifier.NotifyUser(ctx, b.UserID, statusEvent)
	m.notifier.NotifyWatchers(ctx, b.ID, statusEvent)

	if b.Status == booking.StatusConfirmed {
		m.notifier.NotifyDriver(ctx, b.AssignedDriver(), notification.Event{
			Type:      notification.EventBookingAssigned,
			BookingID: b.ID,
			Data: notification.Assignment{
				BookingID:     b.ID,
				Pickup:        b.Pickup,
				Dropoff:       b.Dropoff,
				VehicleType:   b.VehicleType,
				Price:         b.Price,
				ScheduledTime: b.ScheduledTime,
			},
			Timestamp: at,
		})
		return
	}
	if previousDriver != "" {
		m.notifier.NotifyDriver(ctx, previousDriver, statusEvent)
	}
}
