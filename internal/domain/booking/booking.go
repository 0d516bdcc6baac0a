package booking

import (
	"context"
	"time"

	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
)

// Status represents booking status
type Status string

const (
	StatusPending        Status = "pending"
	StatusScheduled      Status = "scheduled"
	StatusConfirmed      Status = "confirmed"
	StatusEnRoute        Status = "en_route"
	StatusGoodsCollected Status = "goods_collected"
	StatusDelivered      Status = "delivered"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusScheduled, StatusConfirmed, StatusEnRoute,
	StatusGoodsCollected, StatusDelivered, StatusCompleted, StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusPending:        {StatusConfirmed, StatusCancelled},
	StatusScheduled:      {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusEnRoute, StatusCancelled},
	StatusEnRoute:        {StatusGoodsCollected, StatusCancelled},
	StatusGoodsCollected: {StatusDelivered, StatusCancelled},
	StatusDelivered:      {StatusCompleted},
}

// IsValid validates the status
func (s Status) IsValid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

// IsTerminal returns true for completed and cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HoldsDriver returns true for the statuses in which a driver is assigned.
func (s Status) HoldsDriver() bool {
	switch s {
	case StatusConfirmed, StatusEnRoute, StatusGoodsCollected, StatusDelivered, StatusCompleted:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HistoryEntry records when a booking entered a status.
type HistoryEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Booking represents a vehicle booking
type Booking struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	DriverID      *string            `json:"driver_id,omitempty"`
	Pickup        geo.Point          `json:"pickup_point"`
	Dropoff       geo.Point          `json:"dropoff_point"`
	VehicleType   driver.VehicleType `json:"vehicle_type"`
	Price         float64            `json:"price"`
	Status        Status             `json:"status"`
	History       []HistoryEntry     `json:"status_history"`
	ScheduledTime *time.Time         `json:"scheduled_time,omitempty"`
	CancelReason  string             `json:"cancel_reason,omitempty"`
	Version       int                `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// New creates a booking in its entry status: scheduled when scheduledTime
// is set, pending otherwise.
func New(id, userID string, pickup, dropoff geo.Point, vt driver.VehicleType, price float64, scheduledTime *time.Time, now time.Time) *Booking {
	status := StatusPending
	if scheduledTime != nil {
		status = StatusScheduled
	}
	return &Booking{
		ID:            id,
		UserID:        userID,
		Pickup:        pickup,
		Dropoff:       dropoff,
		VehicleType:   vt,
		Price:         price,
		Status:        status,
		History:       []HistoryEntry{{Status: status, Timestamp: now}},
		ScheduledTime: scheduledTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Apply moves the booking to status to. driverID is required when entering
// confirmed. The history timestamp never goes backwards, so at is clamped
// to the last entry.
func (b *Booking) Apply(to Status, at time.Time, driverID, reason string) error {
	if !CanTransition(b.Status, to) {
		return &TransitionError{From: b.Status, To: to}
	}
	if to == StatusConfirmed && driverID == "" {
		return ErrMissingDriver
	}

	if n := len(b.History); n > 0 && at.Before(b.History[n-1].Timestamp) {
		at = b.History[n-1].Timestamp
	}

	switch to {
	case StatusConfirmed:
		id := driverID
		b.DriverID = &id
	case StatusCancelled:
		b.DriverID = nil
		b.CancelReason = reason
	}

	b.Status = to
	b.History = append(b.History, HistoryEntry{Status: to, Timestamp: at})
	b.UpdatedAt = at
	return nil
}

// AssignedDriver returns the assigned driver ID or "".
func (b *Booking) AssignedDriver() string {
	if b.DriverID == nil {
		return ""
	}
	return *b.DriverID
}

// IsScheduled returns true for bookings with a future pickup time.
func (b *Booking) IsScheduled() bool {
	return b.ScheduledTime != nil
}

// Clone returns a deep copy.
func (b *Booking) Clone() *Booking {
	c := *b
	if b.DriverID != nil {
		id := *b.DriverID
		c.DriverID = &id
	}
	if b.ScheduledTime != nil {
		st := *b.ScheduledTime
		c.ScheduledTime = &st
	}
	c.History = append([]HistoryEntry(nil), b.History...)
	return &c
}

// Repository interface
type Repository interface {
	GetBooking(ctx context.Context, id string) (*Booking, error)
	// SaveBooking inserts a new booking (Version 0) or updates an existing one
	// whose stored version equals b.Version. On success b.Version is incremented.
	SaveBooking(ctx context.Context, b *Booking) error
}
