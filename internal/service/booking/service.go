package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gocomet/logistics-dispatch/internal/domain/booking"
	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
	"github.com/gocomet/logistics-dispatch/internal/observability"
	"github.com/gocomet/logistics-dispatch/internal/service/matching"
	"github.com/gocomet/logistics-dispatch/internal/service/pricing"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
	"github.com/gocomet/logistics-dispatch/pkg/monitoring"
)

// Matcher finds a driver for a pickup at a given time and claims it for a
// booking.
type Matcher interface {
	MatchAt(ctx context.Context, bookingID string, pickup geo.Point, vt driver.VehicleType, at time.Time) (string, bool, error)
}

// Scheduler arranges a future ProcessScheduled call.
type Scheduler interface {
	Schedule(ctx context.Context, bookingID string, at time.Time) error
}

// DemandSource reports the demand factor of a cell.
type DemandSource interface {
	GetDemand(ctx context.Context, cell geo.CellID) float64
}

// ResultKind says how a booking request ended.
type ResultKind string

const (
	ResultConfirmed ResultKind = "confirmed"
	ResultScheduled ResultKind = "scheduled"
	ResultNoDriver  ResultKind = "no_driver_available"
	// ResultUnchanged is returned by the Process methods when the booking had
	// already left its entry status.
	ResultUnchanged ResultKind = "unchanged"
)

// CreateRequest is a booking request.
type CreateRequest struct {
	UserID        string
	Pickup        geo.Point
	Dropoff       geo.Point
	VehicleType   driver.VehicleType
	ScheduledTime *time.Time
}

// Result is the outcome of a request or a processing run.
type Result struct {
	Kind     ResultKind       `json:"result"`
	Booking  *booking.Booking `json:"booking"`
	DriverID string           `json:"driver_id,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// Service creates bookings and allocates drivers to them.
type Service struct {
	repo      booking.Repository
	machine   *Machine
	matcher   Matcher
	drivers   DriverReleaser
	price     pricing.Func
	demand    DemandSource
	grid      geo.Grid
	scheduler Scheduler
	nr        *monitoring.NewRelicApp
	logger    *logger.Logger
	now       func() time.Time
	newID     func() string
}

// NewService creates the booking service. demand may be nil, in which case
// every cell has neutral demand.
func NewService(repo booking.Repository, machine *Machine, matcher Matcher, drivers DriverReleaser,
	price pricing.Func, demand DemandSource, grid geo.Grid, nr *monitoring.NewRelicApp, log *logger.Logger) *Service {
	return &Service{
		repo:    repo,
		machine: machine,
		matcher: matcher,
		drivers: drivers,
		price:   price,
		demand:  demand,
		grid:    grid,
		nr:      nr,
		logger:  log.Named("booking"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// SetScheduler attaches the scheduler. The scheduler calls back into
// ProcessScheduled, so it is wired after construction.
func (s *Service) SetScheduler(sched Scheduler) {
	s.scheduler = sched
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Machine exposes the state machine for direct status changes.
func (s *Service) Machine() *Machine {
	return s.machine
}

// Get returns a booking.
func (s *Service) Get(ctx context.Context, id string) (*booking.Booking, error) {
	return s.repo.GetBooking(ctx, id)
}

func (s *Service) validate(req CreateRequest, now time.Time) error {
	if req.UserID == "" {
		return booking.ErrMissingUser
	}
	if err := req.Pickup.Validate(); err != nil {
		return fmt.Errorf("%w: pickup: %v", driver.ErrInvalidCoordinates, err)
	}
	if err := req.Dropoff.Validate(); err != nil {
		return fmt.Errorf("%w: dropoff: %v", driver.ErrInvalidCoordinates, err)
	}
	if !req.VehicleType.IsValid() {
		return fmt.Errorf("%w: %q", driver.ErrInvalidVehicleType, req.VehicleType)
	}
	if req.ScheduledTime != nil && req.ScheduledTime.Before(now) {
		return booking.ErrScheduledInPast
	}
	if req.ScheduledTime != nil && s.scheduler == nil {
		return errors.New("scheduled bookings are not enabled")
	}
	return nil
}

// Create validates, prices and stores a booking. Immediate bookings are
// matched before Create returns; scheduled ones are handed to the scheduler.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	now := s.now()
	if err := s.validate(req, now); err != nil {
		return nil, err
	}

	cell, err := s.grid.CellOf(req.Pickup)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrInvalidCoordinates, err)
	}
	demand := 1.0
	if s.demand != nil {
		demand = s.demand.GetDemand(ctx, cell)
	}

	at := now
	var scheduled *time.Time
	if req.ScheduledTime != nil {
		st := req.ScheduledTime.UTC()
		scheduled = &st
		at = st
	}

	price := s.price(geo.HaversineKm(req.Pickup, req.Dropoff), req.VehicleType, demand, at)
	b := booking.New(s.newID(), req.UserID, req.Pickup, req.Dropoff, req.VehicleType, price, scheduled, now)

	if err := s.repo.SaveBooking(ctx, b); err != nil {
		observability.BookingsCreated.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("save booking: %w", err)
	}

	s.logger.Info("Booking created",
		logger.String("booking_id", b.ID),
		logger.String("user_id", b.UserID),
		logger.String("vehicle_type", string(b.VehicleType)),
		logger.String("status", string(b.Status)),
		logger.Float64("price", b.Price),
	)

	var res *Result
	if scheduled != nil {
		res, err = s.schedule(ctx, b)
	} else {
		res, err = s.ProcessImmediate(ctx, b.ID)
	}
	if err != nil {
		observability.BookingsCreated.WithLabelValues("error").Inc()
		return nil, err
	}

	observability.BookingsCreated.WithLabelValues(string(res.Kind)).Inc()
	s.nr.RecordBookingCreated(string(b.VehicleType), string(res.Kind), b.Price)
	return res, nil
}

func (s *Service) schedule(ctx context.Context, b *booking.Booking) (*Result, error) {
	if err := s.scheduler.Schedule(ctx, b.ID, *b.ScheduledTime); err != nil {
		s.logger.Error("Failed to schedule booking",
			logger.String("booking_id", b.ID),
			logger.Err(err),
		)
		if _, cerr := s.machine.Transition(ctx, b.ID, booking.StatusCancelled, WithReason("scheduling failed")); cerr != nil {
			s.logger.Error("Failed to cancel unschedulable booking",
				logger.String("booking_id", b.ID),
				logger.Err(cerr),
			)
		}
		return nil, fmt.Errorf("schedule booking %s: %w", b.ID, err)
	}
	return &Result{Kind: ResultScheduled, Booking: b}, nil
}

// ProcessImmediate matches a pending booking.
func (s *Service) ProcessImmediate(ctx context.Context, id string) (*Result, error) {
	return s.process(ctx, id, booking.StatusPending)
}

// ProcessScheduled matches a scheduled booking whose time has come. A
// booking that is no longer scheduled is left alone.
func (s *Service) ProcessScheduled(ctx context.Context, id string) (*Result, error) {
	return s.process(ctx, id, booking.StatusScheduled)
}

func (s *Service) process(ctx context.Context, id string, entry booking.Status) (*Result, error) {
	b, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != entry {
		s.logger.Debug("Booking already processed",
			logger.String("booking_id", id),
			logger.String("status", string(b.Status)),
		)
		return &Result{Kind: ResultUnchanged, Booking: b}, nil
	}

	at := s.now()
	if b.ScheduledTime != nil {
		at = *b.ScheduledTime
	}

	driverID, ok, err := s.matcher.MatchAt(ctx, id, b.Pickup, b.VehicleType, at)
	if err != nil {
		return nil, fmt.Errorf("match booking %s: %w", id, err)
	}

	if !ok {
		reason := matching.ErrNoDriverAvailable.Error()
		cancelled, err := s.machine.Transition(ctx, id, booking.StatusCancelled, WithReason(reason))
		if err != nil {
			return nil, err
		}
		return &Result{Kind: ResultNoDriver, Booking: cancelled, Reason: reason}, nil
	}

	confirmed, err := s.machine.Transition(ctx, id, booking.StatusConfirmed, WithDriver(driverID))
	if err != nil {
		// the claim must not outlive a failed assignment
		if rerr := s.drivers.Release(driverID, id); rerr != nil {
			s.logger.Error("Failed to release claimed driver",
				logger.String("driver_id", driverID),
				logger.String("booking_id", id),
				logger.Err(rerr),
			)
		}
		return nil, err
	}
	return &Result{Kind: ResultConfirmed, Booking: confirmed, DriverID: driverID}, nil
}

type jobCanceller interface {
	Cancel(ctx context.Context, bookingID string) error
}

// UpdateStatus applies a status change requested from outside the matching
// flow. Confirmation is refused: only a match may assign a driver, since
// only a match holds the driver's claim. Cancelling a scheduled booking also
// drops its pending job.
func (s *Service) UpdateStatus(ctx context.Context, id string, to booking.Status, opts ...Option) (*booking.Booking, error) {
	if to == booking.StatusConfirmed {
		return nil, fmt.Errorf("%w: booking %s", booking.ErrAssignedByMatching, id)
	}
	b, err := s.machine.Transition(ctx, id, to, opts...)
	if err != nil {
		return nil, err
	}
	if to == booking.StatusCancelled && b.IsScheduled() {
		if jc, ok := s.scheduler.(jobCanceller); ok {
			if err := jc.Cancel(ctx, id); err != nil {
				// the job fires later and finds the booking cancelled
				s.logger.Warn("Failed to drop scheduled job",
					logger.String("booking_id", id),
					logger.Err(err),
				)
			}
		}
	}
	return b, nil
}
