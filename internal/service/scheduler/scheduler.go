// Package scheduler fires scheduled bookings when their pickup time comes.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/gocomet/logistics-dispatch/internal/domain/booking"
	"github.com/gocomet/logistics-dispatch/internal/observability"
	bookingsvc "github.com/gocomet/logistics-dispatch/internal/service/booking"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

// Processor runs a due booking.
type Processor interface {
	ProcessScheduled(ctx context.Context, bookingID string) (*bookingsvc.Result, error)
}

// Config holds scheduler configuration
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	RetryDelay   time.Duration // delay before a job that failed is tried again
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
}

// Scheduler polls the queue and hands due bookings to the processor.
type Scheduler struct {
	queue     Queue
	processor Processor
	config    Config
	logger    *logger.Logger
	now       func() time.Time
}

func New(queue Queue, processor Processor, log *logger.Logger, config Config) *Scheduler {
	config.defaults()
	return &Scheduler{
		queue:     queue,
		processor: processor,
		config:    config,
		logger:    log.Named("scheduler"),
		now:       time.Now,
	}
}

// Schedule arranges for bookingID to be processed at at.
func (s *Scheduler) Schedule(ctx context.Context, bookingID string, at time.Time) error {
	if err := s.queue.Add(ctx, bookingID, at); err != nil {
		return err
	}
	s.logger.Info("Booking scheduled",
		logger.String("booking_id", bookingID),
		logger.Time("at", at),
	)
	return nil
}

// Cancel drops a pending job. Unknown ids are ignored.
func (s *Scheduler) Cancel(ctx context.Context, bookingID string) error {
	return s.queue.Remove(ctx, bookingID)
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started", logger.Duration("poll_interval", s.config.PollInterval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes every job due now and returns how many were taken.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	taken := 0
	for {
		ids, err := s.queue.PopDue(ctx, now, s.config.BatchSize)
		if err != nil {
			s.logger.Error("Failed to read due bookings", logger.Err(err))
		}
		for _, id := range ids {
			s.fire(ctx, id, now)
		}
		taken += len(ids)
		if err != nil || len(ids) < s.config.BatchSize {
			return taken
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, id string, now time.Time) {
	res, err := s.processor.ProcessScheduled(ctx, id)
	switch {
	case err == nil:
		observability.ScheduledJobs.WithLabelValues(string(res.Kind)).Inc()
		s.logger.Info("Scheduled booking processed",
			logger.String("booking_id", id),
			logger.String("result", string(res.Kind)),
		)
	case errors.Is(err, booking.ErrNotFound):
		observability.ScheduledJobs.WithLabelValues("dropped").Inc()
		s.logger.Warn("Scheduled booking no longer exists", logger.String("booking_id", id))
	default:
		observability.ScheduledJobs.WithLabelValues("retry").Inc()
		s.logger.Error("Scheduled booking failed, will retry",
			logger.String("booking_id", id),
			logger.Err(err),
		)
		if qerr := s.queue.Add(ctx, id, now.Add(s.config.RetryDelay)); qerr != nil {
			s.logger.Error("Failed to requeue booking",
				logger.String("booking_id", id),
				logger.Err(qerr),
			)
		}
	}
}
