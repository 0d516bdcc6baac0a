package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocomet/logistics-dispatch/internal/domain/booking"
	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
)

// MemoryStore keeps everything in process. It backs tests and single-node
// deployments without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	bookings    map[string]*booking.Booking
	drivers     map[string]*driver.Record
	maintenance map[string][]driver.MaintenancePeriod
	failure     error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:    make(map[string]*booking.Booking),
		drivers:     make(map[string]*driver.Record),
		maintenance: make(map[string][]driver.MaintenancePeriod),
	}
}

// SetFailure makes every subsequent call fail with err wrapped in
// ErrUnavailable. A nil err restores normal operation.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// AddMaintenancePeriod registers a maintenance window for a vehicle.
func (s *MemoryStore) AddMaintenancePeriod(p driver.MaintenancePeriod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintenance[p.VehicleID] = append(s.maintenance[p.VehicleID], p)
}

func (s *MemoryStore) failed() error {
	if s.failure != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, s.failure)
	}
	return nil
}

func (s *MemoryStore) GetBooking(_ context.Context, id string) (*booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed(); err != nil {
		return nil, err
	}

	b, ok := s.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) SaveBooking(_ context.Context, b *booking.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}

	current, exists := s.bookings[b.ID]
	switch {
	case b.Version == 0 && exists:
		return fmt.Errorf("%w: booking %s already exists", booking.ErrConflict, b.ID)
	case b.Version > 0 && !exists:
		return booking.ErrNotFound
	case exists && current.Version != b.Version:
		return fmt.Errorf("%w: booking %s at version %d, have %d", booking.ErrConflict, b.ID, current.Version, b.Version)
	}

	b.Version++
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) GetDriver(_ context.Context, driverID string) (*driver.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed(); err != nil {
		return nil, err
	}

	r, ok := s.drivers[driverID]
	if !ok {
		return nil, driver.ErrDriverNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) SaveDriver(_ context.Context, r *driver.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}

	cp := *r
	s.drivers[r.DriverID] = &cp
	return nil
}

func (s *MemoryStore) GetMaintenancePeriods(_ context.Context, vehicleID string, at time.Time) ([]driver.MaintenancePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed(); err != nil {
		return nil, err
	}

	var out []driver.MaintenancePeriod
	for _, p := range s.maintenance[vehicleID] {
		if p.Covers(at) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failed()
}

func (s *MemoryStore) Close() error { return nil }
