// Package storage persists bookings, driver snapshots and maintenance
// periods. Every collaborator failure wraps ErrUnavailable.
package storage

import (
	"context"
	"errors"

	"github.com/gocomet/logistics-dispatch/internal/domain/booking"
	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
)

// ErrUnavailable reports that the backing store could not be reached.
var ErrUnavailable = errors.New("storage unavailable")

// Store is the persistence collaborator consumed by the dispatch core.
type Store interface {
	booking.Repository
	driver.Repository

	Ping(ctx context.Context) error
	Close() error
}
