package driver

import (
	"context"
	"time"
)

// Repository defines the interface for driver data access
type Repository interface {
	// GetDriver retrieves the persisted snapshot of a driver
	GetDriver(ctx context.Context, driverID string) (*Record, error)

	// SaveDriver upserts a driver snapshot
	SaveDriver(ctx context.Context, record *Record) error

	// GetMaintenancePeriods returns the periods of a vehicle that cover at
	GetMaintenancePeriods(ctx context.Context, vehicleID string, at time.Time) ([]MaintenancePeriod, error)
}
