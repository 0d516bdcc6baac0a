package matching

import (
	"context"
	"time"

	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
)

// MaintenanceChecker reports whether a vehicle is out of service at a time.
type MaintenanceChecker interface {
	UnderMaintenance(ctx context.Context, vehicleID string, at time.Time) (bool, error)
}

// StoreMaintenance answers from the persisted maintenance periods.
type StoreMaintenance struct {
	repo driver.Repository
}

func NewStoreMaintenance(repo driver.Repository) *StoreMaintenance {
	return &StoreMaintenance{repo: repo}
}

func (m *StoreMaintenance) UnderMaintenance(ctx context.Context, vehicleID string, at time.Time) (bool, error) {
	periods, err := m.repo.GetMaintenancePeriods(ctx, vehicleID, at)
	if err != nil {
		return false, err
	}
	for _, p := range periods {
		if p.Covers(at) {
			return true, nil
		}
	}
	return false, nil
}
