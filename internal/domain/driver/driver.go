package driver

import (
	"time"

	"github.com/gocomet/logistics-dispatch/internal/geo"
)

// VehicleType represents the type of vehicle a driver operates
type VehicleType string

const (
	VehicleRefrigeratedTruck VehicleType = "refrigerated_truck"
	VehicleVan               VehicleType = "van"
	VehicleTruck             VehicleType = "truck"
)

// VehicleTypes lists every supported vehicle type.
var VehicleTypes = []VehicleType{VehicleRefrigeratedTruck, VehicleVan, VehicleTruck}

// IsValid validates the vehicle type
func (v VehicleType) IsValid() bool {
	switch v {
	case VehicleRefrigeratedTruck, VehicleVan, VehicleTruck:
		return true
	}
	return false
}

// Record is the last known state of a connected driver.
//
// Cell is always the grid cell containing Location; the geo index holds the
// driver in exactly that cell. While ClaimedBy names a booking the driver is
// never available, whatever the driver itself reports.
type Record struct {
	DriverID    string      `json:"driver_id"`
	VehicleID   string      `json:"vehicle_id"`
	Location    geo.Point   `json:"location"`
	Cell        geo.CellID  `json:"cell"`
	VehicleType VehicleType `json:"vehicle_type"`
	IsAvailable bool        `json:"is_available"`
	ClaimedBy   string      `json:"claimed_by,omitempty"`
	LastUpdated time.Time   `json:"last_updated"`
}

// CanAcceptBookings returns true if the driver may be matched for the given vehicle type
func (r *Record) CanAcceptBookings(vt VehicleType) bool {
	return r.IsAvailable && r.VehicleType == vt
}

// Expired reports whether the record has gone without an update for longer than ttl.
func (r *Record) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.LastUpdated) > ttl
}

// MaintenancePeriod is a window during which a vehicle must not be matched.
type MaintenancePeriod struct {
	VehicleID string    `json:"vehicle_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Reason    string    `json:"reason,omitempty"`
}

// Covers reports whether t falls inside [Start, End).
func (m MaintenancePeriod) Covers(t time.Time) bool {
	return !t.Before(m.Start) && t.Before(m.End)
}
