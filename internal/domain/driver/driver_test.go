package driver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVehicleType_IsValid(t *testing.T) {
	for _, vt := range VehicleTypes {
		assert.True(t, vt.IsValid(), "%s should be valid", vt)
	}
	assert.False(t, VehicleType("economy").IsValid())
	assert.False(t, VehicleType("").IsValid())
}

func TestRecord_CanAcceptBookings(t *testing.T) {
	tests := []struct {
		name      string
		record    Record
		requested VehicleType
		want      bool
	}{
		{"available and matching", Record{VehicleType: VehicleVan, IsAvailable: true}, VehicleVan, true},
		{"unavailable", Record{VehicleType: VehicleVan}, VehicleVan, false},
		{"wrong vehicle", Record{VehicleType: VehicleTruck, IsAvailable: true}, VehicleVan, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.CanAcceptBookings(tt.requested))
		})
	}
}

func TestRecord_Expired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := Record{LastUpdated: now.Add(-6 * time.Minute)}

	assert.True(t, r.Expired(now, 5*time.Minute))
	assert.False(t, r.Expired(now, 10*time.Minute))
}

func TestMaintenancePeriod_Covers(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	m := MaintenancePeriod{VehicleID: "v1", Start: start, End: start.Add(2 * time.Hour)}

	assert.True(t, m.Covers(start))
	assert.True(t, m.Covers(start.Add(time.Hour)))
	assert.False(t, m.Covers(start.Add(2*time.Hour)), "end is exclusive")
	assert.False(t, m.Covers(start.Add(-time.Second)))
}

func TestErrors_WrapValidation(t *testing.T) {
	for _, err := range []error{ErrInvalidDriverID, ErrInvalidCoordinates, ErrInvalidVehicleType} {
		assert.True(t, errors.Is(err, ErrValidation), err.Error())
	}
	assert.False(t, errors.Is(ErrDriverNotFound, ErrValidation))
}
