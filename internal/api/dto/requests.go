package dto

import (
	"time"

	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
	"github.com/gocomet/logistics-dispatch/internal/service/tracking"
)

// PointRequest is a coordinate pair. Pointers so that 0 is accepted while a
// missing field is not.
type PointRequest struct {
	Latitude  *float64 `json:"latitude" binding:"required"`
	Longitude *float64 `json:"longitude" binding:"required"`
}

func (p PointRequest) Point() geo.Point {
	return geo.Point{Lat: *p.Latitude, Lon: *p.Longitude}
}

// UpdateLocationRequest represents a driver location update
type UpdateLocationRequest struct {
	PointRequest
	VehicleType string     `json:"vehicle_type" binding:"required"`
	VehicleID   string     `json:"vehicle_id"`
	IsAvailable *bool      `json:"is_available" binding:"required"`
	Timestamp   *time.Time `json:"timestamp"`
}

// Report converts the request for driverID.
func (r UpdateLocationRequest) Report(driverID string) tracking.Report {
	rep := tracking.Report{
		DriverID:    driverID,
		VehicleID:   r.VehicleID,
		Latitude:    *r.Latitude,
		Longitude:   *r.Longitude,
		VehicleType: driver.VehicleType(r.VehicleType),
		IsAvailable: *r.IsAvailable,
	}
	if r.Timestamp != nil {
		rep.Timestamp = *r.Timestamp
	}
	return rep
}

// BatchLocationRequest carries many reports. Entries are validated one by
// one by the registry, not by binding, so one bad entry does not reject the
// batch.
type BatchLocationRequest struct {
	Reports []tracking.Report `json:"reports" binding:"required"`
}

// AvailabilityRequest toggles whether a driver takes bookings
type AvailabilityRequest struct {
	IsAvailable *bool `json:"is_available" binding:"required"`
}

// CreateBookingRequest represents a booking request
type CreateBookingRequest struct {
	UserID        string       `json:"user_id" binding:"required"`
	Pickup        PointRequest `json:"pickup_point" binding:"required"`
	Dropoff       PointRequest `json:"dropoff_point" binding:"required"`
	VehicleType   string       `json:"vehicle_type" binding:"required"`
	ScheduledTime *time.Time   `json:"scheduled_time"`
}

// UpdateStatusRequest moves a booking through its lifecycle. Drivers are
// assigned by matching, so confirmed is not accepted here.
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// QuoteRequest asks for a fare without creating a booking
type QuoteRequest struct {
	Pickup        PointRequest `json:"pickup_point" binding:"required"`
	Dropoff       PointRequest `json:"dropoff_point" binding:"required"`
	VehicleType   string       `json:"vehicle_type" binding:"required"`
	ScheduledTime *time.Time   `json:"scheduled_time"`
}

// LocationResponse acknowledges a single report
type LocationResponse struct {
	DriverID string    `json:"driver_id"`
	Outcome  string    `json:"outcome"`
	Cell     string    `json:"h3_index,omitempty"`
	At       time.Time `json:"timestamp"`
}

// DriverResponse is a registry snapshot of one driver
type DriverResponse struct {
	DriverID    string    `json:"driver_id"`
	VehicleID   string    `json:"vehicle_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Cell        string    `json:"h3_index"`
	VehicleType string    `json:"vehicle_type"`
	IsAvailable bool      `json:"is_available"`
	LastUpdated time.Time `json:"last_updated"`
}

func NewDriverResponse(rec driver.Record) DriverResponse {
	return DriverResponse{
		DriverID:    rec.DriverID,
		VehicleID:   rec.VehicleID,
		Latitude:    rec.Location.Lat,
		Longitude:   rec.Location.Lon,
		Cell:        rec.Cell.String(),
		VehicleType: string(rec.VehicleType),
		IsAvailable: rec.IsAvailable,
		LastUpdated: rec.LastUpdated,
	}
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
