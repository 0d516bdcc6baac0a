package geo

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidCoordinates is returned for latitudes outside [-90,90] or
// longitudes outside [-180,180].
var ErrInvalidCoordinates = errors.New("invalid coordinates")

const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Validate checks the coordinate ranges. NaN and Inf are rejected.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return fmt.Errorf("%w: not a number", ErrInvalidCoordinates)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidCoordinates, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidCoordinates, p.Lon)
	}
	return nil
}

// HaversineKm returns the great-circle distance between two points in kilometers.
func HaversineKm(a, b Point) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
