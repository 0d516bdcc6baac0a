package pricing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
	"github.com/gocomet/logistics-dispatch/internal/messaging"
)

var (
	offPeak = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	peak    = time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC)
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(client, geo.NewH3Grid(geo.Resolution), nil, DefaultConfig()), mr
}

func TestPrice_BaseCalculation(t *testing.T) {
	service := NewService(nil, geo.NewH3Grid(geo.Resolution), nil, DefaultConfig())

	tests := []struct {
		name        string
		vehicleType driver.VehicleType
		distanceKm  float64
		demand      float64
		at          time.Time
		expected    float64
	}{
		{
			name:        "Van 10km off peak",
			vehicleType: driver.VehicleVan,
			distanceKm:  10.0,
			demand:      1.0,
			at:          offPeak,
			expected:    35.0, // 10 + (10*2.5)
		},
		{
			name:        "Truck 20km off peak",
			vehicleType: driver.VehicleTruck,
			distanceKm:  20.0,
			demand:      1.0,
			at:          offPeak,
			expected:    82.5, // 12.5 + (20*3.5)
		},
		{
			name:        "Refrigerated 10km peak",
			vehicleType: driver.VehicleRefrigeratedTruck,
			distanceKm:  10.0,
			demand:      1.0,
			at:          peak,
			expected:    67.5, // (15 + 30) * 1.5
		},
		{
			name:        "Short trip hits minimum",
			vehicleType: driver.VehicleVan,
			distanceKm:  1.0,
			demand:      1.0,
			at:          offPeak,
			expected:    20.0,
		},
		{
			name:        "Surge capped at 3x",
			vehicleType: driver.VehicleVan,
			distanceKm:  10.0,
			demand:      2.5,
			at:          peak,
			expected:    105.0, // 35 * min(2.5*1.5, 3)
		},
		{
			name:        "Very long trip hits maximum",
			vehicleType: driver.VehicleTruck,
			distanceKm:  5000.0,
			demand:      3.0,
			at:          offPeak,
			expected:    10000.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := service.Price(tt.distanceKm, tt.vehicleType, tt.demand, tt.at)
			assert.InDelta(t, tt.expected, got, 0.001)
		})
	}
}

func TestPrice_IsAFunc(t *testing.T) {
	service := NewService(nil, geo.NewH3Grid(geo.Resolution), nil, DefaultConfig())
	var f Func = service.Price
	assert.Equal(t, f(10, driver.VehicleVan, 1, offPeak), f(10, driver.VehicleVan, 1, offPeak))
}

func TestSurgeMultiplier_Clamped(t *testing.T) {
	service := NewService(nil, nil, nil, DefaultConfig())

	assert.Equal(t, 1.0, service.SurgeMultiplier(0.2, offPeak))
	assert.Equal(t, 1.5, service.SurgeMultiplier(1.0, peak))
	assert.Equal(t, 3.0, service.SurgeMultiplier(10, offPeak))
}

func TestDemand_RoundTripThroughRedis(t *testing.T) {
	ctx := context.Background()
	service, mr := newTestService(t)
	cell, err := service.grid.CellOf(geo.Point{Lat: 37.7749, Lon: -122.4194})
	require.NoError(t, err)

	assert.Equal(t, 1.0, service.GetDemand(ctx, cell), "no key means no surge")

	require.NoError(t, service.SetDemand(ctx, cell, 2.0))
	assert.Equal(t, 2.0, service.GetDemand(ctx, cell))
	assert.Equal(t, time.Hour, mr.TTL("demand:"+cell.String()))

	require.NoError(t, mr.Set("demand:"+cell.String(), "9"))
	assert.Equal(t, 3.0, service.GetDemand(ctx, cell))
}

func TestQuote(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)
	pickup := geo.Point{Lat: 37.7749, Lon: -122.4194}
	dropoff := geo.Point{Lat: 37.8044, Lon: -122.2712}

	fare, err := service.Quote(ctx, pickup, dropoff, driver.VehicleVan, offPeak)
	require.NoError(t, err)
	assert.InDelta(t, geo.HaversineKm(pickup, dropoff), fare.DistanceKM, 1e-9)
	assert.Equal(t, 1.0, fare.SurgeMultiplier)
	assert.InDelta(t, 10+fare.DistanceKM*2.5, fare.Total, 0.001)

	_, err = service.Quote(ctx, pickup, dropoff, "bike", offPeak)
	assert.ErrorIs(t, err, driver.ErrInvalidVehicleType)

	_, err = service.Quote(ctx, pickup, geo.Point{Lat: 100}, driver.VehicleVan, offPeak)
	assert.ErrorIs(t, err, driver.ErrInvalidCoordinates)
}

func TestHandleDemandUpdate(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)
	cell, err := service.grid.CellOf(geo.Point{Lat: 37.7749, Lon: -122.4194})
	require.NoError(t, err)

	payload, err := json.Marshal(DemandUpdate{Cell: cell.String(), Demand: 1.8})
	require.NoError(t, err)

	require.NoError(t, service.HandleDemandUpdate(ctx, messaging.Message{Payload: payload}))
	assert.Equal(t, 1.8, service.GetDemand(ctx, cell))

	assert.Error(t, service.HandleDemandUpdate(ctx, messaging.Message{Payload: []byte(`{"h3_index":"zz"}`)}))
}

func TestCalculateSurgeBasedOnDemand(t *testing.T) {
	service := NewService(nil, nil, nil, DefaultConfig())

	tests := []struct {
		name     string
		bookings int
		drivers  int
		expected float64
	}{
		{"no drivers", 5, 0, 3.0},
		{"low demand", 1, 10, 1.0},
		{"balanced", 3, 4, 1.375},
		{"high demand", 15, 10, 2.0},
		{"extreme demand", 100, 10, 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, service.CalculateSurgeBasedOnDemand(tt.bookings, tt.drivers), 0.001)
		})
	}
}
