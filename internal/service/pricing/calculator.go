package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
	"github.com/gocomet/logistics-dispatch/internal/messaging"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
	"github.com/gocomet/logistics-dispatch/pkg/monitoring"
)

// Func prices a trip. It must be pure: the same inputs give the same price.
type Func func(distanceKM float64, vehicleType driver.VehicleType, demand float64, at time.Time) float64

// HourRange is a half-open range of hours [Start, End).
type HourRange struct {
	Start int
	End   int
}

// Config holds pricing configuration
type Config struct {
	BaseFare           map[driver.VehicleType]float64
	PerKMRate          map[driver.VehicleType]float64
	MinPrice           float64
	MaxPrice           float64
	PeakHours          []HourRange
	PeakMultiplier     float64
	MaxSurgeMultiplier float64
	MinSurgeMultiplier float64
	DemandTTL          time.Duration
}

// DefaultConfig returns the standard fare table.
func DefaultConfig() Config {
	return Config{
		BaseFare: map[driver.VehicleType]float64{
			driver.VehicleRefrigeratedTruck: 15.0,
			driver.VehicleVan:               10.0,
			driver.VehicleTruck:             12.5,
		},
		PerKMRate: map[driver.VehicleType]float64{
			driver.VehicleRefrigeratedTruck: 3.0,
			driver.VehicleVan:               2.5,
			driver.VehicleTruck:             3.5,
		},
		MinPrice:           20.0,
		MaxPrice:           10000.0,
		PeakHours:          []HourRange{{6, 9}, {17, 20}},
		PeakMultiplier:     1.5,
		MaxSurgeMultiplier: 3.0,
		MinSurgeMultiplier: 1.0,
		DemandTTL:          time.Hour,
	}
}

// FareBreakdown represents the breakdown of a fare
type FareBreakdown struct {
	BaseFare        float64 `json:"base_fare"`
	DistanceKM      float64 `json:"distance_km"`
	DistanceFare    float64 `json:"distance_fare"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	Subtotal        float64 `json:"subtotal"`
	Total           float64 `json:"total"`
}

// Service handles fare calculation
type Service struct {
	redis  *redis.Client
	grid   geo.Grid
	config Config
	nr     *monitoring.NewRelicApp
}

// NewService creates a new pricing service. redis may be nil, in which case
// demand is always neutral.
func NewService(redis *redis.Client, grid geo.Grid, nr *monitoring.NewRelicApp, config Config) *Service {
	return &Service{
		redis:  redis,
		grid:   grid,
		config: config,
		nr:     nr,
	}
}

// Price implements Func.
func (s *Service) Price(distanceKM float64, vehicleType driver.VehicleType, demand float64, at time.Time) float64 {
	return s.breakdown(distanceKM, vehicleType, demand, at).Total
}

func (s *Service) breakdown(distanceKM float64, vehicleType driver.VehicleType, demand float64, at time.Time) *FareBreakdown {
	baseFare := s.config.BaseFare[vehicleType]
	distanceFare := distanceKM * s.config.PerKMRate[vehicleType]
	subtotal := baseFare + distanceFare

	surge := s.SurgeMultiplier(demand, at)
	total := subtotal * surge

	if total < s.config.MinPrice {
		total = s.config.MinPrice
	}
	if s.config.MaxPrice > 0 && total > s.config.MaxPrice {
		total = s.config.MaxPrice
	}

	return &FareBreakdown{
		BaseFare:        baseFare,
		DistanceKM:      distanceKM,
		DistanceFare:    distanceFare,
		SurgeMultiplier: surge,
		Subtotal:        subtotal,
		Total:           total,
	}
}

// SurgeMultiplier combines demand and time of day, capped at the maximum.
func (s *Service) SurgeMultiplier(demand float64, at time.Time) float64 {
	demand = s.clamp(demand)

	multiplier := demand
	if s.isPeak(at) {
		multiplier *= s.config.PeakMultiplier
	}
	if multiplier > s.config.MaxSurgeMultiplier {
		return s.config.MaxSurgeMultiplier
	}
	return multiplier
}

func (s *Service) isPeak(at time.Time) bool {
	hour := at.UTC().Hour()
	for _, r := range s.config.PeakHours {
		if hour >= r.Start && hour < r.End {
			return true
		}
	}
	return false
}

func (s *Service) clamp(v float64) float64 {
	if v > s.config.MaxSurgeMultiplier {
		return s.config.MaxSurgeMultiplier
	}
	if v < s.config.MinSurgeMultiplier {
		return s.config.MinSurgeMultiplier
	}
	return v
}

// Quote prices a trip between two points using the demand recorded for the
// pickup cell.
func (s *Service) Quote(ctx context.Context, pickup, dropoff geo.Point, vehicleType driver.VehicleType, at time.Time) (*FareBreakdown, error) {
	if !vehicleType.IsValid() {
		return nil, fmt.Errorf("%w: %q", driver.ErrInvalidVehicleType, vehicleType)
	}
	cell, err := s.grid.CellOf(pickup)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrInvalidCoordinates, err)
	}
	if err := dropoff.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrInvalidCoordinates, err)
	}

	demand := s.GetDemand(ctx, cell)
	fare := s.breakdown(geo.HaversineKm(pickup, dropoff), vehicleType, demand, at)
	s.nr.RecordSurgeMultiplier(cell.String(), fare.SurgeMultiplier)
	return fare, nil
}

func demandKey(cell geo.CellID) string {
	return fmt.Sprintf("demand:%s", cell)
}

// GetDemand gets the current demand factor for a cell
func (s *Service) GetDemand(ctx context.Context, cell geo.CellID) float64 {
	if s.redis == nil {
		return s.config.MinSurgeMultiplier
	}
	val, err := s.redis.Get(ctx, demandKey(cell)).Float64()
	if err != nil {
		return s.config.MinSurgeMultiplier // Default no surge
	}
	return s.clamp(val)
}

// SetDemand sets the demand factor for a cell; it expires after DemandTTL
func (s *Service) SetDemand(ctx context.Context, cell geo.CellID, demand float64) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Set(ctx, demandKey(cell), s.clamp(demand), s.config.DemandTTL).Err()
}

// CalculateSurgeBasedOnDemand derives a demand factor from open bookings
// versus available drivers.
func (s *Service) CalculateSurgeBasedOnDemand(openBookings, availableDrivers int) float64 {
	if availableDrivers == 0 {
		return s.config.MaxSurgeMultiplier
	}

	ratio := float64(openBookings) / float64(availableDrivers)

	// ratio < 0.5 -> 1.0x
	// ratio 0.5-1.0 -> 1.0-1.5x
	// ratio 1.0-2.0 -> 1.5-2.5x
	// ratio > 2.0 -> 2.5-3.0x
	if ratio < 0.5 {
		return 1.0
	} else if ratio < 1.0 {
		return 1.0 + (ratio * 0.5)
	} else if ratio < 2.0 {
		return 1.5 + ((ratio - 1.0) * 1.0)
	}
	return s.clamp(2.5 + ((ratio - 2.0) * 0.25))
}

// DemandUpdate is the payload of the demand_updates topic.
type DemandUpdate struct {
	Cell   string  `json:"h3_index"`
	Demand float64 `json:"demand"`
}

// HandleDemandUpdate stores a demand factor published on the bus.
func (s *Service) HandleDemandUpdate(ctx context.Context, msg messaging.Message) error {
	var upd DemandUpdate
	if err := json.Unmarshal(msg.Payload, &upd); err != nil {
		return fmt.Errorf("decode demand update: %w", err)
	}
	cell, err := geo.ParseCellID(upd.Cell)
	if err != nil {
		return err
	}
	return s.SetDemand(ctx, cell, upd.Demand)
}

// StartDemandConsumer subscribes to demand updates.
func (s *Service) StartDemandConsumer(ctx context.Context, bus messaging.Bus, log *logger.Logger) error {
	if err := bus.Subscribe(ctx, messaging.TopicDemandUpdates, s.HandleDemandUpdate); err != nil {
		return fmt.Errorf("subscribe %s: %w", messaging.TopicDemandUpdates, err)
	}
	log.Info("Demand consumer started")
	return nil
}
