package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
	"github.com/gocomet/logistics-dispatch/internal/observability"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
	"github.com/gocomet/logistics-dispatch/pkg/monitoring"
)

// Registry is the part of the driver registry the engine needs.
type Registry interface {
	Get(driverID string) (driver.Record, bool)
	TryClaim(driverID, bookingID string) bool
}

// Config holds matching configuration
type Config struct {
	MaxRadiusKM float64       // search stops after the rings covering this radius
	MaxTimeout  time.Duration // upper bound on a single match
}

// DefaultMaxRadiusKM bounds the search when no radius is configured.
const DefaultMaxRadiusKM = 10.0

// Service allocates drivers to pickups. It claims the driver it returns but
// never touches booking state.
type Service struct {
	index       geo.Index
	grid        geo.Grid
	registry    Registry
	maintenance MaintenanceChecker
	logger      *logger.Logger
	nr          *monitoring.NewRelicApp
	config      Config
	now         func() time.Time
}

// NewService creates a new matching service. maintenance may be nil.
func NewService(index geo.Index, grid geo.Grid, registry Registry, maintenance MaintenanceChecker,
	log *logger.Logger, nr *monitoring.NewRelicApp, config Config) *Service {
	if config.MaxRadiusKM <= 0 {
		config.MaxRadiusKM = DefaultMaxRadiusKM
	}
	return &Service{
		index:       index,
		grid:        grid,
		registry:    registry,
		maintenance: maintenance,
		logger:      log.Named("matching"),
		nr:          nr,
		config:      config,
		now:         time.Now,
	}
}

// MaxRings is the last ring the search visits.
func (s *Service) MaxRings() int {
	return geo.RingsForRadius(s.config.MaxRadiusKM)
}

type candidate struct {
	driverID  string
	vehicleID string
	hops      int
}

func (c candidate) less(o candidate) bool {
	if c.hops != o.hops {
		return c.hops < o.hops
	}
	return c.driverID < o.driverID
}

// Match finds the nearest available driver of the given vehicle type for a
// pickup happening now and claims it on behalf of bookingID.
func (s *Service) Match(ctx context.Context, bookingID string, pickup geo.Point, vt driver.VehicleType) (string, bool, error) {
	return s.MatchAt(ctx, bookingID, pickup, vt, s.now())
}

// MatchAt is Match for a pickup at time at; vehicles under maintenance at
// that time are skipped. ok is false when no driver could be claimed within
// the search radius. An error means the search could not run to completion
// and no driver is held.
func (s *Service) MatchAt(ctx context.Context, bookingID string, pickup geo.Point, vt driver.VehicleType, at time.Time) (string, bool, error) {
	start := time.Now()

	if s.config.MaxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.MaxTimeout)
		defer cancel()
	}

	driverID, ring, err := s.search(ctx, bookingID, pickup, vt, at)

	elapsed := time.Since(start)
	observability.MatchLatency.Observe(elapsed.Seconds())
	s.nr.RecordMatchingLatency(elapsed)

	switch {
	case err != nil:
		observability.MatchesTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Match aborted",
			logger.String("booking_id", bookingID),
			logger.String("vehicle_type", string(vt)),
			logger.Err(err),
		)
		return "", false, err
	case driverID == "":
		observability.MatchesTotal.WithLabelValues("no_driver").Inc()
		s.logger.Info("No drivers available in maximum search radius",
			logger.Float64("max_radius_km", s.config.MaxRadiusKM),
			logger.Float64("pickup_lat", pickup.Lat),
			logger.Float64("pickup_lon", pickup.Lon),
			logger.String("vehicle_type", string(vt)),
		)
		return "", false, nil
	}

	observability.MatchesTotal.WithLabelValues("matched").Inc()
	observability.MatchRings.Observe(float64(ring))
	s.logger.Info("Driver matched and claimed",
		logger.String("booking_id", bookingID),
		logger.String("driver_id", driverID),
		logger.Int("ring", ring),
		logger.Float64("radius_km", float64(ring)*geo.HopDistanceKm),
		logger.Duration("latency", elapsed),
	)
	return driverID, true, nil
}

func (s *Service) search(ctx context.Context, bookingID string, pickup geo.Point, vt driver.VehicleType, at time.Time) (string, int, error) {
	if !vt.IsValid() {
		return "", 0, fmt.Errorf("%w: %q", driver.ErrInvalidVehicleType, vt)
	}
	center, err := s.grid.CellOf(pickup)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", driver.ErrInvalidCoordinates, err)
	}

	// drivers that lost a claim race or are in maintenance are not retried
	excluded := make(map[string]struct{})
	// every driver found in rings 0..k; only ring k itself is read per step
	found := make(map[string]struct{})
	kMax := s.MaxRings()

	for k := 0; k <= kMax; k++ {
		if err := ctx.Err(); err != nil {
			return "", k, err
		}

		ids, err := s.index.CellsQuery(ctx, s.grid.Ring(center, k))
		if err != nil {
			return "", k, fmt.Errorf("ring query k=%d: %w", k, err)
		}
		for _, id := range ids {
			found[id] = struct{}{}
		}

		candidates := s.filter(found, excluded, center, vt, k)
		for len(candidates) > 0 {
			best := 0
			for i := 1; i < len(candidates); i++ {
				if candidates[i].less(candidates[best]) {
					best = i
				}
			}
			c := candidates[best]
			candidates = append(candidates[:best], candidates[best+1:]...)

			if s.maintenance != nil {
				blocked, err := s.maintenance.UnderMaintenance(ctx, c.vehicleID, at)
				if err != nil {
					return "", k, fmt.Errorf("maintenance check for %s: %w", c.vehicleID, err)
				}
				if blocked {
					excluded[c.driverID] = struct{}{}
					s.logger.Debug("Driver skipped - vehicle under maintenance",
						logger.String("driver_id", c.driverID),
						logger.String("vehicle_id", c.vehicleID),
					)
					continue
				}
			}

			if s.registry.TryClaim(c.driverID, bookingID) {
				return c.driverID, k, nil
			}

			excluded[c.driverID] = struct{}{}
			observability.ClaimConflicts.Inc()
			s.logger.Debug("Driver skipped - already claimed by another request",
				logger.String("driver_id", c.driverID),
			)
		}
	}
	return "", kMax, nil
}

func (s *Service) filter(ids map[string]struct{}, excluded map[string]struct{}, center geo.CellID, vt driver.VehicleType, k int) []candidate {
	out := make([]candidate, 0, len(ids))
	for id := range ids {
		if _, skip := excluded[id]; skip {
			continue
		}
		rec, ok := s.registry.Get(id)
		if !ok || !rec.CanAcceptBookings(vt) {
			continue
		}
		hops, ok := s.grid.Distance(center, rec.Cell)
		if !ok {
			hops = k
		}
		out = append(out, candidate{driverID: id, vehicleID: rec.VehicleID, hops: hops})
	}
	return out
}
