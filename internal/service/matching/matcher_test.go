package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
	"github.com/gocomet/logistics-dispatch/internal/service/tracking"
	"github.com/gocomet/logistics-dispatch/internal/storage"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

var (
	t0     = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pickup = geo.Point{Lat: 37.7749, Lon: -122.4194}
)

type fixture struct {
	grid     geo.Grid
	index    *geo.MemoryIndex
	registry *tracking.Registry
	store    *storage.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	grid := geo.NewH3Grid(geo.Resolution)
	idx := geo.NewMemoryIndex(grid)
	return &fixture{
		grid:     grid,
		index:    idx,
		registry: tracking.NewRegistry(idx, grid, logger.NewNop()),
		store:    storage.NewMemoryStore(),
	}
}

func (f *fixture) service(cfg Config) *Service {
	return NewService(f.index, f.grid, f.registry, NewStoreMaintenance(f.store), logger.NewNop(), nil, cfg)
}

func (f *fixture) addDriver(t *testing.T, id string, p geo.Point, vt driver.VehicleType, available bool) {
	t.Helper()
	_, err := f.registry.ReportLocation(context.Background(), tracking.Report{
		DriverID:    id,
		Latitude:    p.Lat,
		Longitude:   p.Lon,
		VehicleType: vt,
		IsAvailable: available,
		Timestamp:   t0,
	})
	require.NoError(t, err)
}

// offset moves a point north by roughly km kilometers.
func offset(p geo.Point, km float64) geo.Point {
	return geo.Point{Lat: p.Lat + km/111.0, Lon: p.Lon}
}

func TestMatch_SameLocation(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "driver-1", pickup, driver.VehicleVan, true)
	svc := f.service(Config{})

	id, ok, err := svc.Match(context.Background(), "booking-1", pickup, driver.VehicleVan)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "driver-1", id)

	rec, _ := f.registry.Get("driver-1")
	assert.False(t, rec.IsAvailable, "winner is claimed")
	assert.Equal(t, "booking-1", rec.ClaimedBy)

	// the only driver is taken now
	_, ok, err = svc.Match(context.Background(), "booking-2", pickup, driver.VehicleVan)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatch_NoDriversInRange(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "far", offset(pickup, 3), driver.VehicleVan, true)
	svc := f.service(Config{MaxRadiusKM: 1})

	_, ok, err := svc.Match(context.Background(), "booking-1", pickup, driver.VehicleVan)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, _ := f.registry.Get("far")
	assert.True(t, rec.IsAvailable, "nothing claimed on a miss")
}

func TestMatch_Selection(t *testing.T) {
	tests := []struct {
		name    string
		drivers []struct {
			id        string
			km        float64
			vt        driver.VehicleType
			available bool
		}
		want string
	}{
		{
			name: "nearest wins",
			drivers: []struct {
				id        string
				km        float64
				vt        driver.VehicleType
				available bool
			}{
				{"a-far", 2, driver.VehicleVan, true},
				{"z-near", 0.3, driver.VehicleVan, true},
			},
			want: "z-near",
		},
		{
			name: "tie broken by lowest id",
			drivers: []struct {
				id        string
				km        float64
				vt        driver.VehicleType
				available bool
			}{
				{"driver-b", 0, driver.VehicleVan, true},
				{"driver-a", 0, driver.VehicleVan, true},
			},
			want: "driver-a",
		},
		{
			name: "vehicle type filtered",
			drivers: []struct {
				id        string
				km        float64
				vt        driver.VehicleType
				available bool
			}{
				{"truck", 0, driver.VehicleTruck, true},
				{"van", 1, driver.VehicleVan, true},
			},
			want: "van",
		},
		{
			name: "unavailable skipped",
			drivers: []struct {
				id        string
				km        float64
				vt        driver.VehicleType
				available bool
			}{
				{"busy", 0, driver.VehicleVan, false},
				{"free", 1, driver.VehicleVan, true},
			},
			want: "free",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for _, d := range tt.drivers {
				f.addDriver(t, d.id, offset(pickup, d.km), d.vt, d.available)
			}

			id, ok, err := f.service(Config{}).Match(context.Background(), "booking-1", pickup, driver.VehicleVan)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.want, id)
		})
	}
}

// claimStealer loses the claim race for one driver.
type claimStealer struct {
	*tracking.Registry
	stolen string
}

func (c *claimStealer) TryClaim(driverID, bookingID string) bool {
	if driverID == c.stolen {
		c.Registry.TryClaim(driverID, "other-booking")
		return false
	}
	return c.Registry.TryClaim(driverID, bookingID)
}

func TestMatch_LostClaimReselectsSameRing(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "driver-a", pickup, driver.VehicleVan, true)
	f.addDriver(t, "driver-b", pickup, driver.VehicleVan, true)
	f.addDriver(t, "driver-c", offset(pickup, 2), driver.VehicleVan, true)

	reg := &claimStealer{Registry: f.registry, stolen: "driver-a"}
	svc := NewService(f.index, f.grid, reg, nil, logger.NewNop(), nil, Config{})

	id, ok, err := svc.Match(context.Background(), "booking-1", pickup, driver.VehicleVan)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "driver-b", id)

	rec, _ := f.registry.Get("driver-c")
	assert.True(t, rec.IsAvailable)
}

func TestMatch_ConcurrentAgainstOneDriver(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "only", pickup, driver.VehicleVan, true)
	svc := f.service(Config{MaxRadiusKM: 0.5})

	const attempts = 32
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := svc.Match(context.Background(), fmt.Sprintf("booking-%d", i), pickup, driver.VehicleVan)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
}

func TestMatch_ConcurrentNeverDoubleAssigns(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.addDriver(t, fmt.Sprintf("d%02d", i), offset(pickup, float64(i)*0.2), driver.VehicleVan, true)
	}
	svc := f.service(Config{})

	var mu sync.Mutex
	assigned := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, ok, err := svc.Match(context.Background(), fmt.Sprintf("booking-%d", i), pickup, driver.VehicleVan)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				assigned[id]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, assigned, 10)
	for id, n := range assigned {
		assert.Equal(t, 1, n, id)
	}
}

func TestMatch_SkipsVehiclesUnderMaintenance(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "in-shop", pickup, driver.VehicleVan, true)
	f.addDriver(t, "ok", offset(pickup, 0.5), driver.VehicleVan, true)
	f.store.AddMaintenancePeriod(driver.MaintenancePeriod{VehicleID: "in-shop", Start: t0, End: t0.Add(time.Hour)})
	svc := f.service(Config{})

	id, ok, err := svc.MatchAt(context.Background(), "booking-1", pickup, driver.VehicleVan, t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ok", id)

	rec, _ := f.registry.Get("in-shop")
	assert.True(t, rec.IsAvailable)

	// after the window the closer vehicle is eligible again
	id, ok, err = svc.MatchAt(context.Background(), "booking-2", pickup, driver.VehicleVan, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "in-shop", id)
}

func TestMatch_StorageFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "driver-1", pickup, driver.VehicleVan, true)
	f.store.SetFailure(errors.New("connection refused"))

	_, ok, err := f.service(Config{}).Match(context.Background(), "booking-1", pickup, driver.VehicleVan)
	assert.False(t, ok)
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	rec, _ := f.registry.Get("driver-1")
	assert.True(t, rec.IsAvailable, "no claim is held after a failed match")
}

func TestMatch_InvalidInput(t *testing.T) {
	svc := newFixture(t).service(Config{})

	_, ok, err := svc.Match(context.Background(), "booking-1", geo.Point{Lat: 95, Lon: 0}, driver.VehicleVan)
	assert.False(t, ok)
	assert.ErrorIs(t, err, driver.ErrValidation)

	_, ok, err = svc.Match(context.Background(), "booking-1", pickup, "scooter")
	assert.False(t, ok)
	assert.ErrorIs(t, err, driver.ErrInvalidVehicleType)
}

// cellCounter records how many cells the search reads from the index.
type cellCounter struct {
	*geo.MemoryIndex
	cells int64
}

func (c *cellCounter) CellsQuery(ctx context.Context, cells []geo.CellID) ([]string, error) {
	atomic.AddInt64(&c.cells, int64(len(cells)))
	return c.MemoryIndex.CellsQuery(ctx, cells)
}

func TestMatch_ReadsEachCellOnce(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "far", offset(pickup, 3), driver.VehicleVan, true)
	counter := &cellCounter{MemoryIndex: f.index}
	svc := NewService(counter, f.grid, f.registry, nil, logger.NewNop(), nil, Config{MaxRadiusKM: 1})

	_, ok, err := svc.Match(context.Background(), "booking-1", pickup, driver.VehicleVan)
	require.NoError(t, err)
	assert.False(t, ok)

	center, err := f.grid.CellOf(pickup)
	require.NoError(t, err)
	assert.EqualValues(t, len(f.grid.Disk(center, svc.MaxRings())), atomic.LoadInt64(&counter.cells),
		"a miss reads the full disk exactly once")
}

func TestMatch_EarlierRingDriverBecomesAvailable(t *testing.T) {
	f := newFixture(t)
	f.addDriver(t, "busy", pickup, driver.VehicleVan, false)
	f.addDriver(t, "free", offset(pickup, 0.5), driver.VehicleVan, true)

	// the nearer driver comes back while the search is on outer rings
	reg := &availabilityFlipper{Registry: f.registry, flip: "busy"}
	svc := NewService(f.index, f.grid, reg, nil, logger.NewNop(), nil, Config{})

	id, ok, err := svc.Match(context.Background(), "booking-1", pickup, driver.VehicleVan)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "busy", id, "drivers found in inner rings are reconsidered")
}

// availabilityFlipper makes flip available the second time it is read.
type availabilityFlipper struct {
	*tracking.Registry
	flip  string
	reads int
}

func (a *availabilityFlipper) Get(driverID string) (driver.Record, bool) {
	if driverID == a.flip {
		a.reads++
		if a.reads == 2 {
			_ = a.Registry.SetAvailability(driverID, true)
		}
	}
	return a.Registry.Get(driverID)
}

func TestMaxRings(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, geo.RingsForRadius(DefaultMaxRadiusKM), f.service(Config{}).MaxRings())
	assert.Equal(t, 7, f.service(Config{MaxRadiusKM: 1}).MaxRings())
}
