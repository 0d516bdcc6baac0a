package monitoring

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"
)

// Config holds New Relic configuration
type Config struct {
	LicenseKey string
	AppName    string
	Enabled    bool
	LogLevel   string
}

// NewRelicApp wraps the New Relic application. A nil or disabled app
// silently drops everything, so callers never check.
type NewRelicApp struct {
	*newrelic.Application
	enabled bool
}

// New creates a new New Relic application
func New(cfg Config) (*NewRelicApp, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		// Return disabled app
		return &NewRelicApp{nil, false}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(true),
		newrelic.ConfigDistributedTracerEnabled(true),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to create New Relic application: %w", err)
	}

	return &NewRelicApp{app, true}, nil
}

func (nr *NewRelicApp) active() bool {
	return nr != nil && nr.enabled && nr.Application != nil
}

// StartTransaction starts a new transaction
func (nr *NewRelicApp) StartTransaction(name string) *newrelic.Transaction {
	if !nr.active() {
		return nil
	}
	return nr.Application.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (nr *NewRelicApp) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if !nr.active() {
		return
	}
	nr.Application.RecordCustomEvent(eventType, params)
}

// RecordCustomMetric records a custom metric
func (nr *NewRelicApp) RecordCustomMetric(name string, value float64) {
	if !nr.active() {
		return
	}
	nr.Application.RecordCustomMetric(name, value)
}

// Shutdown gracefully shuts down the New Relic application
func (nr *NewRelicApp) Shutdown(timeout time.Duration) {
	if !nr.active() {
		return
	}
	nr.Application.Shutdown(timeout)
}

// Custom metric helpers

// RecordMatchingLatency records driver matching latency
func (nr *NewRelicApp) RecordMatchingLatency(latency time.Duration) {
	nr.RecordCustomMetric("custom/dispatch/matching_latency_ms", float64(latency.Microseconds())/1000)
}

// RecordLocationUpdate records driver location update
func (nr *NewRelicApp) RecordLocationUpdate(outcome string) {
	nr.RecordCustomMetric("custom/driver/location_update/"+outcome, 1)
}

// RecordBookingCreated records booking creation and its immediate result
func (nr *NewRelicApp) RecordBookingCreated(vehicleType, result string, price float64) {
	nr.RecordCustomEvent("BookingCreated", map[string]interface{}{
		"vehicle_type": vehicleType,
		"result":       result,
		"price":        price,
		"timestamp":    time.Now().Unix(),
	})
}

// RecordBookingTransition records a booking status change
func (nr *NewRelicApp) RecordBookingTransition(bookingID, from, to string) {
	nr.RecordCustomEvent("BookingTransition", map[string]interface{}{
		"booking_id": bookingID,
		"from":       from,
		"to":         to,
	})
}

// RecordSurgeMultiplier records surge pricing multiplier
func (nr *NewRelicApp) RecordSurgeMultiplier(cell string, multiplier float64) {
	nr.RecordCustomMetric(fmt.Sprintf("custom/pricing/surge_multiplier/%s", cell), multiplier)
}

// RecordDatabasePoolStats records database connection pool statistics
func (nr *NewRelicApp) RecordDatabasePoolStats(stats sql.DBStats) {
	nr.RecordCustomMetric("custom/db/open_connections", float64(stats.OpenConnections))
	nr.RecordCustomMetric("custom/db/idle_connections", float64(stats.Idle))
	nr.RecordCustomMetric("custom/db/in_use_connections", float64(stats.InUse))
}

// RecordRedisPoolStats records Redis pool statistics
func (nr *NewRelicApp) RecordRedisPoolStats(stats *redis.PoolStats) {
	if stats == nil {
		return
	}
	nr.RecordCustomMetric("custom/redis/cache_hits", float64(stats.Hits))
	nr.RecordCustomMetric("custom/redis/cache_misses", float64(stats.Misses))
	nr.RecordCustomMetric("custom/redis/timeouts", float64(stats.Timeouts))
}

// IsEnabled returns whether New Relic is enabled
func (nr *NewRelicApp) IsEnabled() bool {
	return nr.active()
}
