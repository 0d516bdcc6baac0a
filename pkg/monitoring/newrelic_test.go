package monitoring

import (
	"database/sql"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledWithoutLicense(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"disabled", Config{Enabled: false, LicenseKey: "key"}},
		{"no license", Config{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, err := New(tt.cfg)
			require.NoError(t, err)
			assert.False(t, app.IsEnabled())
			assert.Nil(t, app.StartTransaction("noop"))
		})
	}
}

func TestNilApp_IsSafe(t *testing.T) {
	var app *NewRelicApp

	assert.False(t, app.IsEnabled())
	assert.NotPanics(t, func() {
		app.RecordMatchingLatency(5 * time.Millisecond)
		app.RecordLocationUpdate("applied")
		app.RecordBookingCreated("van", "confirmed", 42)
		app.RecordBookingTransition("b1", "pending", "confirmed")
		app.RecordSurgeMultiplier("8928308280fffff", 1.5)
		app.RecordDatabasePoolStats(sql.DBStats{})
		app.RecordRedisPoolStats(&redis.PoolStats{})
		app.RecordRedisPoolStats(nil)
		app.Shutdown(time.Second)
	})
}
