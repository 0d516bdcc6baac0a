package tracking

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/logistics-dispatch/internal/messaging"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

func TestConsumer_AppliesBusTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, _, _ := newTestRegistry(t)
	bus := messaging.NewMemoryBus(logger.NewNop(), 0)
	defer bus.Close()

	c := NewConsumer(r, bus, logger.NewNop())
	require.NoError(t, c.Start(ctx))

	require.NoError(t, messaging.PublishJSON(ctx, bus, messaging.TopicDriverLocations, "d1", report("d1", downtown, t0)))
	assert.Eventually(t, func() bool {
		_, ok := r.Get("d1")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, messaging.PublishJSON(ctx, bus, messaging.TopicDriverAvailability, "d1",
		AvailabilityUpdate{DriverID: "d1", IsAvailable: false}))
	assert.Eventually(t, func() bool {
		rec, _ := r.Get("d1")
		return !rec.IsAvailable
	}, time.Second, 5*time.Millisecond)
}

func TestConsumer_HandleLocation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	c := NewConsumer(r, messaging.NewMemoryBus(logger.NewNop(), 0), logger.NewNop())
	ctx := context.Background()

	valid, err := json.Marshal(report("d1", downtown, t0))
	require.NoError(t, err)
	invalid, err := json.Marshal(Report{DriverID: "d2", Latitude: 95, VehicleType: "van"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		wantErr bool
	}{
		{"valid", valid, false},
		{"redelivered", valid, false},
		{"not json", []byte("{"), true},
		{"bad coordinates", invalid, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.HandleLocation(ctx, messaging.Message{Topic: messaging.TopicDriverLocations, Payload: tt.payload})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Equal(t, 1, r.Len())
}
