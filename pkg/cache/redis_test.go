package cache

import (
	"context"
	"net"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configFor(t *testing.T, addr string) Config {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return Config{Host: host, Port: port, PoolSize: 4}
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := configFor(t, mr.Addr())
	assert.Equal(t, mr.Addr(), cfg.Addr())

	client, err := NewRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	defer Close(client)

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	stats := GetClientStats(client)
	assert.Contains(t, stats, "total_conns")
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := configFor(t, mr.Addr())
	mr.Close()

	_, err := NewRedisClient(context.Background(), cfg)
	assert.Error(t, err)
	assert.NoError(t, Close(nil))
}
