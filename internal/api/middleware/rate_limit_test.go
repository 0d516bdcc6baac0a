package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

func newLimitedRouter(t *testing.T, limit int, window time.Duration) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := gin.New()
	r.Use(RateLimit(client, limit, window, logger.NewNop()))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r, mr
}

func get(r http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = ip + ":40000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit(t *testing.T) {
	r, mr := newLimitedRouter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(r, "10.0.0.1").Code, "request %d", i+1)
	}

	w := get(r, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	// budgets are per client
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.2").Code)

	ttl := mr.TTL(rateLimitPrefix + "10.0.0.1")
	assert.True(t, ttl > 0 && ttl <= time.Minute, "window set on first hit, got %s", ttl)

	mr.FastForward(time.Minute + time.Second)
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1").Code, "new window")
}

func TestRateLimit_RedisDownFailsOpen(t *testing.T) {
	r, mr := newLimitedRouter(t, 1, time.Minute)
	mr.Close()

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, get(r, "10.0.0.1").Code)
	}
}
