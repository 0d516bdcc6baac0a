package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/gocomet/logistics-dispatch/internal/observability"
	apperrors "github.com/gocomet/logistics-dispatch/pkg/errors"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

const rateLimitPrefix = "rate_limit:"

// RateLimit allows limit requests per client IP in each fixed window. The
// counters live in Redis so every instance shares one budget. When Redis
// cannot be reached the request is let through.
func RateLimit(client *redis.Client, limit int, window time.Duration, log *logger.Logger) gin.HandlerFunc {
	retryAfter := strconv.Itoa(int(window.Seconds()))

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := rateLimitPrefix + c.ClientIP()

		count, err := client.Incr(ctx, key).Result()
		if err != nil {
			log.Warn("Rate limiter unavailable, allowing request",
				logger.String("client_ip", c.ClientIP()),
				logger.Err(err),
			)
			c.Next()
			return
		}
		if count == 1 {
			// first hit opens the window
			if err := client.Expire(ctx, key, window).Err(); err != nil {
				log.Warn("Failed to set rate limit window", logger.String("key", key), logger.Err(err))
			}
		}

		if count > int64(limit) {
			observability.RateLimited.Inc()
			appErr := apperrors.ErrRateLimitExceeded
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(appErr.Status, gin.H{"error": appErr.Code, "message": appErr.Message})
			return
		}
		c.Next()
	}
}
