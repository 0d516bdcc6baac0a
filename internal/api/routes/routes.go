package routes

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gocomet/logistics-dispatch/internal/api/handlers"
	"github.com/gocomet/logistics-dispatch/internal/api/middleware"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

// Options controls the optional parts of the router.
type Options struct {
	NewRelic    *newrelic.Application
	MetricsPath string          // empty disables /metrics
	RateLimit   gin.HandlerFunc // applied to /v1 only; nil disables
}

// NewRouter builds the engine with middleware and every route.
func NewRouter(h *handlers.Handlers, log *logger.Logger, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(log.Named("access")))
	r.Use(middleware.Metrics())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	SetupRoutes(r, h, opts)
	return r
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, opts Options) {
	// Add New Relic middleware if enabled
	if opts.NewRelic != nil {
		r.Use(nrgin.Middleware(opts.NewRelic))
	}

	r.GET("/health", h.Health)
	if opts.MetricsPath != "" {
		r.GET(opts.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	if opts.RateLimit != nil {
		v1.Use(opts.RateLimit)
	}
	{
		v1.GET("/ws", h.HandleWebSocket)

		drivers := v1.Group("/drivers")
		{
			drivers.POST("/locations", h.UpdateDriverLocations)
			drivers.GET("/:id", h.GetDriver)
			drivers.POST("/:id/location", h.UpdateDriverLocation)
			drivers.POST("/:id/availability", h.SetDriverAvailability)
			drivers.DELETE("/:id/session", h.DisconnectDriver)
		}

		bookings := v1.Group("/bookings")
		{
			bookings.POST("", h.CreateBooking)
			bookings.GET("/:id", h.GetBooking)
			bookings.POST("/:id/status", h.UpdateBookingStatus)
		}

		v1.POST("/quotes", h.QuoteFare)
	}
}
