package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

var (
	LocationReports = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_reports_total", Help: "Driver location reports by outcome"},
		[]string{"outcome"},
	)
	DriversTracked  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_tracked", Help: "Drivers currently held in the registry"})
	DriverEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "driver_evictions_total", Help: "Drivers removed from the registry"},
		[]string{"reason"},
	)

	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Match attempts by outcome"},
		[]string{"outcome"},
	)
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds", Buckets: prometheus.DefBuckets})
	MatchRings     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_rings", Help: "Ring at which a match was decided", Buckets: prometheus.LinearBuckets(0, 5, 14)})
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claim_conflicts_total", Help: "Claims lost to a concurrent match"})

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking status transitions"},
		[]string{"from", "to"},
	)
	BookingsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_created_total", Help: "Bookings created by result"},
		[]string{"result"},
	)
	ScheduledJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "scheduled_jobs_total", Help: "Scheduled booking jobs by result"},
		[]string{"result"},
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Notifications that could not be delivered"},
		[]string{"sink"},
	)
	BusMessagesInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_messages_invalid_total", Help: "Bus messages that could not be decoded or applied"},
		[]string{"topic"},
	)

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rate_limited_requests_total", Help: "Requests rejected by the rate limiter"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
