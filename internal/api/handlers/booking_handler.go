package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/logistics-dispatch/internal/api/dto"
	"github.com/gocomet/logistics-dispatch/internal/domain/booking"
	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	bookingsvc "github.com/gocomet/logistics-dispatch/internal/service/booking"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

// CreateBooking handles POST /v1/bookings
func (h *Handlers) CreateBooking(c *gin.Context) {
	var req dto.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}

	h.Logger.Info("Booking request received",
		logger.String("user_id", req.UserID),
		logger.String("vehicle_type", req.VehicleType),
		logger.Bool("scheduled", req.ScheduledTime != nil),
	)

	res, err := h.Bookings.Create(c.Request.Context(), bookingsvc.CreateRequest{
		UserID:        req.UserID,
		Pickup:        req.Pickup.Point(),
		Dropoff:       req.Dropoff.Point(),
		VehicleType:   driver.VehicleType(req.VehicleType),
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Kind == bookingsvc.ResultScheduled {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handlers) GetBooking(c *gin.Context) {
	b, err := h.Bookings.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// UpdateBookingStatus handles POST /v1/bookings/:id/status
func (h *Handlers) UpdateBookingStatus(c *gin.Context) {
	id := c.Param("id")

	var req dto.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}

	to := booking.Status(req.Status)
	if !to.IsValid() {
		h.respondError(c, fmt.Errorf("%w: %q", booking.ErrInvalidStatus, req.Status))
		return
	}

	var opts []bookingsvc.Option
	if req.Reason != "" {
		opts = append(opts, bookingsvc.WithReason(req.Reason))
	}

	b, err := h.Bookings.UpdateStatus(c.Request.Context(), id, to, opts...)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// QuoteFare handles POST /v1/quotes
func (h *Handlers) QuoteFare(c *gin.Context) {
	var req dto.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}

	at := h.now()
	if req.ScheduledTime != nil {
		at = *req.ScheduledTime
	}

	fare, err := h.Pricing.Quote(c.Request.Context(), req.Pickup.Point(), req.Dropoff.Point(),
		driver.VehicleType(req.VehicleType), at)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, fare)
}
