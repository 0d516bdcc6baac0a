package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/logistics-dispatch/internal/api/dto"
	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

// UpdateDriverLocation handles POST /v1/drivers/:id/location
func (h *Handlers) UpdateDriverLocation(c *gin.Context) {
	driverID := c.Param("id")

	var req dto.UpdateLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}

	rep := req.Report(driverID)
	outcome, err := h.Registry.ReportLocation(c.Request.Context(), rep)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Logger.Debug("Driver location update",
		logger.String("driver_id", driverID),
		logger.String("outcome", string(outcome)),
	)

	resp := dto.LocationResponse{DriverID: driverID, Outcome: string(outcome), At: h.now()}
	if rec, ok := h.Registry.Get(driverID); ok {
		resp.Cell = rec.Cell.String()
		resp.At = rec.LastUpdated
	}
	c.JSON(http.StatusOK, resp)
}

// UpdateDriverLocations handles POST /v1/drivers/locations
func (h *Handlers) UpdateDriverLocations(c *gin.Context) {
	var req dto.BatchLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}

	res := h.Registry.ReportBatch(c.Request.Context(), req.Reports)
	if len(res.Failures) > 0 {
		h.Logger.Info("Batch location update had rejected entries",
			logger.Int("applied", res.Applied),
			logger.Int("failed", len(res.Failures)),
		)
	}

	status := http.StatusOK
	if len(res.Failures) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, res)
}

// SetDriverAvailability handles POST /v1/drivers/:id/availability
func (h *Handlers) SetDriverAvailability(c *gin.Context) {
	driverID := c.Param("id")

	var req dto.AvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}

	if err := h.Registry.SetAvailability(driverID, *req.IsAvailable); err != nil {
		h.respondError(c, err)
		return
	}

	h.Logger.Info("Driver availability changed",
		logger.String("driver_id", driverID),
		logger.Bool("is_available", *req.IsAvailable),
	)
	c.JSON(http.StatusOK, gin.H{"driver_id": driverID, "is_available": *req.IsAvailable})
}

// GetDriver handles GET /v1/drivers/:id
func (h *Handlers) GetDriver(c *gin.Context) {
	rec, ok := h.Registry.Get(c.Param("id"))
	if !ok {
		h.respondError(c, driver.ErrDriverNotFound)
		return
	}
	c.JSON(http.StatusOK, dto.NewDriverResponse(rec))
}

// DisconnectDriver handles DELETE /v1/drivers/:id/session
func (h *Handlers) DisconnectDriver(c *gin.Context) {
	driverID := c.Param("id")
	if !h.Registry.Disconnect(c.Request.Context(), driverID) {
		h.respondError(c, driver.ErrDriverNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}
