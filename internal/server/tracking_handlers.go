package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/geo"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/tracking"
	"github.com/gin-gonic/gin"
)

type startTrackingPayload struct {
	VehicleID    string `json:"vehicle_id"`
	Latitude     string `json:"latitude"`
	Longitude    string `json:"longitude"`
	LocationName string `json:"location_name"`
}

type stopTrackingPayload struct {
	VehicleID string `json:"vehicle_id"`
	RecordID  string `json:"record_id"`
}

type selectionPayload struct {
	VehicleID string `json:"vehicle_id"`
}

type modePayload struct {
	Manual *bool `json:"manual" binding:"required"`
}

type positionPayload struct {
	Lat        *float64   `json:"lat"`
	Lng        *float64   `json:"lng"`
	Accuracy   float64    `json:"accuracy"`
	RecordedAt *time.Time `json:"recorded_at"`
	Error      string     `json:"error"`
}

func (h *httpHandler) handleTrackingView(c *gin.Context) {
	c.JSON(http.StatusOK, hostedClient(c).Tracking.View())
}

func (h *httpHandler) handleTrackingStream(c *gin.Context) {
	views, cancel := hostedClient(c).Tracking.Subscribe(c.Request.Context())
	defer cancel()
	streamUpdates(c, h, eventTrackingView, views, nil)
}

func (h *httpHandler) handleStartTracking(c *gin.Context) {
	var request startTrackingPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortInvalidRequest(c)
		return
	}
	record, err := hostedClient(c).Tracking.StartTracking(c.Request.Context(), tracking.StartRequest{
		VehicleID: request.VehicleID,
		Manual: tracking.ManualInput{
			Latitude:     request.Latitude,
			Longitude:    request.Longitude,
			LocationName: request.LocationName,
		},
	})
	if err != nil {
		h.abortWithError(c, "start_tracking", err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handleStopTracking(c *gin.Context) {
	var request stopTrackingPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortInvalidRequest(c)
		return
	}
	client := hostedClient(c)
	if err := client.Tracking.StopTracking(c.Request.Context(), request.VehicleID, request.RecordID); err != nil {
		h.abortWithError(c, "stop_tracking", err)
		return
	}
	c.JSON(http.StatusOK, client.Tracking.View())
}

func (h *httpHandler) handleRemoveRecord(c *gin.Context) {
	recordID := strings.TrimSpace(c.Param("id"))
	if err := hostedClient(c).Tracking.RemoveFromTracking(c.Request.Context(), recordID); err != nil {
		h.abortWithError(c, "remove_record", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSelectVehicle(c *gin.Context) {
	var request selectionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortInvalidRequest(c)
		return
	}
	client := hostedClient(c)
	if strings.TrimSpace(request.VehicleID) == "" {
		client.Tracking.ClearSelection()
	} else if err := client.Tracking.SelectVehicle(request.VehicleID); err != nil {
		h.abortWithError(c, "select_vehicle", err)
		return
	}
	c.JSON(http.StatusOK, client.Tracking.View())
}

func (h *httpHandler) handleSetMode(c *gin.Context) {
	var request modePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortInvalidRequest(c)
		return
	}
	client := hostedClient(c)
	client.Tracking.SetManualMode(*request.Manual)
	c.JSON(http.StatusOK, client.Tracking.View())
}

// handlePushPosition feeds a geolocation sample, or a geolocation failure, from the device.
func (h *httpHandler) handlePushPosition(c *gin.Context) {
	var request positionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortInvalidRequest(c)
		return
	}
	feed := hostedClient(c).Positions
	if message := strings.TrimSpace(request.Error); message != "" {
		feed.Fail(errors.New(message))
		c.Status(http.StatusAccepted)
		return
	}
	if request.Lat == nil || request.Lng == nil {
		h.abortWithError(c, "push_position", geo.ErrCoordinatesRequired)
		return
	}
	position := geo.Position{Lat: *request.Lat, Lng: *request.Lng, Accuracy: request.Accuracy}
	if request.RecordedAt != nil {
		position.RecordedAt = request.RecordedAt.UTC()
	}
	if err := feed.Push(position); err != nil {
		h.abortWithError(c, "push_position", err)
		return
	}
	c.Status(http.StatusAccepted)
}
