package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/service"
	"github.com/jengzang/urbanos-routing/pkg/response"
)

// TelemetryHandler handles position fix ingestion
type TelemetryHandler struct {
	service *service.TelemetryService
}

// NewTelemetryHandler creates a new telemetry handler
func NewTelemetryHandler(service *service.TelemetryService) *TelemetryHandler {
	return &TelemetryHandler{service: service}
}

// Ingest handles POST /api/v1/telemetry
//
// The body is a JSON array of records. Bad records are reported back per
// index; the request itself only fails when the body is not an array.
func (h *TelemetryHandler) Ingest(c *gin.Context) {
	var records []models.TelemetryRecord
	if err := c.ShouldBindJSON(&records); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	if len(records) == 0 {
		response.BadRequest(c, "No records")
		return
	}

	report := h.service.Ingest(c.Request.Context(), records)
	response.Accepted(c, report)
}
