package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/urbanos-routing/internal/prediction"
	"github.com/jengzang/urbanos-routing/pkg/response"
)

// PredictionHandler accepts scored candidates from external models
type PredictionHandler struct {
	adapter *prediction.Adapter
	now     func() time.Time
}

// NewPredictionHandler creates a new prediction handler
func NewPredictionHandler(adapter *prediction.Adapter, now func() time.Time) *PredictionHandler {
	if now == nil {
		now = time.Now
	}
	return &PredictionHandler{adapter: adapter, now: now}
}

// Ingest handles POST /api/v1/predictions
func (h *PredictionHandler) Ingest(c *gin.Context) {
	var candidates []prediction.Candidate
	if err := c.ShouldBindJSON(&candidates); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	if len(candidates) == 0 {
		response.BadRequest(c, "No candidates")
		return
	}

	report := h.adapter.Ingest(c.Request.Context(), h.now().UTC(), candidates)
	response.Success(c, report)
}
