package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/urbanos-routing/internal/network"
	"github.com/jengzang/urbanos-routing/pkg/response"
)

// NetworkHandler reports transit network state
type NetworkHandler struct {
	manager *network.Manager
	now     func() time.Time
}

// NewNetworkHandler creates a new network handler
func NewNetworkHandler(manager *network.Manager, now func() time.Time) *NetworkHandler {
	if now == nil {
		now = time.Now
	}
	return &NetworkHandler{manager: manager, now: now}
}

// GetStatus handles GET /api/v1/network/status
func (h *NetworkHandler) GetStatus(c *gin.Context) {
	response.Success(c, h.manager.Status(h.now()))
}
