package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/service"
	"github.com/jengzang/urbanos-routing/pkg/response"
)

// ClientHandler serves the per-client read views
type ClientHandler struct {
	query *service.QueryService
	now   func() time.Time
}

// NewClientHandler creates a new client handler
func NewClientHandler(query *service.QueryService, now func() time.Time) *ClientHandler {
	if now == nil {
		now = time.Now
	}
	return &ClientHandler{query: query, now: now}
}

// GetRoutes handles GET /api/v1/clients/:id/routes
func (h *ClientHandler) GetRoutes(c *gin.Context) {
	h.routes(c, models.RouteKindAStar)
}

// GetMAPFRoutes handles GET /api/v1/clients/:id/mapf-routes
func (h *ClientHandler) GetMAPFRoutes(c *gin.Context) {
	h.routes(c, models.RouteKindMAPF)
}

func (h *ClientHandler) routes(c *gin.Context, kind models.RouteKind) {
	var filter models.RouteFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}
	if filter.Context != "" && !models.DecisionContext(filter.Context).ValidFor(kind) {
		response.BadRequest(c, "Invalid decision context for "+string(kind)+" routes")
		return
	}

	page, err := h.query.Routes(c.Request.Context(), kind, c.Param("id"), filter)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, page)
}

// GetReroutes handles GET /api/v1/clients/:id/reroutes
func (h *ClientHandler) GetReroutes(c *gin.Context) {
	var filter models.RouteFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}

	page, err := h.query.Reroutes(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, page)
}

// GetCurrentRoute handles GET /api/v1/clients/:id/current-route
func (h *ClientHandler) GetCurrentRoute(c *gin.Context) {
	choice, err := h.query.CurrentRoute(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, choice)
}

// GetPOIs handles GET /api/v1/clients/:id/pois
func (h *ClientHandler) GetPOIs(c *gin.Context) {
	var filter models.PlaceFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}

	pois, err := h.query.POIs(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, pois)
}

// GetHotspots handles GET /api/v1/clients/:id/hotspots
func (h *ClientHandler) GetHotspots(c *gin.Context) {
	var filter models.PlaceFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}

	hotspots, err := h.query.Hotspots(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, hotspots)
}

// GetPatterns handles GET /api/v1/clients/:id/patterns
func (h *ClientHandler) GetPatterns(c *gin.Context) {
	var filter models.PlaceFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}

	patterns, err := h.query.Patterns(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, patterns)
}

// GetDepartureMatches handles GET /api/v1/clients/:id/departure-matches
func (h *ClientHandler) GetDepartureMatches(c *gin.Context) {
	var filter models.PredictionFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}
	from := h.now()
	if filter.From != 0 {
		from = time.UnixMilli(filter.From)
	}

	matches, err := h.query.DepartureMatches(c.Request.Context(), c.Param("id"), from, filter.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, matches)
}

// GetPredictions handles GET /api/v1/clients/:id/predictions
func (h *ClientHandler) GetPredictions(c *gin.Context) {
	var filter models.PredictionFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}
	if filter.From == 0 {
		filter.From = h.now().UnixMilli()
	}

	visits, err := h.query.Predictions(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, visits)
}

// GetTrajectories handles GET /api/v1/clients/:id/trajectories
func (h *ClientHandler) GetTrajectories(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		response.BadRequest(c, "Invalid limit parameter")
		return
	}

	trajectories, err := h.query.Trajectories(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, trajectories)
}

// GetSchedule handles GET /api/v1/clients/:id/schedule
func (h *ClientHandler) GetSchedule(c *gin.Context) {
	schedule, err := h.query.Schedule(c.Request.Context(), c.Param("id"), c.Query("horizon"), h.now().UTC())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, schedule)
}
