package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/service"
	"github.com/jengzang/urbanos-routing/pkg/response"
)

// AnalysisTaskHandler handles HTTP requests for analysis tasks
type AnalysisTaskHandler struct {
	service *service.AnalysisTaskService
}

// NewAnalysisTaskHandler creates a new analysis task handler
func NewAnalysisTaskHandler(service *service.AnalysisTaskService) *AnalysisTaskHandler {
	return &AnalysisTaskHandler{service: service}
}

// GetTask retrieves a task by ID
// GET /api/v1/tasks/:id
func (h *AnalysisTaskHandler) GetTask(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid task ID")
		return
	}

	task, err := h.service.GetTask(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, task)
}

// ListTasks retrieves recent cycle runs, newest first
// GET /api/v1/tasks
func (h *AnalysisTaskHandler) ListTasks(c *gin.Context) {
	var filter models.TaskFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}

	tasks, err := h.service.ListTasks(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"tasks": tasks,
		"count": len(tasks),
	})
}
