package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/pkg/response"
)

// fail maps service errors onto HTTP statuses. Storage errors are logged and
// reported without detail.
func fail(c *gin.Context, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		response.BadRequest(c, verr.Error())
	case errors.Is(err, repository.ErrNotFound):
		response.NotFound(c, err.Error())
	default:
		c.Error(err)
		logging.Component("http").Error("[HTTP] request failed", "path", c.FullPath(), "error", err)
		response.InternalError(c, "Internal server error")
	}
}
