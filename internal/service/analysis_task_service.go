package service

import (
	"context"
	"fmt"

	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/repository"
)

// AnalysisTaskService exposes the batch cycle run log
type AnalysisTaskService struct {
	repo *repository.AnalysisTaskRepository
}

// NewAnalysisTaskService creates a new analysis task service
func NewAnalysisTaskService(repo *repository.AnalysisTaskRepository) *AnalysisTaskService {
	return &AnalysisTaskService{repo: repo}
}

// GetTask retrieves a task by ID
func (s *AnalysisTaskService) GetTask(ctx context.Context, id int64) (*models.AnalysisTask, error) {
	return s.repo.GetByID(ctx, id)
}

// ListTasks retrieves tasks with optional filters
func (s *AnalysisTaskService) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.AnalysisTask, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 20
	}
	switch filter.Status {
	case "", models.TaskStatusPending, models.TaskStatusRunning, models.TaskStatusCompleted, models.TaskStatusFailed:
	default:
		return nil, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	return s.repo.List(ctx, filter)
}
