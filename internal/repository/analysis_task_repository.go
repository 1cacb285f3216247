package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/models"
)

// AnalysisTaskRepository handles database operations for analysis tasks
type AnalysisTaskRepository struct {
	db DBTX
}

// NewAnalysisTaskRepository creates a new analysis task repository
func NewAnalysisTaskRepository(db DBTX) *AnalysisTaskRepository {
	return &AnalysisTaskRepository{db: db}
}

// Create creates a new analysis task
func (r *AnalysisTaskRepository) Create(ctx context.Context, task *models.AnalysisTask) error {
	now := time.Now().UTC()
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO analysis_tasks (
			skill_name, task_type, status, progress_percent, total_items, processed_items,
			failed_items, result_summary, error_message, created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.SkillName,
		task.TaskType,
		task.Status,
		task.ProgressPercent,
		task.TotalItems,
		task.ProcessedItems,
		task.FailedItems,
		task.ResultSummary,
		task.ErrorMessage,
		ms(now),
		nullMS(task.StartedAt),
		nullMS(task.CompletedAt),
		ms(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create analysis task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	task.ID = id
	task.CreatedAt = now
	task.UpdatedAt = now
	return nil
}

// Start marks a task as running
func (r *AnalysisTaskRepository) Start(ctx context.Context, id int64, totalItems int64) error {
	now := ms(time.Now())
	_, err := r.db.ExecContext(ctx, `
		UPDATE analysis_tasks
		SET status = ?, total_items = ?, started_at = ?, updated_at = ?
		WHERE id = ?`,
		models.TaskStatusRunning, totalItems, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to start analysis task: %w", err)
	}
	return nil
}

// UpdateProgress updates task progress
func (r *AnalysisTaskRepository) UpdateProgress(ctx context.Context, id int64, processed, failed, total int64) error {
	progress := 0.0
	if total > 0 {
		progress = float64(processed+failed) / float64(total) * 100
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE analysis_tasks
		SET processed_items = ?, failed_items = ?, total_items = ?, progress_percent = ?, updated_at = ?
		WHERE id = ?`,
		processed, failed, total, progress, ms(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// Complete marks a task as completed with its JSON summary
func (r *AnalysisTaskRepository) Complete(ctx context.Context, id int64, summary string) error {
	now := ms(time.Now())
	_, err := r.db.ExecContext(ctx, `
		UPDATE analysis_tasks
		SET status = ?, progress_percent = 100, result_summary = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		models.TaskStatusCompleted, summary, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete analysis task: %w", err)
	}
	return nil
}

// Fail marks a task as failed
func (r *AnalysisTaskRepository) Fail(ctx context.Context, id int64, errorMessage string) error {
	now := ms(time.Now())
	_, err := r.db.ExecContext(ctx, `
		UPDATE analysis_tasks
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		models.TaskStatusFailed, errorMessage, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark task as failed: %w", err)
	}
	return nil
}

const taskColumns = `id, skill_name, task_type, status, progress_percent, total_items, processed_items,
	failed_items, result_summary, error_message, created_at, started_at, completed_at, updated_at`

func scanTask(row scanner) (*models.AnalysisTask, error) {
	var (
		task               models.AnalysisTask
		created, updated   int64
		started, completed sql.NullInt64
	)
	err := row.Scan(
		&task.ID,
		&task.SkillName,
		&task.TaskType,
		&task.Status,
		&task.ProgressPercent,
		&task.TotalItems,
		&task.ProcessedItems,
		&task.FailedItems,
		&task.ResultSummary,
		&task.ErrorMessage,
		&created,
		&started,
		&completed,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	task.CreatedAt = fromMS(created)
	task.UpdatedAt = fromMS(updated)
	task.StartedAt = timePtr(started)
	task.CompletedAt = timePtr(completed)
	return &task, nil
}

// GetByID retrieves an analysis task by ID
func (r *AnalysisTaskRepository) GetByID(ctx context.Context, id int64) (*models.AnalysisTask, error) {
	task, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM analysis_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis task: %w", err)
	}
	return task, nil
}

// List retrieves analysis tasks with optional filters, newest first
func (r *AnalysisTaskRepository) List(ctx context.Context, filter models.TaskFilter) ([]*models.AnalysisTask, error) {
	query := `SELECT ` + taskColumns + ` FROM analysis_tasks WHERE 1=1`

	args := []any{}
	if filter.SkillName != "" {
		query += " AND skill_name = ?"
		args = append(args, filter.SkillName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limitOr(filter.Limit, 50))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.AnalysisTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteBefore prunes finished tasks created before the cutoff
func (r *AnalysisTaskRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM analysis_tasks WHERE created_at < ? AND status IN (?, ?)`,
		ms(before), models.TaskStatusCompleted, models.TaskStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to delete analysis tasks: %w", err)
	}
	return res.RowsAffected()
}
