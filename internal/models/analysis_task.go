package models

import "time"

// AnalysisTask represents one run of a batch cycle
type AnalysisTask struct {
	ID int64 `json:"id" db:"id"`

	// Task identification
	SkillName string `json:"skill_name" db:"skill_name"` // Which cycle ran
	TaskType  string `json:"task_type" db:"task_type"`   // INCREMENTAL, FULL_RECOMPUTE

	// Status
	Status          string  `json:"status" db:"status"` // pending, running, completed, failed
	ProgressPercent float64 `json:"progress_percent" db:"progress_percent"`

	// Execution info
	TotalItems     int64      `json:"total_items" db:"total_items"`
	ProcessedItems int64      `json:"processed_items" db:"processed_items"`
	FailedItems    int64      `json:"failed_items" db:"failed_items"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// Results
	ResultSummary string `json:"result_summary,omitempty" db:"result_summary"` // JSON object
	ErrorMessage  string `json:"error_message,omitempty" db:"error_message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TaskType constants
const (
	TaskTypeIncremental   = "INCREMENTAL"
	TaskTypeFullRecompute = "FULL_RECOMPUTE"
)

// TaskStatus constants
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Mode returns the analyzer mode string for the task type.
func (t *AnalysisTask) Mode() string {
	if t.TaskType == TaskTypeFullRecompute {
		return "full"
	}
	return "incremental"
}
