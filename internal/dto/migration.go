package dto

import (
	"time"

	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// SkippedRow reports one roster row the upload parser rejected.
type SkippedRow struct {
	Sheet  string `json:"sheet"`
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// ClassPreview summarises one class derived from the uploaded roster.
type ClassPreview struct {
	Name         string `json:"name"`
	SourceName   string `json:"source_name"`
	Grade        int    `json:"grade"`
	StudentCount int    `json:"student_count"`
}

// MigrationPreview is returned after a workbook upload, before a run starts.
type MigrationPreview struct {
	UploadID     string         `json:"upload_id"`
	SchoolPrefix string         `json:"school_prefix"`
	StudentCount int            `json:"student_count"`
	TeacherCount int            `json:"teacher_count"`
	ClassCount   int            `json:"class_count"`
	Classes      []ClassPreview `json:"classes"`
	Skipped      []SkippedRow   `json:"skipped,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// StartMigrationRequest starts a run from a previously uploaded roster.
type StartMigrationRequest struct {
	UploadID string `json:"upload_id" binding:"required"`
}

// MigrationRunResponse is the API shape of one run row.
type MigrationRunResponse struct {
	ID           string                 `json:"id"`
	SchoolPrefix string                 `json:"school_prefix"`
	Status       models.MigrationStatus `json:"status"`
	Phase        models.MigrationPhase  `json:"phase,omitempty"`
	StudentCount int                    `json:"student_count"`
	TeacherCount int                    `json:"teacher_count"`
	ClassCount   int                    `json:"class_count"`
	FailedCount  int                    `json:"failed_count"`
	RetryOfRunID *string                `json:"retry_of_run_id,omitempty"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
}

// MigrationProgressResponse is the live progress payload for one run.
type MigrationProgressResponse struct {
	RunID     string                 `json:"run_id"`
	Status    models.MigrationStatus `json:"status"`
	Phase     models.MigrationPhase  `json:"phase,omitempty"`
	Processed int                    `json:"processed"`
	Total     int                    `json:"total"`
	Failed    []models.UserRecord    `json:"failed,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// ExportResponse returns the signed download location of a rendered export.
type ExportResponse struct {
	URL       string    `json:"url"`
	Format    string    `json:"format"`
	ExpiresAt time.Time `json:"expires_at"`
}
