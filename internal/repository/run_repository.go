package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// RunRepository persists migration run metadata.
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository constructs the repository.
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

const runColumns = `id, school_prefix, status, phase, student_count, teacher_count, class_count, failed_count, snapshot_path, error_message, retry_of_run_id, created_by, created_at, started_at, finished_at`

// Create inserts a new run row with generated defaults.
func (r *RunRepository) Create(ctx context.Context, run *models.MigrationRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.StatusIdle
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO migration_runs (id, school_prefix, status, phase, student_count, teacher_count, class_count, failed_count, snapshot_path, error_message, retry_of_run_id, created_by, created_at, started_at, finished_at)
VALUES (:id, :school_prefix, :status, :phase, :student_count, :teacher_count, :class_count, :failed_count, :snapshot_path, :error_message, :retry_of_run_id, :created_by, :created_at, :started_at, :finished_at)`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("create migration run: %w", err)
	}
	return nil
}

// GetByID returns a run row by its identifier.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.MigrationRun, error) {
	query := fmt.Sprintf("SELECT %s FROM migration_runs WHERE id = $1", runColumns)
	var run models.MigrationRun
	if err := r.db.GetContext(ctx, &run, query, id); err != nil {
		return nil, fmt.Errorf("get migration run: %w", err)
	}
	return &run, nil
}

// UpdateRunParams defines the mutable fields of a run row.
type UpdateRunParams struct {
	Status       *models.MigrationStatus
	Phase        *models.MigrationPhase
	StudentCount *int
	TeacherCount *int
	ClassCount   *int
	FailedCount  *int
	SnapshotPath *string
	ErrorMessage *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Update persists the provided changes for a run row.
func (r *RunRepository) Update(ctx context.Context, id string, params UpdateRunParams) error {
	set := make([]string, 0, 10)
	args := make([]interface{}, 0, 11)
	argPos := 1

	add := func(column string, value interface{}) {
		set = append(set, fmt.Sprintf("%s = $%d", column, argPos))
		args = append(args, value)
		argPos++
	}

	if params.Status != nil {
		add("status", *params.Status)
	}
	if params.Phase != nil {
		add("phase", *params.Phase)
	}
	if params.StudentCount != nil {
		add("student_count", *params.StudentCount)
	}
	if params.TeacherCount != nil {
		add("teacher_count", *params.TeacherCount)
	}
	if params.ClassCount != nil {
		add("class_count", *params.ClassCount)
	}
	if params.FailedCount != nil {
		add("failed_count", *params.FailedCount)
	}
	if params.SnapshotPath != nil {
		add("snapshot_path", *params.SnapshotPath)
	}
	if params.ErrorMessage != nil {
		add("error_message", *params.ErrorMessage)
	}
	if params.StartedAt != nil {
		add("started_at", *params.StartedAt)
	}
	if params.FinishedAt != nil {
		add("finished_at", *params.FinishedAt)
	}

	if len(set) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE migration_runs SET %s WHERE id = $%d", strings.Join(set, ", "), argPos)
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update migration run: %w", err)
	}
	return nil
}

// List returns run history rows matching the filter, newest first, with the
// total count.
func (r *RunRepository) List(ctx context.Context, filter models.MigrationRunFilter) ([]models.MigrationRun, int, error) {
	baseQuery := `FROM migration_runs WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if filter.Prefix != "" {
		conditions = append(conditions, fmt.Sprintf("school_prefix = $%d", len(args)+1))
		args = append(args, filter.Prefix)
	}
	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	listQuery := fmt.Sprintf("SELECT %s %s ORDER BY created_at DESC LIMIT %d OFFSET %d", runColumns, baseQuery, pageSize, offset)

	var runs []models.MigrationRun
	if err := r.db.SelectContext(ctx, &runs, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list migration runs: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", baseQuery)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count migration runs: %w", err)
	}

	return runs, total, nil
}

// FindActive returns the run currently in a non-terminal state, if any. At
// most one run may be RUNNING or PAUSED at a time.
func (r *RunRepository) FindActive(ctx context.Context) (*models.MigrationRun, error) {
	query := fmt.Sprintf("SELECT %s FROM migration_runs WHERE status IN ('RUNNING', 'PAUSED') ORDER BY created_at DESC LIMIT 1", runColumns)
	var runs []models.MigrationRun
	if err := r.db.SelectContext(ctx, &runs, query); err != nil {
		return nil, fmt.Errorf("find active migration run: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}
