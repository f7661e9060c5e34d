package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-migrate-api/internal/dto"
	"github.com/noah-isme/sma-migrate-api/internal/migration"
	"github.com/noah-isme/sma-migrate-api/internal/models"
	"github.com/noah-isme/sma-migrate-api/internal/repository"
	"github.com/noah-isme/sma-migrate-api/internal/roster"
	appErrors "github.com/noah-isme/sma-migrate-api/pkg/errors"
	"github.com/noah-isme/sma-migrate-api/pkg/export"
	"github.com/noah-isme/sma-migrate-api/pkg/jobs"
)

type migrationRunStore interface {
	Create(ctx context.Context, run *models.MigrationRun) error
	GetByID(ctx context.Context, id string) (*models.MigrationRun, error)
	Update(ctx context.Context, id string, params repository.UpdateRunParams) error
	List(ctx context.Context, filter models.MigrationRunFilter) ([]models.MigrationRun, int, error)
	FindActive(ctx context.Context) (*models.MigrationRun, error)
}

type migrationRecordStore interface {
	Save(ctx context.Context, runID string, users []models.UserRecord, classes []models.ClassRecord) error
	Get(ctx context.Context, runID string) ([]models.UserRecord, []models.ClassRecord, error)
}

type runQueue interface {
	Enqueue(job jobs.Job) error
}

type previewCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type exportStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
}

type exportSigner interface {
	Generate(jobID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error)
}

// MigrationEngine is the slice of the pipeline engine the service drives.
type MigrationEngine interface {
	Migrate(ctx context.Context, input migration.Input) (*models.MigrationResult, error)
	RetryUsers(ctx context.Context, input migration.RetryInput) (*models.MigrationResult, error)
	Controller() *migration.Controller
}

// EngineFactory builds a fresh engine for one run. Engines are single-use:
// throttle and controller state is scoped to the run that owns it.
type EngineFactory func(onProgress migration.ProgressFunc) MigrationEngine

// MigrationServiceConfig governs upload and progress retention.
type MigrationServiceConfig struct {
	UploadTTL   time.Duration
	ProgressTTL time.Duration
}

// MigrationService owns the run lifecycle: workbook upload and preview,
// starting and supervising runs, live progress, retry-from-failure, and
// result exports. Execution happens on the job queue; at most one run is
// active at a time.
type MigrationService struct {
	runs    migrationRunStore
	records migrationRecordStore
	cache   previewCache
	exports exportStorage
	signer  exportSigner
	queue   runQueue
	engines EngineFactory
	metrics *MetricsService
	logger  *zap.Logger
	cfg     MigrationServiceConfig

	mu     sync.Mutex
	active map[string]MigrationEngine
}

// NewMigrationService constructs the service.
func NewMigrationService(
	runs migrationRunStore,
	records migrationRecordStore,
	cache previewCache,
	exports exportStorage,
	signer exportSigner,
	queue runQueue,
	engines EngineFactory,
	metrics *MetricsService,
	logger *zap.Logger,
	cfg MigrationServiceConfig,
) *MigrationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = time.Hour
	}
	if cfg.ProgressTTL <= 0 {
		cfg.ProgressTTL = 24 * time.Hour
	}
	return &MigrationService{
		runs:    runs,
		records: records,
		cache:   cache,
		exports: exports,
		signer:  signer,
		queue:   queue,
		engines: engines,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		active:  make(map[string]MigrationEngine),
	}
}

type uploadPayload struct {
	SchoolPrefix string               `json:"school_prefix"`
	Students     []models.UserRecord  `json:"students"`
	Teachers     []models.UserRecord  `json:"teachers"`
	Classes      []models.ClassRecord `json:"classes"`
}

// Upload parses an uploaded workbook, stages the parsed roster under a
// short-lived upload ID, and returns a preview for operator confirmation.
func (s *MigrationService) Upload(ctx context.Context, data []byte, schoolPrefix string) (*dto.MigrationPreview, error) {
	if schoolPrefix == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "school prefix is required")
	}

	parsed, err := roster.Parse(data, schoolPrefix)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidWorkbook.Code, appErrors.ErrInvalidWorkbook.Status, "workbook could not be parsed")
	}
	if len(parsed.Students) == 0 && len(parsed.Teachers) == 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidWorkbook, "workbook contains no usable rows")
	}

	uploadID := uuid.NewString()
	payload := uploadPayload{
		SchoolPrefix: schoolPrefix,
		Students:     parsed.Students,
		Teachers:     parsed.Teachers,
		Classes:      parsed.Classes,
	}
	if err := s.cache.Set(ctx, uploadKey(uploadID), payload, s.cfg.UploadTTL); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to stage upload")
	}

	preview := &dto.MigrationPreview{
		UploadID:     uploadID,
		SchoolPrefix: schoolPrefix,
		StudentCount: len(parsed.Students),
		TeacherCount: len(parsed.Teachers),
		ClassCount:   len(parsed.Classes),
		ExpiresAt:    time.Now().UTC().Add(s.cfg.UploadTTL),
	}
	for _, class := range parsed.Classes {
		count := 0
		for _, st := range parsed.Students {
			if st.ClassName == class.MatchName() {
				count++
			}
		}
		preview.Classes = append(preview.Classes, dto.ClassPreview{
			Name:         class.Name,
			SourceName:   class.SourceName,
			Grade:        class.Grade,
			StudentCount: count,
		})
	}
	for _, skipped := range parsed.Skipped {
		preview.Skipped = append(preview.Skipped, dto.SkippedRow{
			Sheet:  skipped.Sheet,
			Row:    skipped.Row,
			Reason: skipped.Reason,
		})
	}
	return preview, nil
}

// Start creates a run from a staged upload and enqueues its execution. Only
// one run may be active across the instance.
func (s *MigrationService) Start(ctx context.Context, uploadID, actorID string) (*dto.MigrationRunResponse, error) {
	if active, err := s.runs.FindActive(ctx); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check active runs")
	} else if active != nil {
		return nil, appErrors.Clone(appErrors.ErrRunActive, fmt.Sprintf("run %s is still %s", active.ID, active.Status))
	}

	var payload uploadPayload
	hit, err := s.cache.Get(ctx, uploadKey(uploadID), &payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load staged upload")
	}
	if !hit {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "upload not found or expired")
	}

	run := &models.MigrationRun{
		SchoolPrefix: payload.SchoolPrefix,
		Status:       models.StatusIdle,
		StudentCount: len(payload.Students),
		TeacherCount: len(payload.Teachers),
		ClassCount:   len(payload.Classes),
		CreatedBy:    actorID,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create run")
	}

	users := make([]models.UserRecord, 0, len(payload.Students)+len(payload.Teachers))
	users = append(users, payload.Students...)
	users = append(users, payload.Teachers...)
	if err := s.records.Save(ctx, run.ID, users, payload.Classes); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist run records")
	}

	if err := s.enqueue(ctx, run.ID); err != nil {
		return nil, err
	}
	return toRunResponse(run), nil
}

// Retry seeds a new run from a finished run's persisted records. Completed
// phases carried in the records are skipped by the engine; only failed or
// unfinished work is re-executed.
func (s *MigrationService) Retry(ctx context.Context, runID, actorID string) (*dto.MigrationRunResponse, error) {
	source, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !isTerminal(source.Status) {
		return nil, appErrors.Clone(appErrors.ErrRunActive, "source run has not finished")
	}
	if active, err := s.runs.FindActive(ctx); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check active runs")
	} else if active != nil {
		return nil, appErrors.Clone(appErrors.ErrRunActive, fmt.Sprintf("run %s is still %s", active.ID, active.Status))
	}

	users, classes, err := s.records.Get(ctx, source.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load source run records")
	}

	retry := &models.MigrationRun{
		SchoolPrefix: source.SchoolPrefix,
		Status:       models.StatusIdle,
		StudentCount: source.StudentCount,
		TeacherCount: source.TeacherCount,
		ClassCount:   source.ClassCount,
		RetryOfRunID: &source.ID,
		CreatedBy:    actorID,
	}
	if err := s.runs.Create(ctx, retry); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create retry run")
	}
	if err := s.records.Save(ctx, retry.ID, users, classes); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist retry run records")
	}

	if err := s.enqueue(ctx, retry.ID); err != nil {
		return nil, err
	}
	return toRunResponse(retry), nil
}

func (s *MigrationService) enqueue(ctx context.Context, runID string) error {
	if err := s.queue.Enqueue(jobs.Job{ID: runID, Type: "migration"}); err != nil {
		status := models.StatusFailed
		msg := "failed to enqueue run"
		now := time.Now().UTC()
		_ = s.runs.Update(ctx, runID, repository.UpdateRunParams{
			Status:       &status,
			ErrorMessage: &msg,
			FinishedAt:   &now,
		})
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue run")
	}
	return nil
}

// Handle executes one queued run. Entity failures are collected into the
// result; only enqueue-level errors propagate back to the queue.
func (s *MigrationService) Handle(ctx context.Context, job jobs.Job) error {
	run, err := s.runs.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	users, classes, err := s.records.Get(ctx, run.ID)
	if err != nil {
		s.failRun(ctx, run.ID, "run records missing: "+err.Error())
		return nil
	}

	now := time.Now().UTC()
	running := models.StatusRunning
	if err := s.runs.Update(ctx, run.ID, repository.UpdateRunParams{Status: &running, StartedAt: &now}); err != nil {
		return err
	}

	engine := s.engines(func(p models.MigrationProgress) {
		s.publishProgress(run.ID, p)
	})
	s.registerEngine(run.ID, engine)
	defer s.releaseEngine(run.ID)

	var result *models.MigrationResult
	if run.RetryOfRunID != nil {
		result, err = engine.RetryUsers(ctx, migration.RetryInput{
			SchoolPrefix: run.SchoolPrefix,
			Users:        users,
			Classes:      classes,
		})
	} else {
		students, teachers := splitByKind(users)
		result, err = engine.Migrate(ctx, migration.Input{
			SchoolPrefix: run.SchoolPrefix,
			Students:     students,
			Teachers:     teachers,
			Classes:      classes,
		})
	}
	if err != nil {
		s.failRun(ctx, run.ID, err.Error())
		return nil
	}

	status := models.StatusCompleted
	if engine.Controller().Status() == models.StatusCancelled {
		status = models.StatusCancelled
	}
	s.finishRun(ctx, run, status, result)
	return nil
}

func (s *MigrationService) finishRun(ctx context.Context, run *models.MigrationRun, status models.MigrationStatus, result *models.MigrationResult) {
	allUsers := make([]models.UserRecord, 0, len(result.Students)+len(result.Teachers)+len(result.FailedUsers))
	allUsers = append(allUsers, result.Students...)
	allUsers = append(allUsers, result.Teachers...)
	allUsers = append(allUsers, result.FailedUsers...)
	allClasses := make([]models.ClassRecord, 0, len(result.Classes)+len(result.FailedClasses))
	allClasses = append(allClasses, result.Classes...)
	allClasses = append(allClasses, result.FailedClasses...)

	if err := s.records.Save(ctx, run.ID, allUsers, allClasses); err != nil {
		s.logger.Warn("failed to persist final run records", zap.String("run_id", run.ID), zap.Error(err))
	}

	var snapshotPath *string
	path, err := migration.WriteSnapshot(s.exports, run.SchoolPrefix, result, time.Now())
	if err != nil {
		s.logger.Warn("failed to write run snapshot", zap.String("run_id", run.ID), zap.Error(err))
	} else {
		snapshotPath = &path
	}

	failed := len(result.FailedUsers)
	now := time.Now().UTC()
	params := repository.UpdateRunParams{
		Status:       &status,
		FailedCount:  &failed,
		SnapshotPath: snapshotPath,
		FinishedAt:   &now,
	}
	if result.RoleAssignError != "" {
		params.ErrorMessage = &result.RoleAssignError
	}
	if err := s.runs.Update(ctx, run.ID, params); err != nil {
		s.logger.Error("failed to finalize run row", zap.String("run_id", run.ID), zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.RecordMigrationRun(status)
	}
	s.logger.Info("migration run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("failed_users", failed))
}

func (s *MigrationService) failRun(ctx context.Context, runID, message string) {
	status := models.StatusFailed
	now := time.Now().UTC()
	if err := s.runs.Update(ctx, runID, repository.UpdateRunParams{
		Status:       &status,
		ErrorMessage: &message,
		FinishedAt:   &now,
	}); err != nil {
		s.logger.Error("failed to mark run failed", zap.String("run_id", runID), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.RecordMigrationRun(status)
	}
}

// publishProgress pushes a snapshot into the cache and checkpoints the
// working set whenever the engine reports full record arrays. The records
// table always holds a state a retry run can resume from.
func (s *MigrationService) publishProgress(runID string, p models.MigrationProgress) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.cache.Set(ctx, progressKey(runID), p, s.cfg.ProgressTTL); err != nil {
		s.logger.Debug("progress cache write failed", zap.String("run_id", runID), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.RecordMigrationPhase(p.Phase, p.Processed)
	}

	if len(p.Students)+len(p.Teachers)+len(p.Failed) == 0 {
		return
	}
	users := make([]models.UserRecord, 0, len(p.Students)+len(p.Teachers)+len(p.Failed))
	users = append(users, p.Students...)
	users = append(users, p.Teachers...)
	users = append(users, p.Failed...)
	if err := s.records.Save(ctx, runID, users, p.Classes); err != nil {
		s.logger.Warn("failed to checkpoint run records", zap.String("run_id", runID), zap.Error(err))
	}

	phase := p.Phase
	if err := s.runs.Update(ctx, runID, repository.UpdateRunParams{Phase: &phase}); err != nil {
		s.logger.Debug("failed to update run phase", zap.String("run_id", runID), zap.Error(err))
	}
}

// Pause suspends the active run at its next checkpoint.
func (s *MigrationService) Pause(runID string) error {
	engine, ok := s.lookupEngine(runID)
	if !ok {
		return appErrors.Clone(appErrors.ErrRunNotRunning, "run is not executing on this instance")
	}
	engine.Controller().Pause()
	return nil
}

// Resume unblocks a paused run.
func (s *MigrationService) Resume(runID string) error {
	engine, ok := s.lookupEngine(runID)
	if !ok {
		return appErrors.Clone(appErrors.ErrRunNotRunning, "run is not executing on this instance")
	}
	engine.Controller().Resume()
	return nil
}

// Cancel stops the active run at its next checkpoint. Nothing already created
// remotely is rolled back.
func (s *MigrationService) Cancel(runID string) error {
	engine, ok := s.lookupEngine(runID)
	if !ok {
		return appErrors.Clone(appErrors.ErrRunNotRunning, "run is not executing on this instance")
	}
	engine.Controller().Cancel()
	return nil
}

// GetRun returns one run row.
func (s *MigrationService) GetRun(ctx context.Context, runID string) (*dto.MigrationRunResponse, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return toRunResponse(run), nil
}

// ListRuns returns run history with pagination.
func (s *MigrationService) ListRuns(ctx context.Context, filter models.MigrationRunFilter) ([]dto.MigrationRunResponse, *models.Pagination, error) {
	runs, total, err := s.runs.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list runs")
	}
	out := make([]dto.MigrationRunResponse, 0, len(runs))
	for i := range runs {
		out = append(out, *toRunResponse(&runs[i]))
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return out, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Progress returns the live progress snapshot for a run, falling back to the
// persisted run row when no cached snapshot exists.
func (s *MigrationService) Progress(ctx context.Context, runID string) (*dto.MigrationProgressResponse, error) {
	var snapshot models.MigrationProgress
	hit, err := s.cache.Get(ctx, progressKey(runID), &snapshot)
	if err != nil {
		s.logger.Debug("progress cache read failed", zap.String("run_id", runID), zap.Error(err))
	}
	if hit {
		return &dto.MigrationProgressResponse{
			RunID:     runID,
			Status:    snapshot.Status,
			Phase:     snapshot.Phase,
			Processed: snapshot.Processed,
			Total:     snapshot.Total,
			Failed:    snapshot.Failed,
			UpdatedAt: snapshot.UpdatedAt,
		}, nil
	}

	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &dto.MigrationProgressResponse{
		RunID:     runID,
		Status:    run.Status,
		Phase:     run.Phase,
		UpdatedAt: run.CreatedAt,
	}, nil
}

const (
	// ExportFormatCSV renders the run outcome as a spreadsheet-friendly CSV.
	ExportFormatCSV = "csv"
	// ExportFormatPDF renders the run outcome as a printable PDF.
	ExportFormatPDF = "pdf"
)

// Export renders a finished run's user records into the requested format and
// returns a signed, time-limited download URL.
func (s *MigrationService) Export(ctx context.Context, runID, format string) (*dto.ExportResponse, error) {
	if format != ExportFormatCSV && format != ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported export format")
	}
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !isTerminal(run.Status) {
		return nil, appErrors.Clone(appErrors.ErrRunActive, "run has not finished")
	}

	users, _, err := s.records.Get(ctx, run.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load run records")
	}

	dataset := resultDataset(users)
	var rendered []byte
	switch format {
	case ExportFormatCSV:
		rendered, err = export.NewCSVExporter().Render(dataset)
	case ExportFormatPDF:
		rendered, err = export.NewPDFExporter().Render(dataset, "Migration "+run.SchoolPrefix)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	relPath := filepath.Join(run.ID, "accounts."+format)
	if _, err := s.exports.Save(relPath, rendered); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store export")
	}

	token, expiresAt, err := s.signer.Generate(run.ID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign export url")
	}
	return &dto.ExportResponse{
		URL:       "/api/v1/exports/" + token,
		Format:    format,
		ExpiresAt: expiresAt,
	}, nil
}

// ExportDownload aggregates resolved export download data.
type ExportDownload struct {
	File     *os.File
	Filename string
	Format   string
}

// ResolveExport validates a signed token and opens the referenced file.
func (s *MigrationService) ResolveExport(token string) (*ExportDownload, error) {
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	file, err := s.exports.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export file")
	}
	filename := filepath.Base(relPath)
	format := ExportFormatCSV
	if filepath.Ext(filename) == ".pdf" {
		format = ExportFormatPDF
	}
	return &ExportDownload{File: file, Filename: filename, Format: format}, nil
}

func (s *MigrationService) getRun(ctx context.Context, runID string) (*models.MigrationRun, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load run")
	}
	return run, nil
}

func (s *MigrationService) registerEngine(runID string, engine MigrationEngine) {
	s.mu.Lock()
	s.active[runID] = engine
	s.mu.Unlock()
}

func (s *MigrationService) releaseEngine(runID string) {
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()
}

func (s *MigrationService) lookupEngine(runID string) (MigrationEngine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	engine, ok := s.active[runID]
	return engine, ok
}

func splitByKind(users []models.UserRecord) (students, teachers []models.UserRecord) {
	for _, u := range users {
		if u.Kind == models.UserKindTeacher {
			teachers = append(teachers, u)
			continue
		}
		students = append(students, u)
	}
	return students, teachers
}

func isTerminal(status models.MigrationStatus) bool {
	switch status {
	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		return true
	default:
		return false
	}
}

func resultDataset(users []models.UserRecord) export.Dataset {
	headers := []string{"Username", "Display Name", "Kind", "Class", "Phone", "Status", "Failure"}
	rows := make([]map[string]string, 0, len(users))
	for _, u := range users {
		status := "pending"
		switch {
		case u.Failed():
			status = "failed"
		case u.State.RoleAssigned || u.State.AddedToClass:
			status = "completed"
		case u.State.Registered:
			status = "created"
		}
		username := u.ActualUsername
		if username == "" {
			username = u.Username
		}
		display := u.ActualDisplayName
		if display == "" {
			display = u.DisplayName
		}
		rows = append(rows, map[string]string{
			"Username":     username,
			"Display Name": display,
			"Kind":         string(u.Kind),
			"Class":        u.ClassName,
			"Phone":        u.PhoneNumber,
			"Status":       status,
			"Failure":      u.FailureReason,
		})
	}
	return export.Dataset{Headers: headers, Rows: rows}
}

func toRunResponse(run *models.MigrationRun) *dto.MigrationRunResponse {
	return &dto.MigrationRunResponse{
		ID:           run.ID,
		SchoolPrefix: run.SchoolPrefix,
		Status:       run.Status,
		Phase:        run.Phase,
		StudentCount: run.StudentCount,
		TeacherCount: run.TeacherCount,
		ClassCount:   run.ClassCount,
		FailedCount:  run.FailedCount,
		RetryOfRunID: run.RetryOfRunID,
		ErrorMessage: run.ErrorMessage,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
}

func uploadKey(id string) string   { return "migration:upload:" + id }
func progressKey(id string) string { return "migration:progress:" + id }
