package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-migrate-api/internal/migration"
	"github.com/noah-isme/sma-migrate-api/internal/models"
	"github.com/noah-isme/sma-migrate-api/internal/repository"
	appErrors "github.com/noah-isme/sma-migrate-api/pkg/errors"
	"github.com/noah-isme/sma-migrate-api/pkg/jobs"
	"github.com/noah-isme/sma-migrate-api/pkg/storage"
)

type stubRunStore struct {
	mu   sync.Mutex
	runs map[string]*models.MigrationRun
}

func newStubRunStore() *stubRunStore {
	return &stubRunStore{runs: make(map[string]*models.MigrationRun)}
}

func (s *stubRunStore) Create(_ context.Context, run *models.MigrationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = "run-" + time.Now().Format("150405.000000000")
	}
	if run.Status == "" {
		run.Status = models.StatusIdle
	}
	run.CreatedAt = time.Now().UTC()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *stubRunStore) GetByID(_ context.Context, id string) (*models.MigrationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "run not found")
	}
	copied := *run
	return &copied, nil
}

func (s *stubRunStore) Update(_ context.Context, id string, params repository.UpdateRunParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "run not found")
	}
	if params.Status != nil {
		run.Status = *params.Status
	}
	if params.Phase != nil {
		run.Phase = *params.Phase
	}
	if params.FailedCount != nil {
		run.FailedCount = *params.FailedCount
	}
	if params.SnapshotPath != nil {
		run.SnapshotPath = params.SnapshotPath
	}
	if params.ErrorMessage != nil {
		run.ErrorMessage = params.ErrorMessage
	}
	if params.StartedAt != nil {
		run.StartedAt = params.StartedAt
	}
	if params.FinishedAt != nil {
		run.FinishedAt = params.FinishedAt
	}
	return nil
}

func (s *stubRunStore) List(_ context.Context, _ models.MigrationRunFilter) ([]models.MigrationRun, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MigrationRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run)
	}
	return out, len(out), nil
}

func (s *stubRunStore) FindActive(_ context.Context) (*models.MigrationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.Status == models.StatusRunning || run.Status == models.StatusPaused {
			copied := *run
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *stubRunStore) seed(run models.MigrationRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = &run
}

type recordSet struct {
	users   []models.UserRecord
	classes []models.ClassRecord
}

type stubRecordStore struct {
	mu   sync.Mutex
	sets map[string]recordSet
}

func newStubRecordStore() *stubRecordStore {
	return &stubRecordStore{sets: make(map[string]recordSet)}
}

func (s *stubRecordStore) Save(_ context.Context, runID string, users []models.UserRecord, classes []models.ClassRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[runID] = recordSet{users: users, classes: classes}
	return nil
}

func (s *stubRecordStore) Get(_ context.Context, runID string) ([]models.UserRecord, []models.ClassRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[runID]
	if !ok {
		return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "records not found")
	}
	return set.users, set.classes, nil
}

type stubCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newStubCache() *stubCache {
	return &stubCache{items: make(map[string][]byte)}
}

func (s *stubCache) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.items[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (s *stubCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = data
	return nil
}

type stubQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (s *stubQueue) Enqueue(job jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *stubQueue) enqueued() []jobs.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jobs.Job(nil), s.jobs...)
}

type stubEngine struct {
	ctrl       *migration.Controller
	result     *models.MigrationResult
	err        error
	block      chan struct{}
	gotInput   *migration.Input
	gotRetry   *migration.RetryInput
	onProgress migration.ProgressFunc
}

func (e *stubEngine) Migrate(_ context.Context, input migration.Input) (*models.MigrationResult, error) {
	e.gotInput = &input
	if e.block != nil {
		<-e.block
	}
	return e.result, e.err
}

func (e *stubEngine) RetryUsers(_ context.Context, input migration.RetryInput) (*models.MigrationResult, error) {
	e.gotRetry = &input
	if e.block != nil {
		<-e.block
	}
	return e.result, e.err
}

func (e *stubEngine) Controller() *migration.Controller {
	return e.ctrl
}

type migrationFixture struct {
	svc     *MigrationService
	runs    *stubRunStore
	records *stubRecordStore
	cache   *stubCache
	queue   *stubQueue
	engine  *stubEngine
	signer  *storage.SignedURLSigner
}

func newMigrationFixture(t *testing.T) *migrationFixture {
	t.Helper()

	runs := newStubRunStore()
	records := newStubRecordStore()
	cache := newStubCache()
	queue := &stubQueue{}
	engine := &stubEngine{
		ctrl:   migration.NewController(),
		result: &models.MigrationResult{},
	}

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)

	factory := func(onProgress migration.ProgressFunc) MigrationEngine {
		engine.onProgress = onProgress
		return engine
	}
	svc := NewMigrationService(runs, records, cache, store, signer, queue, factory, nil, zap.NewNop(), MigrationServiceConfig{})
	return &migrationFixture{
		svc:     svc,
		runs:    runs,
		records: records,
		cache:   cache,
		queue:   queue,
		engine:  engine,
		signer:  signer,
	}
}

func buildUploadWorkbook(t *testing.T) []byte {
	t.Helper()

	f := excelize.NewFile()
	f.SetSheetName("Sheet1", "Students")
	_, err := f.NewSheet("Teachers")
	require.NoError(t, err)

	studentRows := [][]interface{}{
		{"Name", "Class", "Birth Date", "Phone"},
		{"An Nguyễn", "1A", "02/05/2018", "0901 234 567"},
		{"Bình Trần", "1B", "15/09/2018", ""},
	}
	for i, row := range studentRows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Students", cell, &row))
	}

	teacherRows := [][]interface{}{
		{"Name", "Class", "Phone"},
		{"Hoa Phạm", "1A", "0912345678"},
	}
	for i, row := range teacherRows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Teachers", cell, &row))
	}

	var buf strings.Builder
	require.NoError(t, f.Write(&buf))
	return []byte(buf.String())
}

func TestMigrationServiceUploadStagesRoster(t *testing.T) {
	fx := newMigrationFixture(t)

	preview, err := fx.svc.Upload(context.Background(), buildUploadWorkbook(t), "sch")
	require.NoError(t, err)
	assert.NotEmpty(t, preview.UploadID)
	assert.Equal(t, "sch", preview.SchoolPrefix)
	assert.Equal(t, 2, preview.StudentCount)
	assert.Equal(t, 1, preview.TeacherCount)
	assert.Equal(t, 2, preview.ClassCount)

	var payload uploadPayload
	hit, err := fx.cache.Get(context.Background(), "migration:upload:"+preview.UploadID, &payload)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Len(t, payload.Students, 2)
	assert.Len(t, payload.Teachers, 1)
}

func TestMigrationServiceUploadRejectsGarbage(t *testing.T) {
	fx := newMigrationFixture(t)

	_, err := fx.svc.Upload(context.Background(), []byte("not a workbook"), "sch")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidWorkbook.Code, appErrors.FromError(err).Code)

	_, err = fx.svc.Upload(context.Background(), buildUploadWorkbook(t), "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func stageUpload(t *testing.T, fx *migrationFixture) string {
	t.Helper()
	payload := uploadPayload{
		SchoolPrefix: "sch",
		Students: []models.UserRecord{
			{Kind: models.UserKindStudent, Username: "schan", ClassName: "1A"},
		},
		Teachers: []models.UserRecord{
			{Kind: models.UserKindTeacher, Username: "schhoapham", ClassName: "1A"},
		},
		Classes: []models.ClassRecord{{Name: "sch1A", SourceName: "1A", Grade: 1}},
	}
	require.NoError(t, fx.cache.Set(context.Background(), "migration:upload:up-1", payload, time.Hour))
	return "up-1"
}

func TestMigrationServiceStartCreatesRunAndEnqueues(t *testing.T) {
	fx := newMigrationFixture(t)
	uploadID := stageUpload(t, fx)

	run, err := fx.svc.Start(context.Background(), uploadID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, run.Status)
	assert.Equal(t, 1, run.StudentCount)
	assert.Equal(t, 1, run.TeacherCount)

	queued := fx.queue.enqueued()
	require.Len(t, queued, 1)
	assert.Equal(t, run.ID, queued[0].ID)

	users, classes, err := fx.records.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Len(t, classes, 1)
}

func TestMigrationServiceStartRejectsActiveRun(t *testing.T) {
	fx := newMigrationFixture(t)
	uploadID := stageUpload(t, fx)
	fx.runs.seed(models.MigrationRun{ID: "busy", Status: models.StatusRunning})

	_, err := fx.svc.Start(context.Background(), uploadID, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRunActive.Code, appErrors.FromError(err).Code)
}

func TestMigrationServiceStartRejectsExpiredUpload(t *testing.T) {
	fx := newMigrationFixture(t)

	_, err := fx.svc.Start(context.Background(), "missing", "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestMigrationServiceHandleFinalizesRun(t *testing.T) {
	fx := newMigrationFixture(t)
	uploadID := stageUpload(t, fx)
	run, err := fx.svc.Start(context.Background(), uploadID, "admin-1")
	require.NoError(t, err)

	fx.engine.result = &models.MigrationResult{
		Students: []models.UserRecord{{Kind: models.UserKindStudent, Username: "schan", State: models.UserState{Registered: true}}},
		Teachers: []models.UserRecord{{Kind: models.UserKindTeacher, Username: "schhoapham", State: models.UserState{Registered: true}}},
		Classes:  []models.ClassRecord{{Name: "sch1A", GroupID: "g1"}},
		FailedUsers: []models.UserRecord{
			{Kind: models.UserKindStudent, Username: "schfail", FailureReason: "registration failed"},
		},
	}

	require.NoError(t, fx.svc.Handle(context.Background(), jobs.Job{ID: run.ID}))

	require.NotNil(t, fx.engine.gotInput)
	assert.Len(t, fx.engine.gotInput.Students, 1)
	assert.Len(t, fx.engine.gotInput.Teachers, 1)
	assert.Equal(t, "sch", fx.engine.gotInput.SchoolPrefix)

	stored, err := fx.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.FailedCount)
	require.NotNil(t, stored.SnapshotPath)
	assert.Contains(t, *stored.SnapshotPath, "migration_sch_")
	require.NotNil(t, stored.FinishedAt)

	users, _, err := fx.records.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, users, 3)
}

func TestMigrationServiceHandleMarksRunFailed(t *testing.T) {
	fx := newMigrationFixture(t)
	uploadID := stageUpload(t, fx)
	run, err := fx.svc.Start(context.Background(), uploadID, "admin-1")
	require.NoError(t, err)

	fx.engine.result = nil
	fx.engine.err = migration.ErrAlreadyRunning

	require.NoError(t, fx.svc.Handle(context.Background(), jobs.Job{ID: run.ID}))

	stored, err := fx.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "already running")
}

func TestMigrationServiceHandleRetryRunUsesRetryPath(t *testing.T) {
	fx := newMigrationFixture(t)
	source := "src-1"
	fx.runs.seed(models.MigrationRun{ID: source, SchoolPrefix: "sch", Status: models.StatusFailed})
	fx.runs.seed(models.MigrationRun{ID: "retry-1", SchoolPrefix: "sch", Status: models.StatusIdle, RetryOfRunID: &source})
	require.NoError(t, fx.records.Save(context.Background(), "retry-1",
		[]models.UserRecord{{Kind: models.UserKindStudent, Username: "schan", State: models.UserState{Registered: true}}},
		[]models.ClassRecord{{Name: "sch1A"}}))

	require.NoError(t, fx.svc.Handle(context.Background(), jobs.Job{ID: "retry-1"}))

	assert.Nil(t, fx.engine.gotInput)
	require.NotNil(t, fx.engine.gotRetry)
	assert.Len(t, fx.engine.gotRetry.Users, 1)
	assert.True(t, fx.engine.gotRetry.Users[0].State.Registered)
}

func TestMigrationServicePauseResumeCancel(t *testing.T) {
	fx := newMigrationFixture(t)
	uploadID := stageUpload(t, fx)
	run, err := fx.svc.Start(context.Background(), uploadID, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, appErrors.ErrRunNotRunning.Code, appErrors.FromError(fx.svc.Pause(run.ID)).Code)

	fx.engine.block = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- fx.svc.Handle(context.Background(), jobs.Job{ID: run.ID}) }()

	require.Eventually(t, func() bool {
		return fx.svc.Pause(run.ID) == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, fx.svc.Resume(run.ID))
	require.NoError(t, fx.svc.Cancel(run.ID))
	assert.Equal(t, models.StatusCancelled, fx.engine.ctrl.Status())

	fx.engine.result = &models.MigrationResult{}
	close(fx.engine.block)
	require.NoError(t, <-done)

	stored, err := fx.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)

	assert.Equal(t, appErrors.ErrRunNotRunning.Code, appErrors.FromError(fx.svc.Pause(run.ID)).Code)
}

func TestMigrationServiceRetrySeedsNewRun(t *testing.T) {
	fx := newMigrationFixture(t)
	fx.runs.seed(models.MigrationRun{
		ID:           "src-1",
		SchoolPrefix: "sch",
		Status:       models.StatusFailed,
		StudentCount: 1,
		ClassCount:   1,
	})
	require.NoError(t, fx.records.Save(context.Background(), "src-1",
		[]models.UserRecord{{Kind: models.UserKindStudent, Username: "schan", State: models.UserState{Registered: true}, FailureReason: "login failed"}},
		[]models.ClassRecord{{Name: "sch1A"}}))

	retry, err := fx.svc.Retry(context.Background(), "src-1", "admin-1")
	require.NoError(t, err)
	require.NotNil(t, retry.RetryOfRunID)
	assert.Equal(t, "src-1", *retry.RetryOfRunID)
	assert.Equal(t, "sch", retry.SchoolPrefix)

	users, classes, err := fx.records.Get(context.Background(), retry.ID)
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Len(t, classes, 1)

	queued := fx.queue.enqueued()
	require.Len(t, queued, 1)
	assert.Equal(t, retry.ID, queued[0].ID)
}

func TestMigrationServiceRetryRejectsUnfinishedSource(t *testing.T) {
	fx := newMigrationFixture(t)
	fx.runs.seed(models.MigrationRun{ID: "src-1", Status: models.StatusRunning})

	_, err := fx.svc.Retry(context.Background(), "src-1", "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRunActive.Code, appErrors.FromError(err).Code)
}

func TestMigrationServiceProgressPrefersCachedSnapshot(t *testing.T) {
	fx := newMigrationFixture(t)
	fx.runs.seed(models.MigrationRun{ID: "run-1", Status: models.StatusRunning, Phase: models.PhaseLogin})

	snapshot := models.MigrationProgress{
		Status:    models.StatusRunning,
		Phase:     models.PhaseRegistration,
		Processed: 40,
		Total:     120,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, fx.cache.Set(context.Background(), "migration:progress:run-1", snapshot, time.Hour))

	progress, err := fx.svc.Progress(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRegistration, progress.Phase)
	assert.Equal(t, 40, progress.Processed)
	assert.Equal(t, 120, progress.Total)
}

func TestMigrationServiceProgressFallsBackToRunRow(t *testing.T) {
	fx := newMigrationFixture(t)
	fx.runs.seed(models.MigrationRun{ID: "run-1", Status: models.StatusCompleted, Phase: models.PhaseRoles})

	progress, err := fx.svc.Progress(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, progress.Status)
	assert.Equal(t, models.PhaseRoles, progress.Phase)
	assert.Zero(t, progress.Processed)
}

func TestMigrationServiceProgressCallbackCheckpointsRecords(t *testing.T) {
	fx := newMigrationFixture(t)
	uploadID := stageUpload(t, fx)
	run, err := fx.svc.Start(context.Background(), uploadID, "admin-1")
	require.NoError(t, err)

	fx.engine.block = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- fx.svc.Handle(context.Background(), jobs.Job{ID: run.ID}) }()
	require.Eventually(t, func() bool {
		_, ok := fx.svc.lookupEngine(run.ID)
		return ok
	}, time.Second, 5*time.Millisecond)

	fx.engine.onProgress(models.MigrationProgress{
		Status:    models.StatusRunning,
		Phase:     models.PhaseLogin,
		Processed: 1,
		Total:     2,
		Students:  []models.UserRecord{{Kind: models.UserKindStudent, Username: "schan", State: models.UserState{Registered: true, LoggedIn: true}}},
		Classes:   []models.ClassRecord{{Name: "sch1A"}},
		UpdatedAt: time.Now().UTC(),
	})

	users, _, err := fx.records.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.True(t, users[0].State.LoggedIn)

	stored, err := fx.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseLogin, stored.Phase)

	fx.engine.result = &models.MigrationResult{}
	close(fx.engine.block)
	require.NoError(t, <-done)
}

func TestMigrationServiceExportSignedDownload(t *testing.T) {
	fx := newMigrationFixture(t)
	fx.runs.seed(models.MigrationRun{ID: "run-1", SchoolPrefix: "sch", Status: models.StatusCompleted})
	require.NoError(t, fx.records.Save(context.Background(), "run-1",
		[]models.UserRecord{
			{Kind: models.UserKindStudent, Username: "schan", ActualUsername: "schan1", DisplayName: "An Nguyễn", ClassName: "1A", State: models.UserState{Registered: true, AddedToClass: true}},
			{Kind: models.UserKindStudent, Username: "schfail", FailureReason: "registration failed"},
		}, nil))

	resp, err := fx.svc.Export(context.Background(), "run-1", ExportFormatCSV)
	require.NoError(t, err)
	assert.Equal(t, ExportFormatCSV, resp.Format)
	require.True(t, strings.HasPrefix(resp.URL, "/api/v1/exports/"))

	token := strings.TrimPrefix(resp.URL, "/api/v1/exports/")
	download, err := fx.svc.ResolveExport(token)
	require.NoError(t, err)
	defer download.File.Close()
	assert.Equal(t, "accounts.csv", download.Filename)
	assert.Equal(t, ExportFormatCSV, download.Format)

	var content strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := download.File.Read(buf)
		content.Write(buf[:n])
		if readErr != nil {
			break
		}
	}
	assert.Contains(t, content.String(), "schan1")
	assert.Contains(t, content.String(), "registration failed")
}

func TestMigrationServiceExportRejectsActiveRun(t *testing.T) {
	fx := newMigrationFixture(t)
	fx.runs.seed(models.MigrationRun{ID: "run-1", Status: models.StatusRunning})

	_, err := fx.svc.Export(context.Background(), "run-1", ExportFormatCSV)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRunActive.Code, appErrors.FromError(err).Code)

	fx.runs.seed(models.MigrationRun{ID: "run-2", Status: models.StatusCompleted})
	_, err = fx.svc.Export(context.Background(), "run-2", "xlsx")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestMigrationServiceResolveExportRejectsBadToken(t *testing.T) {
	fx := newMigrationFixture(t)

	_, err := fx.svc.ResolveExport("not-a-token")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}
