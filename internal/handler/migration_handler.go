package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-migrate-api/internal/dto"
	"github.com/noah-isme/sma-migrate-api/internal/models"
	"github.com/noah-isme/sma-migrate-api/internal/service"
	appErrors "github.com/noah-isme/sma-migrate-api/pkg/errors"
	"github.com/noah-isme/sma-migrate-api/pkg/response"
)

type migrationService interface {
	Upload(ctx context.Context, data []byte, schoolPrefix string) (*dto.MigrationPreview, error)
	Start(ctx context.Context, uploadID, actorID string) (*dto.MigrationRunResponse, error)
	Retry(ctx context.Context, runID, actorID string) (*dto.MigrationRunResponse, error)
	GetRun(ctx context.Context, runID string) (*dto.MigrationRunResponse, error)
	ListRuns(ctx context.Context, filter models.MigrationRunFilter) ([]dto.MigrationRunResponse, *models.Pagination, error)
	Progress(ctx context.Context, runID string) (*dto.MigrationProgressResponse, error)
	Pause(runID string) error
	Resume(runID string) error
	Cancel(runID string) error
	Export(ctx context.Context, runID, format string) (*dto.ExportResponse, error)
	ResolveExport(token string) (*service.ExportDownload, error)
}

// MigrationHandler exposes the migration run endpoints.
type MigrationHandler struct {
	service migrationService
}

// NewMigrationHandler constructs the handler.
func NewMigrationHandler(service migrationService) *MigrationHandler {
	return &MigrationHandler{service: service}
}

// Upload godoc
// @Summary Upload a roster workbook
// @Description Parses the workbook and stages it for a run, returning a preview
// @Tags Migrations
// @Accept multipart/form-data
// @Produce json
// @Param school_prefix formData string true "School username prefix"
// @Param file formData file true "Roster workbook (xlsx)"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /migrations/upload [post]
func (h *MigrationHandler) Upload(c *gin.Context) {
	schoolPrefix := strings.TrimSpace(c.PostForm("school_prefix"))
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close() //nolint:errcheck

	data, err := io.ReadAll(src)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read file"))
		return
	}

	preview, err := h.service.Upload(c.Request.Context(), data, schoolPrefix)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, preview, nil)
}

// Start godoc
// @Summary Start a migration run
// @Description Starts a run from a staged upload; only one run may be active
// @Tags Migrations
// @Accept json
// @Produce json
// @Param payload body dto.StartMigrationRequest true "Start payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /migrations [post]
func (h *MigrationHandler) Start(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.StartMigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "upload_id is required"))
		return
	}
	run, err := h.service.Start(c.Request.Context(), req.UploadID, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, run, nil)
}

// Get godoc
// @Summary Get one migration run
// @Tags Migrations
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Router /migrations/{id} [get]
func (h *MigrationHandler) Get(c *gin.Context) {
	run, err := h.service.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, run, nil)
}

// List godoc
// @Summary List migration runs
// @Tags Migrations
// @Produce json
// @Param status query string false "Status filter"
// @Param prefix query string false "School prefix filter"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /migrations [get]
func (h *MigrationHandler) List(c *gin.Context) {
	filter := models.MigrationRunFilter{Prefix: strings.TrimSpace(c.Query("prefix"))}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := models.MigrationStatus(strings.ToUpper(raw))
		filter.Status = &status
	}
	if page, err := strconv.Atoi(c.Query("page")); err == nil {
		filter.Page = page
	}
	if pageSize, err := strconv.Atoi(c.Query("page_size")); err == nil {
		filter.PageSize = pageSize
	}

	runs, pagination, err := h.service.ListRuns(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, runs, pagination)
}

// Progress godoc
// @Summary Live progress of a run
// @Tags Migrations
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Router /migrations/{id}/progress [get]
func (h *MigrationHandler) Progress(c *gin.Context) {
	progress, err := h.service.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, progress, nil)
}

// Pause godoc
// @Summary Pause the active run
// @Description The run suspends at its next checkpoint; in-flight calls finish
// @Tags Migrations
// @Produce json
// @Param id path string true "Run ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /migrations/{id}/pause [post]
func (h *MigrationHandler) Pause(c *gin.Context) {
	if err := h.service.Pause(c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Resume godoc
// @Summary Resume a paused run
// @Tags Migrations
// @Produce json
// @Param id path string true "Run ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /migrations/{id}/resume [post]
func (h *MigrationHandler) Resume(c *gin.Context) {
	if err := h.service.Resume(c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Cancel godoc
// @Summary Cancel the active run
// @Description Stops at the next checkpoint; created accounts are not rolled back
// @Tags Migrations
// @Produce json
// @Param id path string true "Run ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /migrations/{id}/cancel [post]
func (h *MigrationHandler) Cancel(c *gin.Context) {
	if err := h.service.Cancel(c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Retry godoc
// @Summary Retry a finished run
// @Description Seeds a new run from the source run's records; completed phases are skipped
// @Tags Migrations
// @Produce json
// @Param id path string true "Source run ID"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /migrations/{id}/retry [post]
func (h *MigrationHandler) Retry(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	run, err := h.service.Retry(c.Request.Context(), c.Param("id"), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, run, nil)
}

// Export godoc
// @Summary Export run results
// @Description Renders the run outcome and returns a signed download URL
// @Tags Migrations
// @Produce json
// @Param id path string true "Run ID"
// @Param format query string true "Export format (csv or pdf)"
// @Success 200 {object} response.Envelope
// @Router /migrations/{id}/export [post]
func (h *MigrationHandler) Export(c *gin.Context) {
	format := strings.ToLower(strings.TrimSpace(c.Query("format")))
	if format == "" {
		format = service.ExportFormatCSV
	}
	export, err := h.service.Export(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, export, nil)
}

// DownloadExport godoc
// @Summary Download a rendered export
// @Tags Migrations
// @Produce octet-stream
// @Param token path string true "Signed download token"
// @Success 200 {file} binary
// @Failure 403 {object} response.Envelope
// @Router /exports/{token} [get]
func (h *MigrationHandler) DownloadExport(c *gin.Context) {
	download, err := h.service.ResolveExport(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close() //nolint:errcheck

	size := int64(-1)
	if info, statErr := download.File.Stat(); statErr == nil {
		size = info.Size()
	}
	mimeType := "text/csv"
	if download.Format == service.ExportFormatPDF {
		mimeType = "application/pdf"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", download.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, size, mimeType, download.File, nil)
}
