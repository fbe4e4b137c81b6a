package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"catalog-import-service/internal/events"
	"catalog-import-service/internal/importer"
	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"
	"catalog-import-service/internal/spreadsheet"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultImportType = "catalog"

var errUnreadableFile = errors.New("file could not be parsed")

// JobTracker stores the status of asynchronous imports
type JobTracker interface {
	events.Sink
	Create(ctx context.Context, job *models.ImportJob) error
	Get(ctx context.Context, id string) (*models.ImportJob, error)
	Complete(ctx context.Context, id string, result interface{}, runErr error) error
}

// MappingStore remembers the last column mapping per user and import type
type MappingStore interface {
	Get(ctx context.Context, userID, importType string) (map[string]int, error)
	Put(ctx context.Context, userID, importType string, mapping map[string]int) error
}

// ImportOptions configures an ImportHandler
type ImportOptions struct {
	UploadDir      string
	MaxUploadBytes int64
	ProgressBuffer int
	Events         events.Sink // extra progress sink, e.g. NATS; may be nil
}

type ImportHandler struct {
	service  *importer.Service
	jobs     JobTracker
	mappings MappingStore
	opts     ImportOptions
	logger   *logrus.Entry
	wg       sync.WaitGroup
}

func NewImportHandler(service *importer.Service, jobs JobTracker, mappings MappingStore, opts ImportOptions, logger *logrus.Entry) *ImportHandler {
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	return &ImportHandler{
		service:  service,
		jobs:     jobs,
		mappings: mappings,
		opts:     opts,
		logger:   logger.WithField("component", "import-handler"),
	}
}

// Wait blocks until every running import has finished
func (h *ImportHandler) Wait() {
	h.wg.Wait()
}

// GetImportTemplate returns the import template definition or file
// GET /api/v1/imports/template
func (h *ImportHandler) GetImportTemplate(c *gin.Context) {
	template := models.CatalogImportTemplate()

	switch c.DefaultQuery("format", "json") {
	case "csv":
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", "attachment; filename=catalog_import_template.csv")
		if err := spreadsheet.WriteCSVTemplate(c.Writer, template); err != nil {
			h.logger.WithError(err).Error("Failed to write CSV template")
		}
	case "xlsx":
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=catalog_import_template.xlsx")
		if err := spreadsheet.WriteXLSXTemplate(c.Writer, template); err != nil {
			h.logger.WithError(err).Error("Failed to write XLSX template")
		}
	default:
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"template": template,
		})
	}
}

// PreviewImport plans an uploaded file without writing anything
// POST /api/v1/imports/preview
func (h *ImportHandler) PreviewImport(c *gin.Context) {
	req, ok := h.bindImportRequest(c)
	if !ok {
		return
	}
	defer req.file.Close()

	format := req.format
	file := req.file
	plan, err := h.service.Preview(c.Request.Context(), importer.Job{
		ID: "preview",
		Source: importer.SourceFunc(func(ctx context.Context) ([]string, []importer.Record, error) {
			headers, records, err := spreadsheet.Decode(file, format)
			if err != nil && !errors.Is(err, spreadsheet.ErrNoHeader) {
				return nil, nil, fmt.Errorf("%w: %v", errUnreadableFile, err)
			}
			return headers, records, err
		}),
		Mapping: req.mapping,
		Options: req.options,
	})
	if err != nil {
		h.respondImportError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{
		Success: true,
		Data:    plan,
	})
}

// StartImport stores the upload and runs the import in the background
// POST /api/v1/imports
func (h *ImportHandler) StartImport(c *gin.Context) {
	req, ok := h.bindImportRequest(c)
	if !ok {
		return
	}
	req.file.Close()

	jobID := uuid.New().String()
	path := filepath.Join(h.opts.UploadDir, jobID+filepath.Ext(req.filename))
	if err := c.SaveUploadedFile(req.header, path); err != nil {
		h.logger.WithError(err).Error("Failed to store upload")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "UPLOAD_FAILED",
				Message: "Failed to store uploaded file",
			},
		})
		return
	}
	artifact := importer.TempFile(path)

	job := &models.ImportJob{
		ID:       jobID,
		Status:   models.ImportStatusPending,
		FileName: req.filename,
		Options:  req.options,
	}
	if err := h.jobs.Create(c.Request.Context(), job); err != nil {
		_ = artifact.Release()
		h.logger.WithError(err).Error("Failed to create import job")
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "JOB_STORE_UNAVAILABLE",
				Message: "Import jobs cannot be tracked right now",
			},
		})
		return
	}

	h.wg.Add(1)
	go h.run(importer.Job{
		ID:       jobID,
		Source:   spreadsheet.FileSource{Path: path, Format: req.format},
		Mapping:  req.mapping,
		Options:  req.options,
		Artifact: artifact,
	}, req.userID, req.importType, req.mappingProvided)

	c.JSON(http.StatusAccepted, models.SuccessResponse{
		Success: true,
		Data: gin.H{
			"jobId":  jobID,
			"status": job.Status,
		},
	})
}

// run executes one import detached from the request
func (h *ImportHandler) run(job importer.Job, userID, importType string, saveMapping bool) {
	defer h.wg.Done()
	ctx := context.Background()
	log := h.logger.WithField("job_id", job.ID)

	sinks := events.MultiSink{h.jobs, events.NewLogSink(h.logger)}
	if h.opts.Events != nil {
		sinks = append(sinks, h.opts.Events)
	}
	async := events.NewAsyncSink(sinks, h.opts.ProgressBuffer, h.logger)
	job.Sink = async

	outcome, err := h.service.Run(ctx, job)
	async.Close()

	var result interface{}
	if outcome != nil {
		result = outcome
	}
	if cerr := h.jobs.Complete(ctx, job.ID, result, err); cerr != nil {
		log.WithError(cerr).Error("Failed to store import result")
	}
	if err != nil {
		log.WithError(err).Warn("Import failed")
		return
	}

	if saveMapping && userID != "" && h.mappings != nil {
		if err := h.mappings.Put(ctx, userID, importType, outcome.Plan.Mapping); err != nil {
			log.WithError(err).Warn("Failed to cache column mapping")
		}
	}
}

// GetImport returns the status of an import job
// GET /api/v1/imports/:id
func (h *ImportHandler) GetImport(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "JOB_NOT_FOUND",
				Message: "Import job not found or expired",
			},
		})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to load import job")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "JOB_LOOKUP_FAILED",
				Message: "Failed to load import job",
			},
		})
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{
		Success: true,
		Data:    job,
	})
}

// GetMapping returns the cached column mapping of the calling user
// GET /api/v1/imports/mapping
func (h *ImportHandler) GetMapping(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	importType := c.DefaultQuery("importType", defaultImportType)
	if userID == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "USER_REQUIRED",
				Message: "X-User-ID header is required",
			},
		})
		return
	}

	mapping, err := h.mappings.Get(c.Request.Context(), userID, importType)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "MAPPING_NOT_FOUND",
				Message: "No saved column mapping",
			},
		})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to load column mapping")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "MAPPING_LOOKUP_FAILED",
				Message: "Failed to load column mapping",
			},
		})
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{
		Success: true,
		Data:    mapping,
	})
}

// SaveMapping stores a column mapping for the calling user
// PUT /api/v1/imports/mapping
func (h *ImportHandler) SaveMapping(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	var req struct {
		ImportType string         `json:"importType"`
		Mapping    map[string]int `json:"mapping" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || userID == "" {
		message := "X-User-ID header is required"
		if err != nil {
			message = err.Error()
		}
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: message,
			},
		})
		return
	}
	if missing := importer.ColumnMapping(req.Mapping).Missing(); len(missing) > 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "MAPPING_INCOMPLETE",
				Message: "Column mapping is missing required fields",
				Details: map[string]interface{}{"missing": missing},
			},
		})
		return
	}
	if req.ImportType == "" {
		req.ImportType = defaultImportType
	}

	if err := h.mappings.Put(c.Request.Context(), userID, req.ImportType, req.Mapping); err != nil {
		h.logger.WithError(err).Error("Failed to save column mapping")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "MAPPING_SAVE_FAILED",
				Message: "Failed to save column mapping",
			},
		})
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{
		Success: true,
		Data:    req.Mapping,
	})
}

// importRequest is a validated multipart import request
type importRequest struct {
	file            multipart.File
	header          *multipart.FileHeader
	filename        string
	format          models.ImportFormat
	options         models.ImportOptions
	mapping         importer.ColumnMapping
	mappingProvided bool
	userID          string
	importType      string
}

// bindImportRequest reads the upload and import options, writing the error
// response itself when they are invalid
func (h *ImportHandler) bindImportRequest(c *gin.Context) (*importRequest, bool) {
	if h.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "FILE_REQUIRED",
				Message: "Please upload a CSV or Excel file",
			},
		})
		return nil, false
	}

	format, err := spreadsheet.FormatFromFilename(header.Filename)
	if err != nil {
		file.Close()
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INVALID_FORMAT",
				Message: err.Error(),
			},
		})
		return nil, false
	}

	options, err := parseImportOptions(c)
	if err != nil {
		file.Close()
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INVALID_OPTIONS",
				Message: err.Error(),
			},
		})
		return nil, false
	}

	req := &importRequest{
		file:       file,
		header:     header,
		filename:   header.Filename,
		format:     format,
		options:    options,
		userID:     c.GetHeader("X-User-ID"),
		importType: c.DefaultPostForm("importType", defaultImportType),
	}

	if raw := c.PostForm("mapping"); raw != "" {
		var mapping map[string]int
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			file.Close()
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Success: false,
				Error: models.Error{
					Code:    "INVALID_MAPPING",
					Message: "mapping must be a JSON object of field name to column index",
				},
			})
			return nil, false
		}
		req.mapping = mapping
		req.mappingProvided = true
	} else if req.userID != "" && h.mappings != nil {
		cached, err := h.mappings.Get(c.Request.Context(), req.userID, req.importType)
		switch {
		case err == nil:
			req.mapping = cached
		case !errors.Is(err, repository.ErrNotFound):
			h.logger.WithError(err).Warn("Column mapping cache unavailable, auto-mapping headers")
		}
	}
	return req, true
}

func parseImportOptions(c *gin.Context) (models.ImportOptions, error) {
	mode, err := models.ParseImportMode(c.PostForm("mode"))
	if err != nil {
		return models.ImportOptions{}, err
	}
	opts := models.ImportOptions{Mode: mode, AutoGenerateParents: true}
	for field, target := range map[string]*bool{
		"autoGenerateParents": &opts.AutoGenerateParents,
		"autoAssignBarcodes":  &opts.AutoAssignBarcodes,
		"dryRun":              &opts.DryRun,
	} {
		raw := c.PostForm(field)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return models.ImportOptions{}, fmt.Errorf("%s must be true or false", field)
		}
		*target = v
	}
	return opts, opts.Validate()
}

// respondImportError maps planning failures to responses
func (h *ImportHandler) respondImportError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "IMPORT_FAILED"
	switch {
	case errors.Is(err, importer.ErrEmptyImport), errors.Is(err, spreadsheet.ErrNoHeader):
		status, code = http.StatusBadRequest, "EMPTY_FILE"
	case errors.Is(err, importer.ErrMappingIncomplete):
		status, code = http.StatusBadRequest, "MAPPING_INCOMPLETE"
	case errors.Is(err, errUnreadableFile):
		status, code = http.StatusBadRequest, "PARSE_ERROR"
	case errors.Is(err, repository.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).Error("Import preview failed")
	}
	c.JSON(status, models.ErrorResponse{
		Success: false,
		Error: models.Error{
			Code:    code,
			Message: err.Error(),
		},
	})
}
