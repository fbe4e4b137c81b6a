package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"catalog-import-service/internal/importer"
	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const blindsCSV = "product_name,variant_sku,variant_color,variant_size\n" +
	"Roller Blind Blue,120-001,Blue,\n" +
	"Roller Blind Red,120-002,Red,\n"

type testEnv struct {
	router   *gin.Engine
	store    *repository.MemoryStore
	jobs     *repository.JobStore
	mappings *repository.MappingCache
	imports  *ImportHandler
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	entry := logrus.NewEntry(logger)

	env := &testEnv{
		store:    repository.NewMemoryStore(),
		jobs:     repository.NewJobStore(client, time.Hour),
		mappings: repository.NewMappingCache(client, time.Hour),
		dir:      t.TempDir(),
	}
	env.imports = NewImportHandler(
		importer.NewService(env.store, entry, nil, 2),
		env.jobs,
		env.mappings,
		ImportOptions{UploadDir: env.dir, MaxUploadBytes: 1 << 20, ProgressBuffer: 16},
		entry,
	)
	barcodes := NewBarcodeHandler(env.store.Barcodes(), entry)

	router := gin.New()
	api := router.Group("/api/v1")
	imports := api.Group("/imports")
	{
		imports.GET("/template", env.imports.GetImportTemplate)
		imports.GET("/mapping", env.imports.GetMapping)
		imports.PUT("/mapping", env.imports.SaveMapping)
		imports.POST("/preview", env.imports.PreviewImport)
		imports.POST("", env.imports.StartImport)
		imports.GET("/:id", env.imports.GetImport)
	}
	api.POST("/barcodes", barcodes.AddBarcodes)
	api.GET("/barcodes/stats", barcodes.GetPoolStats)
	env.router = router
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, path, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	assert.False(t, resp.Success)
	return resp.Error.Code
}

func TestGetImportTemplate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/imports/template", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "catalog", body["template"].(map[string]interface{})["entity"])

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/imports/template?format=csv", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "product_name *,variant_sku *"))

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/imports/template?format=xlsx", nil))
	require.Equal(t, http.StatusOK, w.Code)
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	assert.Contains(t, f.GetSheetList(), "Products")
}

func TestPreviewImport(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(uploadRequest(t, "/api/v1/imports/preview", "blinds.csv", blindsCSV, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool          `json:"success"`
		Data    importer.Plan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Data.Options.DryRun)
	assert.Equal(t, 1, resp.Data.Counts.ProductsToCreate)
	assert.Equal(t, 2, resp.Data.Counts.VariantsToCreate)
	assert.Empty(t, env.store.Products(), "preview writes nothing")
}

func TestPreviewImport_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		filename string
		content  string
		fields   map[string]string
		code     string
	}{
		{name: "no file", code: "FILE_REQUIRED"},
		{name: "unsupported extension", filename: "blinds.xls", content: blindsCSV, code: "INVALID_FORMAT"},
		{name: "unknown mode", filename: "blinds.csv", content: blindsCSV, fields: map[string]string{"mode": "merge"}, code: "INVALID_OPTIONS"},
		{name: "bad boolean", filename: "blinds.csv", content: blindsCSV, fields: map[string]string{"dryRun": "maybe"}, code: "INVALID_OPTIONS"},
		{name: "bad mapping", filename: "blinds.csv", content: blindsCSV, fields: map[string]string{"mapping": "[1,2]"}, code: "INVALID_MAPPING"},
		{name: "empty file", filename: "blinds.csv", content: "", code: "EMPTY_FILE"},
		{name: "header only", filename: "blinds.csv", content: "product_name,variant_sku\n", code: "EMPTY_FILE"},
		{name: "unmapped headers", filename: "blinds.csv", content: "foo,bar\n1,2\n", code: "MAPPING_INCOMPLETE"},
		{name: "corrupt workbook", filename: "blinds.xlsx", content: "not a workbook", code: "PARSE_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(uploadRequest(t, "/api/v1/imports/preview", tt.filename, tt.content, tt.fields))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestStartImport_RunsInBackground(t *testing.T) {
	env := newTestEnv(t)

	req := uploadRequest(t, "/api/v1/imports", "blinds.csv", blindsCSV, map[string]string{
		"mode":    "create_or_update",
		"mapping": `{"product_name":0,"variant_sku":1,"variant_color":2}`,
	})
	req.Header.Set("X-User-ID", "user-1")
	w := env.do(req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	data := decode(t, w)["data"].(map[string]interface{})
	jobID := data["jobId"].(string)
	require.NotEmpty(t, jobID)

	env.imports.Wait()

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/imports/"+jobID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data models.ImportJob `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ImportStatusCompleted, resp.Data.Status)
	assert.Equal(t, "blinds.csv", resp.Data.FileName)
	require.NotNil(t, resp.Data.Progress)
	assert.Equal(t, models.PhaseCompleted, resp.Data.Progress.Status)

	var outcome importer.Outcome
	require.NoError(t, json.Unmarshal(resp.Data.Result, &outcome))
	require.NotNil(t, outcome.Result)
	assert.Equal(t, outcome.Plan.Counts, outcome.Result.Counts)

	assert.Len(t, env.store.Products(), 1)
	assert.Len(t, env.store.Variants(), 2)

	entries, err := os.ReadDir(env.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "stored upload is removed after the run")

	mapping, err := env.mappings.Get(context.Background(), "user-1", "catalog")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"product_name": 0, "variant_sku": 1, "variant_color": 2}, mapping)
}

func TestStartImport_UsesCachedMapping(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.mappings.Put(context.Background(), "user-1", "catalog", map[string]int{
		"variant_sku":  0,
		"product_name": 1,
	}))

	req := uploadRequest(t, "/api/v1/imports/preview", "blinds.csv", "a,b\n120-001,Roller Blind\n", nil)
	req.Header.Set("X-User-ID", "user-1")
	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data importer.Plan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, importer.ColumnMapping{"variant_sku": 0, "product_name": 1}, resp.Data.Mapping)
	assert.Equal(t, 1, resp.Data.Counts.VariantsToCreate)
}

func TestStartImport_FailureMarksJobFailed(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(uploadRequest(t, "/api/v1/imports", "blinds.csv", "foo,bar\n1,2\n", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decode(t, w)["data"].(map[string]interface{})["jobId"].(string)

	env.imports.Wait()

	job, err := env.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportStatusFailed, job.Status)
	assert.Contains(t, job.Error, "missing required fields")
	assert.Empty(t, env.store.Products())
}

func TestGetImport_NotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/imports/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "JOB_NOT_FOUND", errorCode(t, w))
}

func TestMappingEndpoints(t *testing.T) {
	env := newTestEnv(t)

	get := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/imports/mapping", nil)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		return env.do(req)
	}
	put := func(user, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/imports/mapping", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		return env.do(req)
	}

	w := get("")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "USER_REQUIRED", errorCode(t, w))

	w = get("user-1")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MAPPING_NOT_FOUND", errorCode(t, w))

	w = put("user-1", `{"mapping":{"variant_sku":0}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MAPPING_INCOMPLETE", errorCode(t, w))

	w = put("", `{"mapping":{"variant_sku":0,"product_name":1}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))

	w = put("user-1", `{"mapping":{"variant_sku":0,"product_name":1}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = get("user-1")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, map[string]int{"variant_sku": 0, "product_name": 1}, resp.Data)
}

func TestBarcodeEndpoints(t *testing.T) {
	env := newTestEnv(t)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/barcodes", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return env.do(req)
	}

	w := post(`{"values":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))

	w = post(`{"values":["5000000000011","5000000000028"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, float64(2), decode(t, w)["data"].(map[string]interface{})["added"])

	w = post(`{"values":["5000000000028","0000000000017"],"legacy":true}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["data"].(map[string]interface{})["added"], "duplicates are ignored")

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/barcodes/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data models.BarcodePoolStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Data.Available)
	assert.Equal(t, int64(1), resp.Data.AvailableLegacy)
	assert.Zero(t, resp.Data.Assigned)
}

func TestHealthEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	healthy := NewHealthHandler(map[string]Check{
		"redis": func(context.Context) error { return nil },
	})
	broken := NewHealthHandler(map[string]Check{
		"redis":    func(context.Context) error { return nil },
		"database": func(context.Context) error { return errors.New("connection refused") },
	})

	router := gin.New()
	router.GET("/health", healthy.HealthCheck)
	router.GET("/ready", healthy.ReadinessCheck)
	router.GET("/broken/ready", broken.ReadinessCheck)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/broken/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "connection refused", checks["database"])
	assert.Equal(t, "connected", checks["redis"])
}
