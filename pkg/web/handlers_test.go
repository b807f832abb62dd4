package web_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowferry/flowferry/pkg/models"
	"github.com/flowferry/flowferry/pkg/report"
	"github.com/flowferry/flowferry/pkg/snapshot"
	"github.com/flowferry/flowferry/pkg/web"
)

func setupTestApp(t *testing.T) (*fiber.App, *report.Store, *snapshot.Store) {
	t.Helper()

	reports := report.NewStore(t.TempDir(), slog.Default())
	backups := snapshot.NewStore(t.TempDir(), slog.Default())
	handlers := web.NewAPIHandlers(reports, backups, slog.Default())

	app := fiber.New()

	r := app.Group("/reports")
	r.Get("/", handlers.GetReports)
	r.Get("/latest", handlers.GetLatestReport)
	r.Get("/:id", handlers.GetReport)

	app.Get("/backups/:environment", handlers.GetBackups)
	app.Get("/health", handlers.HealthCheck)

	return app, reports, backups
}

func seedReports(t *testing.T, reports *report.Store) {
	t.Helper()

	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	for i, kind := range []report.RunKind{report.KindExport, report.KindImport} {
		_, err := reports.Save(&report.RunReport{
			RunID:       "run-" + string(kind),
			Kind:        kind,
			Environment: "production",
			StartedAt:   base,
			FinishedAt:  base.Add(time.Duration(i+1) * time.Minute),
			Success:     true,
		})
		require.NoError(t, err)
	}
}

func doRequest(t *testing.T, app *fiber.App, path string) (*http.Response, []byte) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	return resp, body
}

func TestGetReports(t *testing.T) {
	app, reports, _ := setupTestApp(t)
	seedReports(t, reports)

	resp, body := doRequest(t, app, "/reports/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Reports    []*report.RunReport `json:"reports"`
		TotalCount int                 `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(body, &result))

	require.Len(t, result.Reports, 2)
	assert.Equal(t, report.KindImport, result.Reports[0].Kind, "newest first")
}

func TestGetReportsFilteredByKind(t *testing.T) {
	app, reports, _ := setupTestApp(t)
	seedReports(t, reports)

	resp, body := doRequest(t, app, "/reports/?kind=export")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Reports []*report.RunReport `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(body, &result))

	require.Len(t, result.Reports, 1)
	assert.Equal(t, report.KindExport, result.Reports[0].Kind)
}

func TestGetReportsUnknownKind(t *testing.T) {
	app, _, _ := setupTestApp(t)

	resp, _ := doRequest(t, app, "/reports/?kind=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetLatestReport(t *testing.T) {
	app, reports, _ := setupTestApp(t)

	resp, _ := doRequest(t, app, "/reports/latest")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "empty store has no latest")

	seedReports(t, reports)

	resp, body := doRequest(t, app, "/reports/latest")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var latest report.RunReport
	require.NoError(t, json.Unmarshal(body, &latest))
	assert.Equal(t, "run-import", latest.RunID)
}

func TestGetReportByID(t *testing.T) {
	app, reports, _ := setupTestApp(t)
	seedReports(t, reports)

	resp, body := doRequest(t, app, "/reports/run-export")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var found report.RunReport
	require.NoError(t, json.Unmarshal(body, &found))
	assert.Equal(t, report.KindExport, found.Kind)

	resp, _ = doRequest(t, app, "/reports/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetBackups(t *testing.T) {
	app, _, backups := setupTestApp(t)

	src := filepath.Join(t.TempDir(), "database.sqlite")
	require.NoError(t, os.WriteFile(src, []byte("snapshot-bytes"), 0o600))

	_, err := backups.Add(src, "production", models.BackupKindSQLite, models.BucketManual)
	require.NoError(t, err)

	resp, body := doRequest(t, app, "/backups/production")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Backups    []*models.BackupArtifact `json:"backups"`
		TotalCount int                      `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(body, &result))

	require.Equal(t, 1, result.TotalCount)
	assert.Equal(t, models.BucketManual, result.Backups[0].Bucket)

	resp, body = doRequest(t, app, "/backups/production?bucket=daily")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Zero(t, result.TotalCount)

	resp, _ = doRequest(t, app, "/backups/production?bucket=hourly")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	app, _, _ := setupTestApp(t)

	resp, body := doRequest(t, app, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
}
