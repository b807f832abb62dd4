// Package web provides the read-only HTTP API over migration run reports and
// backup artifacts. Nothing here mutates an instance; runs are started from
// the command line, and this surface exists for dashboards and operators
// checking what the last run did.
package web

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/flowferry/flowferry/pkg/models"
	"github.com/flowferry/flowferry/pkg/report"
	"github.com/flowferry/flowferry/pkg/snapshot"
)

type APIHandlers struct {
	reports *report.Store
	backups *snapshot.Store
	logger  *slog.Logger
}

func NewAPIHandlers(reports *report.Store, backups *snapshot.Store, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{
		reports: reports,
		backups: backups,
		logger:  logger,
	}
}

// GetReports lists stored run reports, newest first. Supports filtering by
// kind and limiting the result count.
func (h *APIHandlers) GetReports(c fiber.Ctx) error {
	reports, err := h.reports.List()
	if err != nil {
		return internalError(c, err)
	}

	if kind := c.Query("kind"); kind != "" {
		switch report.RunKind(kind) {
		case report.KindExport, report.KindImport, report.KindSnapshot:
		default:
			return badRequest(c, "Unknown report kind: "+kind)
		}

		filtered := reports[:0]

		for _, r := range reports {
			if r.Kind == report.RunKind(kind) {
				filtered = append(filtered, r)
			}
		}

		reports = filtered
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return badRequest(c, "Invalid limit: "+limitStr)
		}

		if limit < len(reports) {
			reports = reports[:limit]
		}
	}

	if reports == nil {
		reports = []*report.RunReport{}
	}

	return c.JSON(fiber.Map{
		"reports":     reports,
		"total_count": len(reports),
	})
}

// GetLatestReport returns the most recent run report of any kind.
func (h *APIHandlers) GetLatestReport(c fiber.Ctx) error {
	latest, err := h.reports.Latest()
	if err != nil {
		return internalError(c, err)
	}

	if latest == nil {
		return notFound(c, "No run reports recorded yet")
	}

	return c.JSON(latest)
}

// GetReport returns one run report by run identifier.
func (h *APIHandlers) GetReport(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	reports, err := h.reports.List()
	if err != nil {
		return internalError(c, err)
	}

	for _, r := range reports {
		if r.RunID == id {
			return c.JSON(r)
		}
	}

	return notFound(c, "No report for run "+id)
}

// GetBackups lists backup artifacts for an environment, newest first. A
// bucket query narrows to daily, weekly, or manual; the default is all three.
func (h *APIHandlers) GetBackups(c fiber.Ctx) error {
	environment := c.Params("environment")
	if environment == "" {
		return badRequest(c, "Environment is required")
	}

	buckets := []models.BackupBucket{models.BucketDaily, models.BucketWeekly, models.BucketManual}

	if bucket := c.Query("bucket"); bucket != "" {
		switch models.BackupBucket(bucket) {
		case models.BucketDaily, models.BucketWeekly, models.BucketManual:
			buckets = []models.BackupBucket{models.BackupBucket(bucket)}
		default:
			return badRequest(c, "Unknown bucket: "+bucket)
		}
	}

	artifacts := []*models.BackupArtifact{}

	for _, bucket := range buckets {
		found, err := h.backups.List(environment, bucket)
		if err != nil {
			return internalError(c, err)
		}

		artifacts = append(artifacts, found...)
	}

	return c.JSON(fiber.Map{
		"environment": environment,
		"backups":     artifacts,
		"total_count": len(artifacts),
	})
}

// HealthCheck reports whether the report store is readable.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	_, err := h.reports.List()

	status := "healthy"
	httpStatus := http.StatusOK

	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError

		h.logger.Error("Health check failed", "error", err)
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
	})
}
