// Package main provides the flowferry API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/flowferry/flowferry/pkg/report"
	"github.com/flowferry/flowferry/pkg/snapshot"
	"github.com/flowferry/flowferry/pkg/web"
)

type API struct {
	logger  *slog.Logger
	reports *report.Store
	backups *snapshot.Store
}

func NewAPI(logger *slog.Logger, reports *report.Store, backups *snapshot.Store) *API {
	return &API{
		logger:  logger,
		reports: reports,
		backups: backups,
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.reports, a.backups, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("flowferry API")
	})

	r := app.Group("/reports")
	r.Get("/", handlers.GetReports)
	r.Get("/latest", handlers.GetLatestReport)
	r.Get("/:id", handlers.GetReport)

	app.Get("/backups/:environment", handlers.GetBackups)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
