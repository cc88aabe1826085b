// Package main provides the runlog API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"runlog/pkg/hub"
	"runlog/pkg/persistence"
	"runlog/pkg/runner"
	"runlog/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	runner      *runner.Runner
	hub         *hub.Hub
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	runner *runner.Runner,
	hub *hub.Hub,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		runner:      runner,
		hub:         hub,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.logger, a.runner, a.hub, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Runlog API")
	})

	app.Post("/prompt-once/", handlers.PromptOnce)
	app.Get("/logevents/:sessionID", handlers.LogEvents)

	r := app.Group("/runs")
	r.Get("/", handlers.GetRuns)
	r.Get("/:sessionID", handlers.GetRun)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
