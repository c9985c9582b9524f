package bootstrap

import (
	"atlas-ledger/internal/app"
	"atlas-ledger/internal/config"
	"atlas-ledger/internal/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// New creates the Fiber app for serverless hosting (the api handler imports this package, not internal).
// Only the notification workers run here; the stale-operation sweeper needs the long-lived cmd/api process.
func New() (*fiber.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.LogLevel, false)
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	a.Services.Dispatcher.Start(cfg.NotificationWorkers)
	return a.Fiber, nil
}
