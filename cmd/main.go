package main

import (
	"os"

	"github.com/gofiber/fiber/v2"

	"github.com/dcmirror/dcmirror/internal/config"
	"github.com/dcmirror/dcmirror/internal/db"
	"github.com/dcmirror/dcmirror/internal/logger"
	"github.com/dcmirror/dcmirror/internal/services"
	"github.com/dcmirror/dcmirror/pkg/api/v1/handlers"
	"github.com/dcmirror/dcmirror/pkg/api/v1/routes"
)

func main() {
	logger.Initialize()
	cfg := config.Load()

	gdb, err := db.New(db.Options{
		Host:       cfg.Database.Host,
		Port:       cfg.Database.Port,
		User:       cfg.Database.User,
		Password:   cfg.Database.Password,
		DBName:     cfg.Database.Name,
		SSLEnabled: cfg.Database.SSLEnabled,
	})
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		logger.Fatalf("Failed to create storage root %s: %v", cfg.StorageRoot, err)
	}

	tasks := services.NewSupervisor()
	registry := services.NewRegistry(cfg, gdb, tasks)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	api := handlers.NewAPIHandler(registry)
	routes.RegisterRoutes(app, handlers.NewSyncHandler(api), handlers.NewPluginHandler(api))

	logger.Infof("Mirror API listening on port %s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		logger.Fatalf("Server exited: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}
