package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codebuildervaibhav/scribber/internal/export"
	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/provider"
)

// Version is reported by /health.
const Version = "1.0.0"

// Deps are the components the HTTP front end serves.
type Deps struct {
	Pipeline    Pipeline
	Status      Subscriber
	Exports     *export.Controller
	Registry    *provider.Registry
	Usage       UsageLister
	Gatherer    prometheus.Gatherer
	Logs        *logging.Buffer
	MaxFileSize int64
	Stream      StreamConfig
}

// Register mounts every route on app.
func Register(app *fiber.App, d Deps) {
	upload := NewUploadHandler(d.Pipeline, d.MaxFileSize)
	entities := NewEntityHandler(d.Pipeline, d.Status)
	catalog := NewCatalogHandler(d.Registry, d.Usage)
	stream := NewStreamHandler(d.Status, d.Stream)
	record := NewRecordHandler(d.Pipeline, d.MaxFileSize)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"version": Version,
		})
	})

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if d.Logs != nil {
		app.Get("/logs", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"logs": d.Logs.Lines()})
		})
	}

	app.Get("/providers", catalog.Providers)

	own := RequireOwner
	app.Get("/usage", own, catalog.Usage)

	app.Post("/entities", own, upload.Handle)
	app.Get("/entities", own, entities.List)
	app.Get("/entities/:id", own, entities.Get)
	app.Patch("/entities/:id", own, entities.Update)
	app.Delete("/entities/:id", own, entities.Delete)
	app.Get("/entities/:id/status", own, entities.Status)
	app.Get("/entities/:id/job", own, entities.ActiveJob)
	app.Post("/entities/:id/stages", own, entities.StartStage)

	if d.Exports != nil {
		gdrive := NewGDriveHandler(d.Exports)
		app.Post("/export/google-drive/auth", own, gdrive.Auth)
		app.Post("/export/google-drive/callback", own, gdrive.Callback)
		app.Post("/export/google-drive/upload", own, gdrive.Upload)
		app.Post("/export/refresh", own, gdrive.Refresh)
		app.Get("/export/jobs/:id", own, gdrive.Job)

		email := NewEmailHandler(d.Exports)
		app.Post("/export/email", own, email.Email)
		app.Get("/export/status", email.Status)
	}

	ws := app.Group("/ws", RequireOwner, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	ws.Get("/entities/:id", websocket.New(stream.Handle))
	ws.Get("/record", websocket.New(record.Handle))
}
