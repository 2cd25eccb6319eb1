package fakeserver

import (
	"github.com/birbparty/fmdapi/internal/telemetry"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// SetupRoutes configures the Data API routes
func SetupRoutes(app *fiber.App, handler *Handler, metricsPath string) {
	if metricsPath != "" {
		app.Get(metricsPath, adaptor.HTTPHandler(telemetry.PrometheusHandler()))
	}

	// Data API group, /fmi/data/v1, v2 or vLatest
	v := app.Group("/fmi/data/:version", checkVersion)

	// Server level endpoints
	v.Get("/productInfo", handler.ProductInfo)
	v.Get("/databases", handler.DatabaseNames)
	v.Get("/validateSession", handler.requireSession, handler.ValidateSession)

	db := v.Group("/databases/:database", handler.requireDatabase)

	// Session endpoints
	db.Post("/sessions", handler.Login)
	db.Delete("/sessions/:token", handler.Logout)

	// Everything below needs a live token
	authed := db.Group("", handler.requireSession)

	authed.Get("/layouts", handler.Layouts)
	authed.Get("/scripts", handler.Scripts)
	authed.Patch("/globals", handler.SetGlobals)

	layouts := authed.Group("/layouts/:layout")
	layouts.Get("", handler.LayoutMetadata)
	layouts.Get("/script/:script", handler.ExecuteScript)
	layouts.Post("/_find", handler.FindRecords)

	records := layouts.Group("/records")
	records.Post("", handler.CreateRecord)
	records.Get("", handler.GetRecords)
	records.Get("/:recordId", handler.GetRecord)
	records.Patch("/:recordId", handler.EditRecord)
	records.Post("/:recordId", handler.DuplicateRecord)
	records.Delete("/:recordId", handler.DeleteRecord)
	records.Post("/:recordId/containers/:field/:repetition", handler.UploadContainer)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(Fail(CodeUnsupported, "Unsupported command"))
	})
}
