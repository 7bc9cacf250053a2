package engine

import (
	"github.com/gofiber/fiber/v2"
)

// RegisterDynamicRoutes registers the generic entity CRUD routes on the
// given Fiber app. All routes require authentication.
func RegisterDynamicRoutes(app *fiber.App, h *Handler, authMW fiber.Handler) {
	api := app.Group("/api", authMW)

	api.Get("/:entity", h.List)
	api.Get("/:entity/:id", h.GetByID)
	api.Post("/:entity", h.Create)
	api.Put("/:entity/:id", h.Update)
	api.Delete("/:entity/:id", h.Delete)
	api.Post("/:entity/:id/archive", h.Archive)
	api.Post("/:entity/:id/restore", h.Restore)
}
