package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/basekick-labs/runframe/internal/scheduler"
)

// ImportHandler exposes the background import scheduler
type ImportHandler struct {
	scheduler *scheduler.ImportScheduler
}

// NewImportHandler creates a new import handler
func NewImportHandler(s *scheduler.ImportScheduler) *ImportHandler {
	return &ImportHandler{scheduler: s}
}

// RegisterRoutes registers import scheduler routes
func (h *ImportHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/api/v1/imports/status", h.handleStatus)
	app.Post("/api/v1/imports/run", h.handleRun)
}

func (h *ImportHandler) handleStatus(c *fiber.Ctx) error {
	return c.JSON(h.scheduler.Status())
}

// handleRun triggers an import immediately and waits for its report
func (h *ImportHandler) handleRun(c *fiber.Ctx) error {
	report, err := h.scheduler.TriggerNow(c.UserContext())
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(report)
}
