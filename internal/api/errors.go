package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/basekick-labs/runframe/internal/catalog"
	"github.com/basekick-labs/runframe/internal/database"
	"github.com/basekick-labs/runframe/internal/ingest"
	"github.com/basekick-labs/runframe/internal/storage"
)

// badRequest marks client input the handlers reject before any work
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func errBadRequest(msg string) error { return &badRequest{msg: msg} }

// statusFor maps an error to its response code and class
func statusFor(err error) (int, string) {
	var br *badRequest
	switch {
	case errors.As(err, &br), errors.Is(err, database.ErrReadOnly):
		return fiber.StatusBadRequest, "request"
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, catalog.ErrSourceExists):
		return fiber.StatusConflict, "duplicate"
	}
	class := ingest.Classify(err)
	return class.HTTPStatus(), string(class)
}

// fail writes err as a JSON error body
func fail(c *fiber.Ctx, err error) error {
	code, class := statusFor(err)
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"class": class,
	})
}
