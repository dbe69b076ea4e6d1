package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/codebuildervaibhav/scribber/internal/provider"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// OwnerHeader carries the authenticated principal, set by the identity
// proxy in front of the service.
const OwnerHeader = "X-Owner-ID"

const ownerKey = "ownerId"

// RequireOwner rejects requests without an owner and stores it in Locals.
func RequireOwner(c *fiber.Ctx) error {
	owner := c.Get(OwnerHeader)
	if owner == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Missing " + OwnerHeader + " header",
			"code":  "ERR_UNAUTHORIZED",
		})
	}
	c.Locals(ownerKey, owner)
	return c.Next()
}

func ownerOf(c *fiber.Ctx) string {
	owner, _ := c.Locals(ownerKey).(string)
	return owner
}

// writeError maps an error to its HTTP status and ERR_* code.
func writeError(c *fiber.Ctx, err error) error {
	status, code := classify(err)
	if status >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Str("code", code).Msg("Request failed")
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}

func classify(err error) (int, string) {
	var perr *provider.Error
	switch {
	case errors.Is(err, types.ErrNotFound):
		return fiber.StatusNotFound, "ERR_NOT_FOUND"
	case errors.Is(err, types.ErrValidation):
		return fiber.StatusBadRequest, "ERR_VALIDATION"
	case errors.Is(err, types.ErrConflict):
		return fiber.StatusConflict, "ERR_CONFLICT"
	case errors.Is(err, types.ErrUnavailable):
		return fiber.StatusServiceUnavailable, "ERR_UNAVAILABLE"
	case errors.As(err, &perr):
		return fiber.StatusBadGateway, "ERR_PROVIDER"
	default:
		return fiber.StatusInternalServerError, "ERR_INTERNAL"
	}
}

func badRequest(c *fiber.Ctx, msg, code string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
		"code":  code,
	})
}
