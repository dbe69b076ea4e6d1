package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/scribber/internal/export"
)

// EmailHandler serves email export and the destination status.
type EmailHandler struct {
	exports *export.Controller
}

// NewEmailHandler creates a new email export handler
func NewEmailHandler(exports *export.Controller) *EmailHandler {
	return &EmailHandler{exports: exports}
}

// EmailRequest mails an entity's text. Summary and attachment default to on.
type EmailRequest struct {
	EntityID          string `json:"entity_id"`
	ToEmail           string `json:"to_email"`
	IncludeSummary    *bool  `json:"include_summary"`
	IncludeAttachment *bool  `json:"include_attachment"`
}

// Email starts an email export.
func (h *EmailHandler) Email(c *fiber.Ctx) error {
	var req EmailRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body", "ERR_INVALID_BODY")
	}
	job, err := h.exports.EmailExport(c.UserContext(), ownerOf(c), req.EntityID, req.ToEmail,
		boolOr(req.IncludeSummary, true), boolOr(req.IncludeAttachment, true))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(job)
}

// Status reports which export destinations are configured.
func (h *EmailHandler) Status(c *fiber.Ctx) error {
	return c.JSON(h.exports.Status())
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
