package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/scribber/internal/types"
)

// StatusSource answers point-in-time status queries.
type StatusSource interface {
	CurrentStatus(ctx context.Context, ownerID, entityID string) (types.Status, error)
}

// EntityHandler serves entity reads, edits, deletes and stage requests.
type EntityHandler struct {
	pipeline Pipeline
	status   StatusSource
}

// NewEntityHandler creates a new entity handler
func NewEntityHandler(pipeline Pipeline, status StatusSource) *EntityHandler {
	return &EntityHandler{pipeline: pipeline, status: status}
}

// StartStageRequest asks for a stage to run on an entity.
type StartStageRequest struct {
	StageKind  types.StageKind `json:"stage_kind"`
	ProviderID string          `json:"provider_id"`
}

// UpdateTextRequest replaces an entity's text fields. Absent fields are
// left alone.
type UpdateTextRequest struct {
	Transcription *string `json:"transcription_text"`
	Summary       *string `json:"summary_text"`
}

// List returns the caller's entities, newest first.
func (h *EntityHandler) List(c *fiber.Ctx) error {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return badRequest(c, "limit must be between 1 and 500", "ERR_VALIDATION")
		}
		limit = n
	}
	entities, err := h.pipeline.List(c.UserContext(), ownerOf(c), limit)
	if err != nil {
		return writeError(c, err)
	}
	if entities == nil {
		entities = []*types.Entity{}
	}
	return c.JSON(entities)
}

// Get returns one entity.
func (h *EntityHandler) Get(c *fiber.Ctx) error {
	e, err := h.pipeline.Get(c.UserContext(), ownerOf(c), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(e)
}

// Status returns the entity's current status. Clients without a live
// stream poll this.
func (h *EntityHandler) Status(c *fiber.Ctx) error {
	st, err := h.status.CurrentStatus(c.UserContext(), ownerOf(c), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(st)
}

// StartStage accepts a stage job. The entity is already in the stage's
// in-progress state when the response is sent.
func (h *EntityHandler) StartStage(c *fiber.Ctx) error {
	var req StartStageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body", "ERR_INVALID_BODY")
	}
	if req.ProviderID == "" {
		return badRequest(c, "provider_id is required", "ERR_VALIDATION")
	}

	job, err := h.pipeline.StartStage(c.UserContext(), ownerOf(c), c.Params("id"), req.StageKind, req.ProviderID)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"accepted": true,
		"job":      job,
	})
}

// ActiveJob returns the entity's running job, if any.
func (h *EntityHandler) ActiveJob(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.pipeline.Get(c.UserContext(), ownerOf(c), id); err != nil {
		return writeError(c, err)
	}
	job, ok := h.pipeline.ActiveJob(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active job",
			"code":  "ERR_NOT_FOUND",
		})
	}
	return c.JSON(job)
}

// Update edits the entity's transcription or summary.
func (h *EntityHandler) Update(c *fiber.Ctx) error {
	var req UpdateTextRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body", "ERR_INVALID_BODY")
	}
	e, err := h.pipeline.UpdateText(c.UserContext(), ownerOf(c), c.Params("id"), req.Transcription, req.Summary)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(e)
}

// Delete removes the entity, cancelling any running job first.
func (h *EntityHandler) Delete(c *fiber.Ctx) error {
	if err := h.pipeline.Delete(c.UserContext(), ownerOf(c), c.Params("id")); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
