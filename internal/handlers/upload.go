package handlers

import (
	"context"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/codebuildervaibhav/scribber/internal/transcription"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// Pipeline is the entity-facing side of the job dispatcher.
type Pipeline interface {
	CreateEntity(ctx context.Context, ownerID, title, filename string, audio io.Reader) (*types.Entity, error)
	Get(ctx context.Context, ownerID, entityID string) (*types.Entity, error)
	List(ctx context.Context, ownerID string, limit int) ([]*types.Entity, error)
	StartStage(ctx context.Context, ownerID, entityID string, kind types.StageKind, providerID string) (*types.StageJob, error)
	UpdateText(ctx context.Context, ownerID, entityID string, transcription, summary *string) (*types.Entity, error)
	Delete(ctx context.Context, ownerID, entityID string) error
	ActiveJob(entityID string) (*types.StageJob, bool)
}

// UploadHandler handles file uploads
type UploadHandler struct {
	pipeline Pipeline
	maxSize  int64
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(pipeline Pipeline, maxSize int64) *UploadHandler {
	return &UploadHandler{
		pipeline: pipeline,
		maxSize:  maxSize,
	}
}

// Handle creates an entity from a multipart upload. The response carries
// the entity in Pending, ready for transcription.
func (h *UploadHandler) Handle(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "No file uploaded", "ERR_NO_FILE")
	}

	if err := transcription.ValidateUpload(file.Filename, file.Size, h.maxSize); err != nil {
		return writeError(c, err)
	}

	title := c.FormValue("title")
	if title == "" {
		title = c.FormValue("name")
	}

	f, err := file.Open()
	if err != nil {
		log.Error().Err(err).Msg("Failed to open uploaded file")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read uploaded file",
			"code":  "ERR_SAVE_FAILED",
		})
	}
	defer f.Close()

	e, err := h.pipeline.CreateEntity(c.UserContext(), ownerOf(c), title, file.Filename, f)
	if err != nil {
		if e != nil && errors.Is(err, types.ErrUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":  err.Error(),
				"code":   "ERR_UNAVAILABLE",
				"entity": e,
			})
		}
		return writeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(e)
}
