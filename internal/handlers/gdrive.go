package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/oauth2"

	"github.com/codebuildervaibhav/scribber/internal/export"
)

// GDriveHandler serves the Google Drive export flow.
type GDriveHandler struct {
	exports *export.Controller
}

// NewGDriveHandler creates a new Google Drive export handler
func NewGDriveHandler(exports *export.Controller) *GDriveHandler {
	return &GDriveHandler{exports: exports}
}

// AuthRequest starts an export authorization.
type AuthRequest struct {
	EntityID    string `json:"entity_id"`
	RedirectURI string `json:"redirect_uri"`
}

// CallbackRequest completes an export authorization.
type CallbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// UploadRequest exports an entity with credentials the client already holds.
type UploadRequest struct {
	EntityID     string `json:"entity_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshRequest trades a refresh token for a new access token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Auth returns the consent URL and its single-use state token.
func (h *GDriveHandler) Auth(c *fiber.Ctx) error {
	var req AuthRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body", "ERR_INVALID_BODY")
	}
	auth, err := h.exports.BeginAuthorization(c.UserContext(), ownerOf(c), req.EntityID, req.RedirectURI)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(auth)
}

// Callback exchanges the authorization code and starts the upload.
func (h *GDriveHandler) Callback(c *fiber.Ctx) error {
	var req CallbackRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body", "ERR_INVALID_BODY")
	}
	done, err := h.exports.CompleteAuthorization(c.UserContext(), ownerOf(c), req.State, req.Code)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job":   done.Job,
		"token": tokenResponse(done.Token),
	})
}

// Upload starts an export with client-held credentials.
func (h *GDriveHandler) Upload(c *fiber.Ctx) error {
	var req UploadRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body", "ERR_INVALID_BODY")
	}
	tok := &oauth2.Token{AccessToken: req.AccessToken, RefreshToken: req.RefreshToken}
	job, err := h.exports.UploadExport(c.UserContext(), ownerOf(c), req.EntityID, tok)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(job)
}

// Refresh returns a fresh access token.
func (h *GDriveHandler) Refresh(c *fiber.Ctx) error {
	var req RefreshRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body", "ERR_INVALID_BODY")
	}
	tok, err := h.exports.Refresh(c.UserContext(), req.RefreshToken)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(tokenResponse(tok))
}

// Job returns an export job.
func (h *GDriveHandler) Job(c *fiber.Ctx) error {
	job, err := h.exports.Job(ownerOf(c), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(job)
}

func tokenResponse(tok *oauth2.Token) fiber.Map {
	m := fiber.Map{
		"access_token": tok.AccessToken,
		"token_type":   tok.Type(),
	}
	if tok.RefreshToken != "" {
		m["refresh_token"] = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		m["expires_in"] = int(time.Until(tok.Expiry).Seconds())
	}
	return m
}
