package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/scribber/internal/provider"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// UsageLister reads usage logs.
type UsageLister interface {
	ListUsage(ctx context.Context, ownerID string, limit int) ([]types.UsageLog, error)
}

// CatalogHandler serves the provider catalog and usage history.
type CatalogHandler struct {
	registry *provider.Registry
	usage    UsageLister
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(registry *provider.Registry, usage UsageLister) *CatalogHandler {
	return &CatalogHandler{registry: registry, usage: usage}
}

// Providers lists the configured providers.
func (h *CatalogHandler) Providers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"providers": h.registry.List()})
}

// Usage lists the caller's billed provider calls with a running cost total.
func (h *CatalogHandler) Usage(c *fiber.Ctx) error {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest(c, "limit must be a positive integer", "ERR_VALIDATION")
		}
		limit = n
	}

	logs, err := h.usage.ListUsage(c.UserContext(), ownerOf(c), limit)
	if err != nil {
		return writeError(c, err)
	}
	if logs == nil {
		logs = []types.UsageLog{}
	}
	var total float64
	for _, l := range logs {
		total += l.EstimatedCost
	}
	return c.JSON(fiber.Map{
		"usage":          logs,
		"estimated_cost": total,
	})
}
