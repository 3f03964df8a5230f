package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/karaoke/internal/deps"
	"github.com/makeasinger/karaoke/pkg/response"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	catalog      Pinger
	requirements []deps.Requirement
	services     fiber.Map
}

// NewHealthHandler reports catalog reachability, tool availability and the
// static services map.
func NewHealthHandler(catalog Pinger, requirements []deps.Requirement, services fiber.Map) *HealthHandler {
	return &HealthHandler{catalog: catalog, requirements: requirements, services: services}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	tools := deps.CheckBinaries(h.requirements)

	status := "ok"
	if len(deps.Missing(tools)) > 0 {
		status = "degraded"
	}

	body := fiber.Map{
		"status":   status,
		"tools":    tools,
		"services": h.services,
	}

	if err := h.catalog.Ping(c.UserContext()); err != nil {
		body["status"] = "unavailable"
		return response.ServiceUnavailable(c, "Catalog unavailable", body)
	}
	return response.OK(c, body)
}
