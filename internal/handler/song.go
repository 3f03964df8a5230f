package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/karaoke/internal/service"
	"github.com/makeasinger/karaoke/pkg/response"
)

type SongHandler struct {
	service *service.SongService
}

func NewSongHandler(svc *service.SongService) *SongHandler {
	return &SongHandler{service: svc}
}

// List handles GET /api/songs
func (h *SongHandler) List(c *fiber.Ctx) error {
	songs, err := h.service.List(c.UserContext())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"songs": songs})
}

// Get handles GET /api/songs/:id
func (h *SongHandler) Get(c *fiber.Ctx) error {
	song, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, service.ErrSongNotFound) {
			return response.NotFound(c, "Song not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, song)
}
