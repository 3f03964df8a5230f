package handler

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/karaoke/internal/model"
	"github.com/makeasinger/karaoke/internal/service"
	"github.com/makeasinger/karaoke/internal/worker"
	"github.com/makeasinger/karaoke/pkg/response"
)

type ProcessHandler struct {
	service   *service.ProcessService
	validator *validator.Validate
}

func NewProcessHandler(svc *service.ProcessService, v *validator.Validate) *ProcessHandler {
	return &ProcessHandler{
		service:   svc,
		validator: v,
	}
}

// Upload handles POST /api/process/upload
func (h *ProcessHandler) Upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	title := c.FormValue("title")
	artist := c.FormValue("artist")
	if len(title) > 200 || len(artist) > 200 {
		return response.ValidationError(c, "Title and artist must be at most 200 characters", nil)
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.StartUpload(c.UserContext(), file.Filename, f, title, artist)
	if err != nil {
		if errors.Is(err, service.ErrUnsupportedFormat) {
			return response.ValidationError(c, "Invalid file type. Supported: MP3, WAV, FLAC, M4A, AAC, OGG", map[string]interface{}{
				"filename": file.Filename,
			})
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// URL handles POST /api/process/url
func (h *ProcessHandler) URL(c *fiber.Ctx) error {
	var req model.ProcessURLRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.StartURL(c.UserContext(), &req)
	if err != nil {
		if errors.Is(err, worker.ErrUnsupportedSource) {
			return response.UnsupportedSource(c, fmt.Sprintf("Unsupported source: %s", req.URL))
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/process/status/:jobId
func (h *ProcessHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.GetStatus(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, job)
}
