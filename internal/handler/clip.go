package handler

import (
	"errors"

	"github.com/clipreel/api/internal/model"
	"github.com/clipreel/api/internal/service"
	"github.com/clipreel/api/internal/store"
	"github.com/clipreel/api/pkg/response"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

type ClipHandler struct {
	service   *service.ClipService
	validator *validator.Validate
}

func NewClipHandler(svc *service.ClipService, v *validator.Validate) *ClipHandler {
	return &ClipHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/process-video and POST /api/jobs
func (h *ClipHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.UserContext(), &req)
	if err != nil {
		return response.ServiceError(c, "Failed to queue job")
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
func (h *ClipHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to load job")
	}

	return response.OK(c, result)
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
