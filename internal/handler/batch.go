package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/clinisight/api/internal/middleware"
	"github.com/clinisight/api/internal/model"
	"github.com/clinisight/api/internal/service"
	"github.com/clinisight/api/internal/store"
	"github.com/clinisight/api/pkg/response"
)

type BatchHandler struct {
	service   *service.BatchService
	validator *validator.Validate
}

func NewBatchHandler(svc *service.BatchService, v *validator.Validate) *BatchHandler {
	return &BatchHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/batches
func (h *BatchHandler) Create(c *fiber.Ctx) error {
	var req model.BatchCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Create(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			return response.ValidationError(c, verr.Message, nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// List handles GET /api/batches
func (h *BatchHandler) List(c *fiber.Ctx) error {
	f := store.JobFilter{}
	if raw := c.Query("status"); raw != "" {
		status := model.ParseJobStatus(raw)
		if status == "" {
			return response.BadRequest(c, "Unknown status filter", nil)
		}
		f.Status = status
	}
	// Non-admins only ever see their own jobs.
	if !middleware.IsAdmin(c) {
		f.Owner = middleware.GetUserID(c)
	}

	jobs, err := h.service.List(c.Context(), f)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, model.BatchListResponse{Jobs: jobs})
}

// Get handles GET /api/batches/:jobId
func (h *BatchHandler) Get(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.BadRequest(c, "Job ID is required", nil)
	}

	result, err := h.service.Get(c.Context(), jobID, middleware.GetUserID(c), middleware.IsAdmin(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return response.OK(c, result)
}

// Progress handles GET /api/batches/:jobId/progress
func (h *BatchHandler) Progress(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.BadRequest(c, "Job ID is required", nil)
	}

	result, err := h.service.Progress(c.Context(), jobID, middleware.GetUserID(c), middleware.IsAdmin(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return response.OK(c, result)
}

// Result handles GET /api/batches/:jobId/items/:itemId/result
func (h *BatchHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	itemID := c.Params("itemId")
	if jobID == "" || itemID == "" {
		return response.BadRequest(c, "Job ID and item ID are required", nil)
	}

	result, err := h.service.ResultURL(c.Context(), jobID, itemID, middleware.GetUserID(c), middleware.IsAdmin(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return response.OK(c, result)
}

// Retry handles POST /api/batches/:jobId/retry
func (h *BatchHandler) Retry(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.BadRequest(c, "Job ID is required", nil)
	}

	result, err := h.service.Retry(c.Context(), jobID, middleware.GetUserID(c), middleware.IsAdmin(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return response.Accepted(c, result)
}

// Cancel handles POST /api/batches/:jobId/cancel
func (h *BatchHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.BadRequest(c, "Job ID is required", nil)
	}

	result, err := h.service.Cancel(c.Context(), jobID, middleware.GetUserID(c), middleware.IsAdmin(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return response.OK(c, result)
}

func (h *BatchHandler) mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, store.ErrItemNotFound):
		return response.NotFound(c, "Item not found")
	case errors.Is(err, service.ErrForbidden):
		return response.Forbidden(c, "Job belongs to another owner")
	case errors.Is(err, service.ErrInvalidState):
		return response.InvalidState(c, err.Error())
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
