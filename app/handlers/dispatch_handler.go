package handlers

import (
	"context"
	"time"

	"github.com/amirphl/Kusanagi/app/dispatch"
	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// DispatchHandlerInterface defines the contract for dispatch queue handlers
type DispatchHandlerInterface interface {
	EnqueueJob(c fiber.Ctx) error
	GetJobStatus(c fiber.Ctx) error
}

// DispatchHandler handles the internal enqueue API
type DispatchHandler struct {
	queue     *dispatch.Queue
	validator *validator.Validate
}

// NewDispatchHandler creates a new dispatch handler
func NewDispatchHandler(queue *dispatch.Queue) *DispatchHandler {
	return &DispatchHandler{
		queue:     queue,
		validator: validator.New(),
	}
}

func (h *DispatchHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *DispatchHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// EnqueueJob accepts one outbound send request for the dispatch queue
func (h *DispatchHandler) EnqueueJob(c fiber.Ctx) error {
	var req dto.EnqueueJobRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	if err := h.validator.Struct(&req); err != nil {
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors, getValidationErrorMessage(err))
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}

	job, existing, err := h.queue.Enqueue(h.createRequestContext(c, "/api/v1/dispatch/jobs"), &req)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Enqueue failed", "ENQUEUE_FAILED", nil)
	}

	statusCode := fiber.StatusCreated
	message := "Job enqueued"
	if existing {
		statusCode = fiber.StatusOK
		message = "Job already enqueued"
	}
	return h.SuccessResponse(c, statusCode, message, dto.EnqueueJobResponse{
		JobID:    job.JobID,
		State:    string(job.State),
		Existing: existing,
	})
}

// GetJobStatus returns the lifecycle state of one job
func (h *DispatchHandler) GetJobStatus(c fiber.Ctx) error {
	jobID := c.Params("job_id")
	if jobID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Job id is required", "JOB_ID_REQUIRED", nil)
	}

	job, err := h.queue.Status(h.createRequestContext(c, "/api/v1/dispatch/jobs/:job_id"), jobID)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Job lookup failed", "JOB_LOOKUP_FAILED", nil)
	}
	if job == nil {
		return h.ErrorResponse(c, fiber.StatusNotFound, "Job not found", "JOB_NOT_FOUND", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Job status", dto.JobStatusResponse{
		JobID:              job.JobID,
		State:              string(job.State),
		Attempts:           job.Attempts,
		MaxAttempts:        job.MaxAttempts,
		AttemptErrors:      job.AttemptErrors,
		ProviderDeliveryID: utils.Deref(job.ProviderDeliveryID),
		CreatedAt:          job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          job.UpdatedAt.Format(time.RFC3339),
	})
}

// createRequestContext creates a context with timeout and request-scoped values
func (h *DispatchHandler) createRequestContext(c fiber.Ctx, endpoint string) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	context.AfterFunc(ctx, cancel)
	return ctx
}
