package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// TemplateHandlerInterface defines the contract for content-artifact handlers
type TemplateHandlerInterface interface {
	ResolveTemplate(c fiber.Ctx) error
}

// TemplateHandler exposes the content-artifact cache to internal callers
type TemplateHandler struct {
	cache      services.TemplateCacheService
	provider   services.MessageProvider
	tenantRepo repository.TenantRepository
	validator  *validator.Validate
}

// NewTemplateHandler creates a new template handler
func NewTemplateHandler(cache services.TemplateCacheService, provider services.MessageProvider, tenantRepo repository.TenantRepository) *TemplateHandler {
	return &TemplateHandler{
		cache:      cache,
		provider:   provider,
		tenantRepo: tenantRepo,
		validator:  validator.New(),
	}
}

func (h *TemplateHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *TemplateHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// ResolveTemplate returns the artifact id for a logical key and payload,
// creating the provider-side artifact only when no tier of the cache has it
func (h *TemplateHandler) ResolveTemplate(c fiber.Ctx) error {
	var req dto.ResolveTemplateRequest
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

	var payload any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid payload", "INVALID_PAYLOAD", err.Error())
	}

	ctx := h.createRequestContext(c, "/api/v1/dispatch/templates")

	tenant, err := h.tenantRepo.ByID(ctx, req.TenantID)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Tenant lookup failed", "TENANT_LOOKUP_FAILED", nil)
	}
	if tenant == nil || !utils.IsTrue(tenant.IsActive) {
		return h.ErrorResponse(c, fiber.StatusNotFound, "Tenant not found or inactive", "TENANT_NOT_FOUND", nil)
	}

	artifactID, err := h.cache.GetOrCreate(ctx, req.LogicalKey, payload, func(factoryCtx context.Context) (string, error) {
		return h.provider.CreateTemplate(factoryCtx, tenant, req.LogicalKey, payload)
	})
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Template resolution failed", "TEMPLATE_RESOLVE_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Template resolved", dto.ResolveTemplateResponse{ArtifactID: artifactID})
}

// createRequestContext creates a context with timeout and request-scoped values
func (h *TemplateHandler) createRequestContext(c fiber.Ctx, endpoint string) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	context.AfterFunc(ctx, cancel)
	return ctx
}
