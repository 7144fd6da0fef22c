package handlers

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/gofiber/fiber/v3"
)

// WebhookHandlerInterface defines the contract for inbound webhook handlers
type WebhookHandlerInterface interface {
	ReceiveMessage(c fiber.Ctx) error
	VerifyChallenge(c fiber.Ctx) error
}

// WebhookHandler handles inbound webhook HTTP requests
type WebhookHandler struct {
	inboundFlow businessflow.InboundFlow
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(inboundFlow businessflow.InboundFlow) *WebhookHandler {
	return &WebhookHandler{inboundFlow: inboundFlow}
}

func (h *WebhookHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *WebhookHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// ReceiveMessage handles one inbound webhook delivery. Both provider envelope
// families are accepted: URL-encoded form fields and JSON.
func (h *WebhookHandler) ReceiveMessage(c fiber.Ctx) error {
	var req *dto.InboundWebhookRequest
	var err error

	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		var env dto.JSONEnvelope
		if bindErr := c.Bind().JSON(&env); bindErr != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", bindErr.Error())
		}
		req, err = dto.FromJSONEnvelope(&env)
		if err == nil {
			// The raw body rides along as one pseudo-field so signature
			// validation covers the payload, not just the URL
			req.RawForm = url.Values{services.JSONBodyField: {string(c.Body())}}
		}
	} else {
		req, err = dto.FromForm(h.postForm(c))
	}
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Unrecognized message payload", "UNRECOGNIZED_PAYLOAD", err.Error())
	}

	ipAddress := c.IP()
	userAgent := c.Get("User-Agent")
	metadata := businessflow.NewClientMetadata(ipAddress, userAgent)
	metadata.SetRequestID(c.Get("X-Request-ID"))

	fullURL := c.BaseURL() + c.OriginalURL()
	signature := c.Get("X-Signature")

	result, err := h.inboundFlow.ProcessInbound(h.createRequestContext(c, "/api/v1/webhook"), fullURL, signature, req, metadata)
	if err != nil {
		if businessflow.IsTenantNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "No tenant for destination address", "TENANT_NOT_FOUND", nil)
		}
		if businessflow.IsInvalidSignature(err) {
			return h.ErrorResponse(c, fiber.StatusForbidden, "Signature validation failed", "SIGNATURE_INVALID", nil)
		}
		if businessflow.IsRateLimited(err) {
			return h.ErrorResponse(c, fiber.StatusTooManyRequests, "Rate limit exceeded", "RATE_LIMITED", nil)
		}
		if businessflow.IsMessageInFlight(err) {
			return h.ErrorResponse(c, fiber.StatusConflict, "Message is being processed", "MESSAGE_IN_FLIGHT", nil)
		}
		// Diagnostics stay in the logs, not the response body
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Message processing failed", "PROCESSING_FAILED", nil)
	}

	if result.Duplicate {
		return h.SuccessResponse(c, fiber.StatusOK, "Message already processed", result)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Message accepted", result)
}

// VerifyChallenge handles the provider's GET subscription handshake
func (h *WebhookHandler) VerifyChallenge(c fiber.Ctx) error {
	req := &dto.VerifyChallengeRequest{
		Mode:      c.Query("hub.mode"),
		Token:     c.Query("hub.verify_token"),
		Challenge: c.Query("hub.challenge"),
	}

	challenge, err := h.inboundFlow.VerifyChallenge(req)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusForbidden, "Verification token mismatch", "VERIFY_TOKEN_MISMATCH", nil)
	}
	return c.Status(fiber.StatusOK).SendString(challenge)
}

// postForm collects the POST body fields into url.Values for normalization
// and signature validation
func (h *WebhookHandler) postForm(c fiber.Ctx) url.Values {
	form := url.Values{}
	c.Request().PostArgs().VisitAll(func(key, value []byte) {
		form.Add(string(key), string(value))
	})
	return form
}

// createRequestContext creates a context with timeout and request-scoped values
func (h *WebhookHandler) createRequestContext(c fiber.Ctx, endpoint string) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	context.AfterFunc(ctx, cancel)
	return ctx
}
