// Package businessflow contains the core business logic for message ingestion workflows
package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/gorm"
)

// AutomationHandler receives each accepted inbound message exactly once per
// unique provider message id. Its errors are logged, never surfaced to the
// provider: webhook delivery succeeded even when the business response failed.
type AutomationHandler func(ctx context.Context, msg *models.InboundMessage, conv *models.Conversation) error

// InboundFlow handles the inbound webhook business logic
type InboundFlow interface {
	ProcessInbound(ctx context.Context, fullURL, signature string, req *dto.InboundWebhookRequest, metadata *ClientMetadata) (*dto.InboundWebhookResponse, error)
	VerifyChallenge(req *dto.VerifyChallengeRequest) (string, error)
}

// InboundFlowImpl implements the inbound gateway pipeline
type InboundFlowImpl struct {
	tenantRepo       repository.TenantRepository
	conversationRepo repository.ConversationRepository
	messageRepo      repository.InboundMessageRepository
	locks            services.LockService
	limiter          services.RateLimitService
	bus              *services.EventBus
	automation       AutomationHandler
	cfg              *config.GatewayConfig
	db               *gorm.DB
	logger           *log.Logger
}

// NewInboundFlow creates a new inbound flow instance
func NewInboundFlow(
	tenantRepo repository.TenantRepository,
	conversationRepo repository.ConversationRepository,
	messageRepo repository.InboundMessageRepository,
	locks services.LockService,
	limiter services.RateLimitService,
	bus *services.EventBus,
	automation AutomationHandler,
	cfg *config.GatewayConfig,
	db *gorm.DB,
	logger *log.Logger,
) InboundFlow {
	if logger == nil {
		logger = log.Default()
	}
	return &InboundFlowImpl{
		tenantRepo:       tenantRepo,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		locks:            locks,
		limiter:          limiter,
		bus:              bus,
		automation:       automation,
		cfg:              cfg,
		db:               db,
		logger:           logger,
	}
}

// ProcessInbound runs the full ingestion pipeline for one webhook delivery.
// Each stage short-circuits with a specific error; duplicates short-circuit
// with a success response instead.
func (f *InboundFlowImpl) ProcessInbound(ctx context.Context, fullURL, signature string, req *dto.InboundWebhookRequest, metadata *ClientMetadata) (*dto.InboundWebhookResponse, error) {
	// Stage 1: tenant routing by destination address
	tenant, err := f.tenantRepo.BySendingAddress(ctx, req.To)
	if err != nil {
		return nil, NewBusinessError("TENANT_LOOKUP_FAILED", "Failed to lookup tenant", err)
	}
	if tenant == nil {
		return nil, NewBusinessError("TENANT_NOT_FOUND", "No tenant for destination address", ErrTenantNotFound)
	}
	if !utils.IsTrue(tenant.IsActive) {
		return nil, NewBusinessError("TENANT_INACTIVE", "Tenant is inactive", ErrTenantInactive)
	}

	// Stage 2: signature validation against the tenant's signing secret.
	// Tenants provisioned before credential storage have no secret on file;
	// for them validation is skipped, a documented degraded mode.
	if tenant.SigningSecret == "" {
		f.logger.Printf("inbound: tenant=%d has no signing secret, skipping signature validation", tenant.ID)
	} else {
		form := req.RawForm
		if form == nil {
			form = url.Values{}
		}
		if !services.VerifyWebhookSignature(tenant.SigningSecret, fullURL, signature, form) {
			return nil, NewBusinessError("SIGNATURE_INVALID", "Webhook signature mismatch", ErrInvalidSignature)
		}
	}

	// Stage 3: idempotency. The durable record is checked first, then a
	// short-lived lock guards the window between check and insert.
	if req.ProviderMessageID != "" {
		existing, err := f.messageRepo.ByProviderMessageID(ctx, req.ProviderMessageID)
		if err != nil {
			return nil, NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to check for duplicate message", err)
		}
		if existing != nil {
			return &dto.InboundWebhookResponse{MessageID: existing.ID, Duplicate: true, Status: "duplicate"}, nil
		}

		lockKey := models.InboundMessageLockKey(req.ProviderMessageID)
		ok, token, err := f.locks.TryAcquire(ctx, lockKey, utils.InboundMessageLockTTL)
		if err != nil {
			return nil, NewBusinessError("LOCK_ACQUIRE_FAILED", "Failed to acquire idempotency lock", err)
		}
		if !ok {
			// Another worker holds the lock mid-flight. Fail-open treats the
			// redelivery as already handled; fail-closed rejects so the
			// provider redelivers once the first attempt resolves.
			if f.locks.Policy() == services.FailOpen {
				return &dto.InboundWebhookResponse{Duplicate: true, Status: "in_flight"}, nil
			}
			return nil, NewBusinessError("MESSAGE_IN_FLIGHT", "Message is being processed", ErrMessageInFlight)
		}
		defer f.locks.Release(ctx, lockKey, token)
	}

	// Stage 4: rate limiting, tenant-wide then per-customer
	tenantLimit := tenant.RatePerMinute
	if tenantLimit <= 0 {
		tenantLimit = f.cfg.DefaultTenantRateLimit
	}
	decision, err := f.limiter.CheckAndIncrement(ctx, models.TenantScopeKey(tenant.ID), tenantLimit, utils.TenantRateWindow)
	if err != nil {
		return nil, NewBusinessError("RATE_CHECK_FAILED", "Failed to check tenant rate limit", err)
	}
	if !decision.Allowed {
		return nil, NewBusinessError("TENANT_RATE_LIMITED", "Tenant rate limit exceeded", ErrTenantRateLimited)
	}
	decision, err = f.limiter.CheckAndIncrement(ctx, models.CustomerScopeKey(tenant.ID, req.From), f.cfg.DefaultCustomerRateLimit, utils.CustomerRateWindow)
	if err != nil {
		return nil, NewBusinessError("RATE_CHECK_FAILED", "Failed to check customer rate limit", err)
	}
	if !decision.Allowed {
		return nil, NewBusinessError("CUSTOMER_RATE_LIMITED", "Customer rate limit exceeded", ErrCustomerRateLimited)
	}

	// Stage 5: conversation resolution
	conv, err := f.conversationRepo.FindOrCreate(ctx, tenant.ID, req.From)
	if err != nil {
		return nil, NewBusinessError("CONVERSATION_RESOLVE_FAILED", "Failed to resolve conversation", err)
	}

	// Stage 6: persist the message record
	msg, err := f.buildRecord(tenant, conv, req)
	if err != nil {
		return nil, NewBusinessError("MESSAGE_BUILD_FAILED", "Failed to build message record", err)
	}

	duplicate := false
	err = repository.WithTransaction(ctx, f.db, func(txCtx context.Context) error {
		if err := f.messageRepo.Save(txCtx, msg); err != nil {
			return err
		}
		return f.conversationRepo.TouchLastMessage(txCtx, conv.ID, msg.ReceivedAt)
	})
	if err != nil {
		// The lock did not fully prevent a concurrent insert; the unique
		// constraint on the provider message id is the real backstop.
		if errors.Is(err, repository.ErrDuplicateProviderMessageID) {
			duplicate = true
		} else {
			return nil, NewBusinessError("MESSAGE_PERSIST_FAILED", "Failed to persist message", err)
		}
	}

	if duplicate {
		existing, err := f.messageRepo.ByProviderMessageID(ctx, req.ProviderMessageID)
		if err != nil || existing == nil {
			return &dto.InboundWebhookResponse{Duplicate: true, Status: "duplicate"}, nil
		}
		return &dto.InboundWebhookResponse{MessageID: existing.ID, Duplicate: true, Status: "duplicate"}, nil
	}

	// Stage 7: fan-out. Neither the event subscribers nor the automation
	// layer may fail the webhook; the message is already durably accepted.
	f.bus.Publish(services.Event{
		Kind:           services.EventMessageReceived,
		TenantID:       tenant.ID,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
	})

	if f.automation != nil {
		if err := f.automation(ctx, msg, conv); err != nil {
			f.logger.Printf("inbound: automation failed for tenant=%d conversation=%d message=%d: %v", tenant.ID, conv.ID, msg.ID, err)
		}
	}

	return &dto.InboundWebhookResponse{MessageID: msg.ID, Duplicate: false, Status: "accepted"}, nil
}

// VerifyChallenge answers the provider's GET subscription handshake
func (f *InboundFlowImpl) VerifyChallenge(req *dto.VerifyChallengeRequest) (string, error) {
	if req.Mode != "subscribe" || req.Token == "" || req.Token != f.cfg.VerifyToken {
		return "", NewBusinessError("VERIFY_TOKEN_MISMATCH", "Verification token mismatch", ErrVerifyTokenMismatch)
	}
	return req.Challenge, nil
}

func (f *InboundFlowImpl) buildRecord(tenant *models.Tenant, conv *models.Conversation, req *dto.InboundWebhookRequest) (*models.InboundMessage, error) {
	msg := &models.InboundMessage{
		TenantID:       tenant.ID,
		ConversationID: conv.ID,
		Direction:      models.MessageDirectionIn,
		Kind:           models.MessageKind(req.Kind),
		Sender:         req.From,
		Body:           req.Body,
		ReceivedAt:     utils.UTCNow(),
	}
	if req.ProviderMessageID != "" {
		msg.ProviderMessageID = utils.ToPtr(req.ProviderMessageID)
	}
	if req.MediaURL != "" {
		msg.MediaURL = utils.ToPtr(req.MediaURL)
	}

	var structured any
	switch {
	case req.Button != nil:
		structured = req.Button
	case req.Location != nil:
		structured = req.Location
	}
	if structured != nil {
		raw, err := json.Marshal(structured)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}

	return msg, nil
}
