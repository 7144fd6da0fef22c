// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/amirphl/Kusanagi/models"
)

// TenantRepository reads tenant identities; provisioning is out of scope
type TenantRepository interface {
	ByID(ctx context.Context, id uint) (*models.Tenant, error)
	BySendingAddress(ctx context.Context, address string) (*models.Tenant, error)
	ByFilter(ctx context.Context, filter models.TenantFilter, orderBy string, limit, offset int) ([]*models.Tenant, error)
	Save(ctx context.Context, tenant *models.Tenant) error
}

// ConversationRepository finds or creates conversations under a tenant
type ConversationRepository interface {
	ByID(ctx context.Context, id uint) (*models.Conversation, error)
	FindOrCreate(ctx context.Context, tenantID uint, customerAddress string) (*models.Conversation, error)
	TouchLastMessage(ctx context.Context, id uint, at time.Time) error
}

// InboundMessageRepository persists accepted inbound messages (append-only)
type InboundMessageRepository interface {
	ByID(ctx context.Context, id uint) (*models.InboundMessage, error)
	ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.InboundMessage, error)
	ByFilter(ctx context.Context, filter models.InboundMessageFilter, orderBy string, limit, offset int) ([]*models.InboundMessage, error)
	Count(ctx context.Context, filter models.InboundMessageFilter) (int64, error)
	Save(ctx context.Context, msg *models.InboundMessage) error
}

// DispatchJobRepository persists the durable outbound queue
type DispatchJobRepository interface {
	ByID(ctx context.Context, id uint) (*models.DispatchJob, error)
	ByJobID(ctx context.Context, jobID string) (*models.DispatchJob, error)
	ByDedupID(ctx context.Context, dedupID string) (*models.DispatchJob, error)
	Save(ctx context.Context, job *models.DispatchJob) error
	Update(ctx context.Context, job *models.DispatchJob) error
	// ListWaiting returns waiting jobs ordered by priority DESC, job_id ASC
	ListWaiting(ctx context.Context, limit int) ([]*models.DispatchJob, error)
	// Claim moves one waiting job to active iff no other worker claimed it
	// first; returns false when the job was already taken
	Claim(ctx context.Context, jobID string, leasedAt time.Time) (bool, error)
	// RequeueDelayed returns delayed jobs whose backoff elapsed to waiting
	RequeueDelayed(ctx context.Context, now time.Time) (int64, error)
	// RequeueStale returns active jobs with an expired lease to waiting
	RequeueStale(ctx context.Context, leasedBefore time.Time) (int64, error)
	CountByState(ctx context.Context, state models.DispatchJobState) (int64, error)
}

// TemplateCacheRepository persists content-artifact cache entries
type TemplateCacheRepository interface {
	ByKeyAndSignature(ctx context.Context, logicalKey, signature string) (*models.TemplateCacheEntry, error)
	Save(ctx context.Context, entry *models.TemplateCacheEntry) error
	Touch(ctx context.Context, id uint, usedAt time.Time) error
}
