package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// DispatchJobState is the lifecycle state of an outbound send
type DispatchJobState string

const (
	DispatchJobStateWaiting   DispatchJobState = "waiting"
	DispatchJobStateActive    DispatchJobState = "active"
	DispatchJobStateDelayed   DispatchJobState = "delayed"
	DispatchJobStateCompleted DispatchJobState = "completed"
	DispatchJobStateFailed    DispatchJobState = "failed"
)

// Terminal reports whether the state admits no further transitions
func (s DispatchJobState) Terminal() bool {
	return s == DispatchJobStateCompleted || s == DispatchJobStateFailed
}

// DispatchJob is one outbound send request with its retry, priority and
// ordering metadata. JobID is a ULID: dequeue orders by priority DESC then
// JobID ASC, so the tie break is enqueue time without a separate sequence.
type DispatchJob struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	JobID string `gorm:"size:26;not null;uniqueIndex:idx_dispatch_jobs_job_id" json:"job_id"`
	// DedupID deduplicates enqueues: a second enqueue with the same id is a
	// no-op returning the existing job
	DedupID        string  `gorm:"size:128;not null;uniqueIndex:idx_dispatch_jobs_dedup_id" json:"dedup_id"`
	TenantID       uint    `gorm:"not null;index:idx_dispatch_jobs_tenant_id" json:"tenant_id"`
	ConversationID *uint   `gorm:"index:idx_dispatch_jobs_conversation_id" json:"conversation_id"`
	Recipient      string  `gorm:"size:64;not null" json:"recipient"`
	// Body holds free text; TemplateRef + Variables hold a template send.
	// Exactly one of the two forms is set.
	Body        *string         `gorm:"type:text" json:"body"`
	TemplateRef *string         `gorm:"size:128" json:"template_ref"`
	Variables   json.RawMessage `gorm:"type:jsonb" json:"variables,omitempty"`
	Priority    int             `gorm:"default:0;index:idx_dispatch_jobs_priority" json:"priority"`
	State       DispatchJobState `gorm:"size:16;not null;default:'waiting';index:idx_dispatch_jobs_state" json:"state"`
	Attempts    int             `gorm:"default:0" json:"attempts"`
	MaxAttempts int             `gorm:"default:3" json:"max_attempts"`
	// AttemptErrors keeps one error string per failed attempt for operator
	// inspection
	AttemptErrors pq.StringArray `gorm:"type:text[]" json:"attempt_errors,omitempty"`
	// NotBefore gates delayed jobs: the sweeper returns them to waiting once
	// the backoff elapses
	NotBefore *time.Time `gorm:"index:idx_dispatch_jobs_not_before" json:"not_before"`
	// LeasedAt marks when a worker took the job active; stale leases are
	// requeued by the sweeper
	LeasedAt           *time.Time `json:"leased_at"`
	ProviderDeliveryID *string    `gorm:"size:128" json:"provider_delivery_id"`
	CreatedAt          time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_dispatch_jobs_created_at" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (DispatchJob) TableName() string { return "dispatch_jobs" }

// OrderingKey is the conversation-mutex key: per conversation when one is
// known, per tenant otherwise.
func (j *DispatchJob) OrderingKey() string {
	if j.ConversationID != nil {
		return ConversationMutexKey(j.TenantID, *j.ConversationID)
	}
	return tenantKey(j.TenantID)
}

// DispatchJobFilter provides filter fields for repository queries
type DispatchJobFilter struct {
	ID             *uint
	JobID          *string
	DedupID        *string
	TenantID       *uint
	ConversationID *uint
	State          *DispatchJobState
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
}
