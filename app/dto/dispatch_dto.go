package dto

import "encoding/json"

// EnqueueJobRequest asks the dispatch queue to deliver one outbound message.
// Either Body or TemplateRef must be set; TemplateRef sends carry Variables.
type EnqueueJobRequest struct {
	TenantID       uint              `json:"tenant_id" validate:"required,min=1"`
	ConversationID *uint             `json:"conversation_id,omitempty" validate:"omitempty,min=1"`
	Recipient      string            `json:"recipient" validate:"required,max=64"`
	Body           string            `json:"body,omitempty" validate:"required_without=TemplateRef,max=4096"`
	TemplateRef    string            `json:"template_ref,omitempty" validate:"required_without=Body,max=256"`
	Variables      map[string]string `json:"variables,omitempty" validate:"omitempty,max=32"`
	Priority       int               `json:"priority,omitempty" validate:"omitempty,min=0,max=100"`
	DedupID        string            `json:"dedup_id,omitempty" validate:"omitempty,max=128"`
}

// EnqueueJobResponse returns the job identity and its current state. Existing
// is true when the dedup id matched a previously enqueued job.
type EnqueueJobResponse struct {
	JobID    string `json:"job_id"`
	State    string `json:"state"`
	Existing bool   `json:"existing"`
}

// ResolveTemplateRequest resolves (or creates) a provider content artifact
// for a logical key and payload
type ResolveTemplateRequest struct {
	TenantID   uint            `json:"tenant_id" validate:"required,min=1"`
	LogicalKey string          `json:"logical_key" validate:"required,max=128"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

// ResolveTemplateResponse returns the resolved artifact id
type ResolveTemplateResponse struct {
	ArtifactID string `json:"artifact_id"`
}

// JobStatusResponse reports the lifecycle state of one dispatch job
type JobStatusResponse struct {
	JobID              string   `json:"job_id"`
	State              string   `json:"state"`
	Attempts           int      `json:"attempts"`
	MaxAttempts        int      `json:"max_attempts"`
	AttemptErrors      []string `json:"attempt_errors,omitempty"`
	ProviderDeliveryID string   `json:"provider_delivery_id,omitempty"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
}
