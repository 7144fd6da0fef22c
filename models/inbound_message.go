package models

import (
	"encoding/json"
	"time"
)

// MessageKind enumerates the recognized inbound message shapes. Unrecognized
// provider envelopes are rejected at the gateway boundary rather than stored.
type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindButton   MessageKind = "button"
	MessageKindLocation MessageKind = "location"
	MessageKindMedia    MessageKind = "media"
)

// MessageDirection is the flow direction of a persisted message
type MessageDirection string

const (
	MessageDirectionIn  MessageDirection = "in"
	MessageDirectionOut MessageDirection = "out"
)

// InboundMessage records one accepted inbound message. The unique index on
// ProviderMessageID is the durable idempotency backstop beneath the Redis
// lock: when both workers slip past the lock, the second insert fails and is
// treated as a duplicate success. Rows are append-only.
type InboundMessage struct {
	ID       uint `gorm:"primaryKey" json:"id"`
	TenantID uint `gorm:"not null;index:idx_inbound_messages_tenant_id" json:"tenant_id"`
	// ProviderMessageID is nullable: some providers omit it, and a unique
	// index must not collapse the NULLs
	ProviderMessageID *string          `gorm:"size:128;uniqueIndex:idx_inbound_messages_provider_message_id" json:"provider_message_id"`
	ConversationID    uint             `gorm:"not null;index:idx_inbound_messages_conversation_id" json:"conversation_id"`
	Direction         MessageDirection `gorm:"size:8;not null;default:'in'" json:"direction"`
	Kind              MessageKind      `gorm:"size:16;not null" json:"kind"`
	Sender            string           `gorm:"size:64;not null" json:"sender"`
	Body              string           `gorm:"type:text" json:"body"`
	MediaURL          *string          `gorm:"size:1024" json:"media_url"`
	// Payload keeps the structured part of button/location messages
	Payload    json.RawMessage `gorm:"type:jsonb" json:"payload,omitempty"`
	ReceivedAt time.Time       `gorm:"not null" json:"received_at"`
	CreatedAt  time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_inbound_messages_created_at" json:"created_at"`
}

func (InboundMessage) TableName() string { return "inbound_messages" }

// InboundMessageFilter provides filter fields for repository queries
type InboundMessageFilter struct {
	ID                *uint
	TenantID          *uint
	ConversationID    *uint
	ProviderMessageID *string
	Kind              *MessageKind
	CreatedAfter      *time.Time
	CreatedBefore     *time.Time
}
