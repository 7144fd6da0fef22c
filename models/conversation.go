package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation ties a customer address to a tenant. The automation layer owns
// the conversational state; the core only needs a stable id for ordering and
// message attribution.
type Conversation struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UUID            uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	TenantID        uint      `gorm:"not null;uniqueIndex:idx_conversations_tenant_customer,priority:1" json:"tenant_id"`
	CustomerAddress string    `gorm:"size:64;not null;uniqueIndex:idx_conversations_tenant_customer,priority:2" json:"customer_address"`
	LastMessageAt   *time.Time `json:"last_message_at"`
	CreatedAt       time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt       time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// ConversationFilter provides filter fields for repository queries
type ConversationFilter struct {
	ID              *uint
	TenantID        *uint
	CustomerAddress *string
}
