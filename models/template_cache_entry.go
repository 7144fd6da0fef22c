package models

import (
	"encoding/json"
	"time"
)

// TemplateCacheEntry maps (logical key, content signature) to a provider-side
// content artifact id. The same logical key with a different signature is a
// different entry; old entries are kept for rollback and inspection.
type TemplateCacheEntry struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	LogicalKey string `gorm:"size:128;not null;uniqueIndex:idx_template_cache_key_signature,priority:1" json:"logical_key"`
	Signature  string `gorm:"size:64;not null;uniqueIndex:idx_template_cache_key_signature,priority:2" json:"signature"`
	ArtifactID string `gorm:"size:128;not null" json:"artifact_id"`
	// FriendlyName and Metadata exist for observability only
	FriendlyName string          `gorm:"size:255" json:"friendly_name"`
	Metadata     json.RawMessage `gorm:"type:jsonb" json:"metadata,omitempty"`
	LastUsedAt   time.Time       `gorm:"not null;index:idx_template_cache_last_used_at" json:"last_used_at"`
	CreatedAt    time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
}

func (TemplateCacheEntry) TableName() string { return "template_cache_entries" }

// TemplateCacheEntryFilter provides filter fields for repository queries
type TemplateCacheEntryFilter struct {
	ID         *uint
	LogicalKey *string
	Signature  *string
	ArtifactID *string
}
