package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is one business identity sharing the dispatch core. Provisioning is
// handled by the admin surface; the core only reads tenants, keyed by their
// provider sending address.
type Tenant struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UUID           uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	SendingAddress string    `gorm:"size:64;not null;uniqueIndex:idx_tenants_sending_address" json:"sending_address"`
	// SigningSecret validates inbound webhook signatures. Legacy tenants
	// provisioned before credential storage have an empty secret; signature
	// validation is skipped for them with a warning.
	SigningSecret string `gorm:"size:255" json:"-"`
	// ProviderToken authorizes outbound sends on behalf of this tenant
	ProviderToken string `gorm:"size:512" json:"-"`
	// RatePerMinute caps accepted inbound messages per minute; zero means the
	// platform default applies
	RatePerMinute int `gorm:"default:0" json:"rate_per_minute"`
	// MaxConcurrentJobs caps in-flight outbound jobs; zero means the platform
	// default applies
	MaxConcurrentJobs int       `gorm:"default:0" json:"max_concurrent_jobs"`
	IsActive          *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt         time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt         time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

// TenantFilter provides filter fields for repository queries
type TenantFilter struct {
	ID             *uint
	UUID           *uuid.UUID
	SendingAddress *string
	IsActive       *bool
}
