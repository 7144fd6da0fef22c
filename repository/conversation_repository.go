package repository

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationRepositoryImpl implements ConversationRepository
type ConversationRepositoryImpl struct {
	*BaseRepository[models.Conversation, models.ConversationFilter]
}

func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &ConversationRepositoryImpl{BaseRepository: NewBaseRepository[models.Conversation, models.ConversationFilter](db)}
}

// FindOrCreate returns the conversation for (tenant, customer), creating it on
// first contact. A concurrent create losing the unique-index race falls back
// to the winner's row.
func (r *ConversationRepositoryImpl) FindOrCreate(ctx context.Context, tenantID uint, customerAddress string) (*models.Conversation, error) {
	db := r.getDB(ctx)

	var conv models.Conversation
	err := db.Where("tenant_id = ? AND customer_address = ?", tenantID, customerAddress).First(&conv).Error
	if err == nil {
		return &conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	conv = models.Conversation{
		UUID:            uuid.New(),
		TenantID:        tenantID,
		CustomerAddress: customerAddress,
		CreatedAt:       utils.UTCNow(),
		UpdatedAt:       utils.UTCNow(),
	}
	if err := r.Save(ctx, &conv); err != nil {
		if isUniqueViolation(err) {
			var existing models.Conversation
			if ferr := db.Where("tenant_id = ? AND customer_address = ?", tenantID, customerAddress).First(&existing).Error; ferr == nil {
				return &existing, nil
			}
		}
		return nil, err
	}
	return &conv, nil
}

func (r *ConversationRepositoryImpl) TouchLastMessage(ctx context.Context, id uint, at time.Time) error {
	db := r.getDB(ctx)
	return db.Model(&models.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_message_at": at, "updated_at": utils.UTCNow()}).Error
}
