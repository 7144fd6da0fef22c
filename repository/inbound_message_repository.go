package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/amirphl/Kusanagi/models"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// ErrDuplicateProviderMessageID signals the unique index on
// provider_message_id rejected an insert. Callers treat it as the
// duplicate-success case, not a failure.
var ErrDuplicateProviderMessageID = errors.New("inbound message with this provider message id already exists")

// isUniqueViolation reports whether err is a Postgres unique-constraint error
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	// The pgx driver surfaces the SQLSTATE in the message
	return err != nil && strings.Contains(err.Error(), "23505")
}

// InboundMessageRepositoryImpl implements InboundMessageRepository
type InboundMessageRepositoryImpl struct {
	*BaseRepository[models.InboundMessage, models.InboundMessageFilter]
}

func NewInboundMessageRepository(db *gorm.DB) InboundMessageRepository {
	return &InboundMessageRepositoryImpl{BaseRepository: NewBaseRepository[models.InboundMessage, models.InboundMessageFilter](db)}
}

func (r *InboundMessageRepositoryImpl) ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.InboundMessage, error) {
	db := r.getDB(ctx)
	var msg models.InboundMessage
	if err := db.Where("provider_message_id = ?", providerMessageID).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// Save persists one inbound message. Unique-index races on the provider
// message id come back as ErrDuplicateProviderMessageID.
func (r *InboundMessageRepositoryImpl) Save(ctx context.Context, msg *models.InboundMessage) error {
	err := r.BaseRepository.Save(ctx, msg)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateProviderMessageID
	}
	return err
}

func (r *InboundMessageRepositoryImpl) applyFilter(db *gorm.DB, f models.InboundMessageFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.TenantID != nil {
		db = db.Where("tenant_id = ?", *f.TenantID)
	}
	if f.ConversationID != nil {
		db = db.Where("conversation_id = ?", *f.ConversationID)
	}
	if f.ProviderMessageID != nil {
		db = db.Where("provider_message_id = ?", *f.ProviderMessageID)
	}
	if f.Kind != nil {
		db = db.Where("kind = ?", *f.Kind)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *InboundMessageRepositoryImpl) ByFilter(ctx context.Context, filter models.InboundMessageFilter, orderBy string, limit, offset int) ([]*models.InboundMessage, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.InboundMessage{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.InboundMessage
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *InboundMessageRepositoryImpl) Count(ctx context.Context, filter models.InboundMessageFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.InboundMessage{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
