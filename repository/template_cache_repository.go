package repository

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/gorm"
)

// TemplateCacheRepositoryImpl implements TemplateCacheRepository
type TemplateCacheRepositoryImpl struct {
	*BaseRepository[models.TemplateCacheEntry, models.TemplateCacheEntryFilter]
}

func NewTemplateCacheRepository(db *gorm.DB) TemplateCacheRepository {
	return &TemplateCacheRepositoryImpl{BaseRepository: NewBaseRepository[models.TemplateCacheEntry, models.TemplateCacheEntryFilter](db)}
}

func (r *TemplateCacheRepositoryImpl) ByKeyAndSignature(ctx context.Context, logicalKey, signature string) (*models.TemplateCacheEntry, error) {
	db := r.getDB(ctx)
	var entry models.TemplateCacheEntry
	if err := db.Where("logical_key = ? AND signature = ?", logicalKey, signature).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Save persists one cache entry. Two processes creating the same (key,
// signature) concurrently both created the artifact; losing the insert race
// is fine, the winner's row is equivalent.
func (r *TemplateCacheRepositoryImpl) Save(ctx context.Context, entry *models.TemplateCacheEntry) error {
	err := r.BaseRepository.Save(ctx, entry)
	if err != nil && isUniqueViolation(err) {
		existing, ferr := r.ByKeyAndSignature(ctx, entry.LogicalKey, entry.Signature)
		if ferr == nil && existing != nil {
			*entry = *existing
			return nil
		}
	}
	return err
}

func (r *TemplateCacheRepositoryImpl) Touch(ctx context.Context, id uint, usedAt time.Time) error {
	db := r.getDB(ctx)
	return db.Model(&models.TemplateCacheEntry{}).
		Where("id = ?", id).
		Update("last_used_at", utils.TimeToUTC(usedAt)).Error
}
