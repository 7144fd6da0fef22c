package repository

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/gorm"
)

// DispatchJobRepositoryImpl implements DispatchJobRepository
type DispatchJobRepositoryImpl struct {
	*BaseRepository[models.DispatchJob, models.DispatchJobFilter]
}

func NewDispatchJobRepository(db *gorm.DB) DispatchJobRepository {
	return &DispatchJobRepositoryImpl{BaseRepository: NewBaseRepository[models.DispatchJob, models.DispatchJobFilter](db)}
}

func (r *DispatchJobRepositoryImpl) ByJobID(ctx context.Context, jobID string) (*models.DispatchJob, error) {
	return r.firstWhere(ctx, "job_id = ?", jobID)
}

func (r *DispatchJobRepositoryImpl) ByDedupID(ctx context.Context, dedupID string) (*models.DispatchJob, error) {
	return r.firstWhere(ctx, "dedup_id = ?", dedupID)
}

func (r *DispatchJobRepositoryImpl) firstWhere(ctx context.Context, cond string, arg any) (*models.DispatchJob, error) {
	db := r.getDB(ctx)
	var job models.DispatchJob
	if err := db.Where(cond, arg).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *DispatchJobRepositoryImpl) Update(ctx context.Context, job *models.DispatchJob) error {
	db := r.getDB(ctx)
	job.UpdatedAt = utils.UTCNow()
	return db.Save(job).Error
}

// ListWaiting returns claimable jobs ordered by priority DESC then job_id ASC.
// Job ids are ULIDs, so the secondary order is enqueue time. Only the
// head-of-line job per ordering scope is eligible: a scope with an earlier
// waiting job, or with any active or delayed job, yields nothing, so a later
// send can never be claimed while an earlier one is unfinished.
func (r *DispatchJobRepositoryImpl) ListWaiting(ctx context.Context, limit int) ([]*models.DispatchJob, error) {
	db := r.getDB(ctx)
	var rows []*models.DispatchJob
	query := db.Model(&models.DispatchJob{}).
		Where("state = ?", models.DispatchJobStateWaiting).
		Where(`NOT EXISTS (
			SELECT 1 FROM dispatch_jobs peer
			WHERE peer.tenant_id = dispatch_jobs.tenant_id
			  AND peer.conversation_id IS NOT DISTINCT FROM dispatch_jobs.conversation_id
			  AND (peer.state IN ?
			       OR (peer.state = ? AND peer.job_id < dispatch_jobs.job_id))
		)`,
			[]models.DispatchJobState{models.DispatchJobStateActive, models.DispatchJobStateDelayed},
			models.DispatchJobStateWaiting).
		Order("priority DESC").
		Order("job_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Claim transitions one waiting job to active. The state guard in the WHERE
// clause makes the claim atomic under concurrent workers.
func (r *DispatchJobRepositoryImpl) Claim(ctx context.Context, jobID string, leasedAt time.Time) (bool, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.DispatchJob{}).
		Where("job_id = ? AND state = ?", jobID, models.DispatchJobStateWaiting).
		Updates(map[string]any{
			"state":      models.DispatchJobStateActive,
			"leased_at":  leasedAt,
			"updated_at": utils.UTCNow(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *DispatchJobRepositoryImpl) RequeueDelayed(ctx context.Context, now time.Time) (int64, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.DispatchJob{}).
		Where("state = ? AND not_before <= ?", models.DispatchJobStateDelayed, now).
		Updates(map[string]any{
			"state":      models.DispatchJobStateWaiting,
			"not_before": nil,
			"updated_at": utils.UTCNow(),
		})
	return res.RowsAffected, res.Error
}

func (r *DispatchJobRepositoryImpl) RequeueStale(ctx context.Context, leasedBefore time.Time) (int64, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.DispatchJob{}).
		Where("state = ? AND leased_at < ?", models.DispatchJobStateActive, leasedBefore).
		Updates(map[string]any{
			"state":      models.DispatchJobStateWaiting,
			"leased_at":  nil,
			"updated_at": utils.UTCNow(),
		})
	return res.RowsAffected, res.Error
}

func (r *DispatchJobRepositoryImpl) CountByState(ctx context.Context, state models.DispatchJobState) (int64, error) {
	db := r.getDB(ctx)
	var count int64
	err := db.Model(&models.DispatchJob{}).Where("state = ?", state).Count(&count).Error
	return count, err
}
