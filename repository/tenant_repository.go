package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/gorm"
)

// TenantRepositoryImpl implements TenantRepository
type TenantRepositoryImpl struct {
	*BaseRepository[models.Tenant, models.TenantFilter]
}

func NewTenantRepository(db *gorm.DB) TenantRepository {
	return &TenantRepositoryImpl{BaseRepository: NewBaseRepository[models.Tenant, models.TenantFilter](db)}
}

func (r *TenantRepositoryImpl) BySendingAddress(ctx context.Context, address string) (*models.Tenant, error) {
	db := r.getDB(ctx)
	var tenant models.Tenant
	if err := db.Where("sending_address = ?", address).First(&tenant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tenant, nil
}

func (r *TenantRepositoryImpl) applyFilter(db *gorm.DB, f models.TenantFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.SendingAddress != nil {
		db = db.Where("sending_address = ?", *f.SendingAddress)
	}
	if f.IsActive != nil {
		db = db.Where("is_active = ?", *f.IsActive)
	}
	return db
}

func (r *TenantRepositoryImpl) ByFilter(ctx context.Context, filter models.TenantFilter, orderBy string, limit, offset int) ([]*models.Tenant, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Tenant{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Tenant
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

type cachedTenant struct {
	tenant    models.Tenant
	expiresAt time.Time
}

// CachedTenantRepository wraps a TenantRepository with a short-TTL in-process
// read cache. The webhook path resolves a tenant on every delivery; the cache
// is advisory and the database stays authoritative. Misses are not cached, so
// a freshly provisioned tenant is visible immediately.
type CachedTenantRepository struct {
	inner TenantRepository
	ttl   time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	byID      map[uint]cachedTenant
	byAddress map[string]cachedTenant
}

func NewCachedTenantRepository(inner TenantRepository, ttl time.Duration) TenantRepository {
	if ttl <= 0 {
		ttl = utils.TenantCacheTTL
	}
	return &CachedTenantRepository{
		inner:     inner,
		ttl:       ttl,
		now:       time.Now,
		byID:      map[uint]cachedTenant{},
		byAddress: map[string]cachedTenant{},
	}
}

func (r *CachedTenantRepository) ByID(ctx context.Context, id uint) (*models.Tenant, error) {
	r.mu.RLock()
	entry, ok := r.byID[id]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expiresAt) {
		c := entry.tenant
		return &c, nil
	}

	tenant, err := r.inner.ByID(ctx, id)
	if err != nil || tenant == nil {
		return tenant, err
	}
	r.store(tenant)
	return tenant, nil
}

func (r *CachedTenantRepository) BySendingAddress(ctx context.Context, address string) (*models.Tenant, error) {
	r.mu.RLock()
	entry, ok := r.byAddress[address]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expiresAt) {
		c := entry.tenant
		return &c, nil
	}

	tenant, err := r.inner.BySendingAddress(ctx, address)
	if err != nil || tenant == nil {
		return tenant, err
	}
	r.store(tenant)
	return tenant, nil
}

func (r *CachedTenantRepository) ByFilter(ctx context.Context, filter models.TenantFilter, orderBy string, limit, offset int) ([]*models.Tenant, error) {
	return r.inner.ByFilter(ctx, filter, orderBy, limit, offset)
}

func (r *CachedTenantRepository) Save(ctx context.Context, tenant *models.Tenant) error {
	if err := r.inner.Save(ctx, tenant); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.byID, tenant.ID)
	delete(r.byAddress, tenant.SendingAddress)
	r.mu.Unlock()
	return nil
}

func (r *CachedTenantRepository) store(tenant *models.Tenant) {
	entry := cachedTenant{tenant: *tenant, expiresAt: r.now().Add(r.ttl)}
	r.mu.Lock()
	r.byID[tenant.ID] = entry
	r.byAddress[tenant.SendingAddress] = entry
	r.mu.Unlock()
}
