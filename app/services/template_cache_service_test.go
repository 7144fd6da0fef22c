package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTemplateCacheRepo is an in-memory TemplateCacheRepository
type fakeTemplateCacheRepo struct {
	mu      sync.Mutex
	entries []*models.TemplateCacheEntry
	nextID  uint
	touches int
}

func (r *fakeTemplateCacheRepo) ByKeyAndSignature(ctx context.Context, logicalKey, signature string) (*models.TemplateCacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.LogicalKey == logicalKey && e.Signature == signature {
			copied := *e
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeTemplateCacheRepo) Save(ctx context.Context, entry *models.TemplateCacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	entry.ID = r.nextID
	copied := *entry
	r.entries = append(r.entries, &copied)
	return nil
}

func (r *fakeTemplateCacheRepo) Touch(ctx context.Context, id uint, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touches++
	for _, e := range r.entries {
		if e.ID == id {
			e.LastUsedAt = usedAt
		}
	}
	return nil
}

func newTestCache(t *testing.T, overrides map[string]string) (*TemplateCacheServiceImpl, *fakeTemplateCacheRepo) {
	t.Helper()
	repo := &fakeTemplateCacheRepo{}
	svc := NewTemplateCacheService(repo, overrides).(*TemplateCacheServiceImpl)
	return svc, repo
}

func countingFactory(id string, calls *int) ArtifactFactory {
	return func(ctx context.Context) (string, error) {
		*calls++
		return id, nil
	}
}

func TestSignature_OrderIndependence(t *testing.T) {
	svc, _ := newTestCache(t, nil)

	a, err := svc.Signature(map[string]any{
		"items": []any{
			map[string]any{"id": 2, "name": "burger"},
			map[string]any{"id": 1, "name": "fries"},
		},
	})
	require.NoError(t, err)

	b, err := svc.Signature(map[string]any{
		"items": []any{
			map[string]any{"id": 1, "name": "fries"},
			map[string]any{"id": 2, "name": "burger"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, a, b, "element order must not change the signature")
}

func TestSignature_MixedListOrderIndependence(t *testing.T) {
	svc, _ := newTestCache(t, nil)

	a, err := svc.Signature(map[string]any{
		"rows": []any{
			map[string]any{"id": "b", "name": "burger"},
			map[string]any{"note": "no id"},
			map[string]any{"id": "a", "name": "fries"},
		},
	})
	require.NoError(t, err)

	b, err := svc.Signature(map[string]any{
		"rows": []any{
			map[string]any{"id": "a", "name": "fries"},
			map[string]any{"id": "b", "name": "burger"},
			map[string]any{"note": "no id"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, a, b, "id-less elements must not pin id-bearing ones in place")
}

func TestSignature_ValueChangeChangesSignature(t *testing.T) {
	svc, _ := newTestCache(t, nil)

	a, err := svc.Signature(map[string]any{"title": "Order type", "rows": []any{"delivery"}})
	require.NoError(t, err)
	b, err := svc.Signature(map[string]any{"title": "Order type", "rows": []any{"pickup"}})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestSignature_NilAndAbsentAreEqual(t *testing.T) {
	svc, _ := newTestCache(t, nil)

	withNil, err := svc.Signature(map[string]any{"title": "Menu", "footer": nil})
	require.NoError(t, err)
	absent, err := svc.Signature(map[string]any{"title": "Menu"})
	require.NoError(t, err)

	assert.Equal(t, withNil, absent, "nil optional and absent optional must hash identically")
}

func TestSignature_FloatNoiseIsRoundedAway(t *testing.T) {
	svc, _ := newTestCache(t, nil)

	a, err := svc.Signature(map[string]any{"price": 12.500004})
	require.NoError(t, err)
	b, err := svc.Signature(map[string]any{"price": 12.5})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestGetOrCreate_FactoryInvokedOncePerContent(t *testing.T) {
	svc, _ := newTestCache(t, nil)
	ctx := context.Background()
	payload := map[string]any{"title": "Order type"}

	calls := 0
	id, err := svc.GetOrCreate(ctx, "order-type-prompt", payload, countingFactory("artifact-1", &calls))
	require.NoError(t, err)
	assert.Equal(t, "artifact-1", id)
	assert.Equal(t, 1, calls)

	id, err = svc.GetOrCreate(ctx, "order-type-prompt", payload, countingFactory("artifact-2", &calls))
	require.NoError(t, err)
	assert.Equal(t, "artifact-1", id, "second resolution must reuse the cached artifact")
	assert.Equal(t, 1, calls, "factory must not run again for identical content")
}

func TestGetOrCreate_SurvivesMemoryClear(t *testing.T) {
	svc, repo := newTestCache(t, nil)
	ctx := context.Background()
	payload := map[string]any{"title": "Order type"}

	calls := 0
	_, err := svc.GetOrCreate(ctx, "order-type-prompt", payload, countingFactory("artifact-1", &calls))
	require.NoError(t, err)

	svc.ClearMemory()

	id, err := svc.GetOrCreate(ctx, "order-type-prompt", payload, countingFactory("artifact-2", &calls))
	require.NoError(t, err)
	assert.Equal(t, "artifact-1", id, "persistent tier must serve the entry after a memory clear")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, repo.touches, "store hit must bump last-used")
}

func TestGetOrCreate_MemoryHitBumpsLastUsed(t *testing.T) {
	svc, repo := newTestCache(t, nil)
	ctx := context.Background()
	payload := map[string]any{"title": "Order type"}
	base := time.Now().UTC()
	svc.now = func() time.Time { return base }

	calls := 0
	_, err := svc.GetOrCreate(ctx, "order-type-prompt", payload, countingFactory("artifact-1", &calls))
	require.NoError(t, err)
	require.Zero(t, repo.touches)

	// Within the throttle window the memory hit stays silent
	_, err = svc.GetOrCreate(ctx, "order-type-prompt", payload, countingFactory("artifact-2", &calls))
	require.NoError(t, err)
	assert.Zero(t, repo.touches)

	base = base.Add(2 * time.Minute)
	_, err = svc.GetOrCreate(ctx, "order-type-prompt", payload, countingFactory("artifact-3", &calls))
	require.NoError(t, err)
	assert.Equal(t, 1, repo.touches, "a memory hit past the throttle window bumps last-used")
	assert.Equal(t, 1, calls)
	require.Len(t, repo.entries, 1)
	assert.Equal(t, base, repo.entries[0].LastUsedAt)

	// The bump resets the throttle
	_, err = svc.GetOrCreate(ctx, "order-type-prompt", payload, countingFactory("artifact-4", &calls))
	require.NoError(t, err)
	assert.Equal(t, 1, repo.touches)
}

func TestGetOrCreate_DifferentContentIsDifferentEntry(t *testing.T) {
	svc, repo := newTestCache(t, nil)
	ctx := context.Background()

	calls := 0
	_, err := svc.GetOrCreate(ctx, "order-type-prompt", map[string]any{"title": "v1"}, countingFactory("artifact-1", &calls))
	require.NoError(t, err)
	_, err = svc.GetOrCreate(ctx, "order-type-prompt", map[string]any{"title": "v2"}, countingFactory("artifact-2", &calls))
	require.NoError(t, err)

	assert.Equal(t, 2, calls, "changed content must create a new artifact")
	assert.Len(t, repo.entries, 2, "the old entry survives for rollback and inspection")
}

func TestGetOrCreate_OverridePinsLogicalKey(t *testing.T) {
	svc, repo := newTestCache(t, map[string]string{"order-type-prompt": "pinned-artifact"})
	ctx := context.Background()

	calls := 0
	id, err := svc.GetOrCreate(ctx, "order-type-prompt", map[string]any{"title": "anything"}, countingFactory("artifact-1", &calls))
	require.NoError(t, err)

	assert.Equal(t, "pinned-artifact", id)
	assert.Zero(t, calls, "override must bypass creation entirely")
	assert.Empty(t, repo.entries)
}
