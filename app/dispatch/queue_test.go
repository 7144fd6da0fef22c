package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/models"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUniqueViolation = errors.New("duplicate key value violates unique constraint")

// fakeJobRepo is an in-memory DispatchJobRepository honoring the unique
// indexes and the waiting-state dequeue order
type fakeJobRepo struct {
	mu   sync.Mutex
	seq  uint
	jobs map[string]*models.DispatchJob
	// missDedupOnce makes the next ByDedupID miss, simulating a second
	// enqueue racing past the precheck before the first commits
	missDedupOnce bool
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*models.DispatchJob{}}
}

func copyJob(j *models.DispatchJob) *models.DispatchJob {
	c := *j
	c.AttemptErrors = append(pq.StringArray(nil), j.AttemptErrors...)
	return &c
}

func (r *fakeJobRepo) ByID(ctx context.Context, id uint) (*models.DispatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.ID == id {
			return copyJob(j), nil
		}
	}
	return nil, nil
}

func (r *fakeJobRepo) ByJobID(ctx context.Context, jobID string) (*models.DispatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[jobID]; ok {
		return copyJob(j), nil
	}
	return nil, nil
}

func (r *fakeJobRepo) ByDedupID(ctx context.Context, dedupID string) (*models.DispatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missDedupOnce {
		r.missDedupOnce = false
		return nil, nil
	}
	for _, j := range r.jobs {
		if j.DedupID == dedupID {
			return copyJob(j), nil
		}
	}
	return nil, nil
}

func (r *fakeJobRepo) Save(ctx context.Context, job *models.DispatchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.jobs {
		if existing.JobID == job.JobID || existing.DedupID == job.DedupID {
			return errUniqueViolation
		}
	}
	r.seq++
	job.ID = r.seq
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	r.jobs[job.JobID] = copyJob(job)
	return nil
}

func (r *fakeJobRepo) Update(ctx context.Context, job *models.DispatchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.JobID]; !ok {
		return errors.New("job not found")
	}
	job.UpdatedAt = time.Now().UTC()
	r.jobs[job.JobID] = copyJob(job)
	return nil
}

// ListWaiting mirrors the head-of-line dequeue: per ordering key only the
// earliest waiting job is claimable, and none while the key has an active or
// delayed job
func (r *fakeJobRepo) ListWaiting(ctx context.Context, limit int) ([]*models.DispatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	blocked := map[string]bool{}
	for _, j := range r.jobs {
		if j.State == models.DispatchJobStateActive || j.State == models.DispatchJobStateDelayed {
			blocked[j.OrderingKey()] = true
		}
	}
	head := map[string]*models.DispatchJob{}
	for _, j := range r.jobs {
		if j.State != models.DispatchJobStateWaiting || blocked[j.OrderingKey()] {
			continue
		}
		if cur, ok := head[j.OrderingKey()]; !ok || j.JobID < cur.JobID {
			head[j.OrderingKey()] = j
		}
	}
	var out []*models.DispatchJob
	for _, j := range head {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		return out[i].JobID < out[k].JobID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeJobRepo) Claim(ctx context.Context, jobID string, leasedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || j.State != models.DispatchJobStateWaiting {
		return false, nil
	}
	j.State = models.DispatchJobStateActive
	j.LeasedAt = &leasedAt
	return true, nil
}

func (r *fakeJobRepo) RequeueDelayed(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if j.State == models.DispatchJobStateDelayed && j.NotBefore != nil && !j.NotBefore.After(now) {
			j.State = models.DispatchJobStateWaiting
			j.NotBefore = nil
			n++
		}
	}
	return n, nil
}

func (r *fakeJobRepo) RequeueStale(ctx context.Context, leasedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if j.State == models.DispatchJobStateActive && j.LeasedAt != nil && j.LeasedAt.Before(leasedBefore) {
			j.State = models.DispatchJobStateWaiting
			j.LeasedAt = nil
			n++
		}
	}
	return n, nil
}

func (r *fakeJobRepo) CountByState(ctx context.Context, state models.DispatchJobState) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if j.State == state {
			n++
		}
	}
	return n, nil
}

func (r *fakeJobRepo) stateOf(t *testing.T, jobID string) models.DispatchJobState {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	require.True(t, ok, "job %s not stored", jobID)
	return j.State
}

func TestEnqueue_CreatesWaitingJob(t *testing.T) {
	repo := newFakeJobRepo()
	q := NewQueue(repo, 3, nil)

	job, existing, err := q.Enqueue(context.Background(), &dto.EnqueueJobRequest{
		TenantID:  1,
		Recipient: "+15550001111",
		Body:      "hello",
		Priority:  10,
	})
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, models.DispatchJobStateWaiting, job.State)
	assert.Len(t, job.JobID, 26)
	assert.Equal(t, job.JobID, job.DedupID, "dedup id defaults to the job id")
	assert.Equal(t, 10, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	require.NotNil(t, job.Body)
	assert.Equal(t, "hello", *job.Body)
	assert.Nil(t, job.TemplateRef)
}

func TestEnqueue_TemplateJobCarriesVariables(t *testing.T) {
	repo := newFakeJobRepo()
	q := NewQueue(repo, 3, nil)

	job, _, err := q.Enqueue(context.Background(), &dto.EnqueueJobRequest{
		TenantID:    1,
		Recipient:   "+15550001111",
		TemplateRef: "order-confirmation",
		Variables:   map[string]string{"1": "ORD-42"},
	})
	require.NoError(t, err)
	require.NotNil(t, job.TemplateRef)
	assert.Equal(t, "order-confirmation", *job.TemplateRef)
	assert.JSONEq(t, `{"1":"ORD-42"}`, string(job.Variables))
	assert.Nil(t, job.Body)
}

func TestEnqueue_DedupReturnsExisting(t *testing.T) {
	repo := newFakeJobRepo()
	q := NewQueue(repo, 3, nil)
	ctx := context.Background()

	first, existing, err := q.Enqueue(ctx, &dto.EnqueueJobRequest{
		TenantID: 1, Recipient: "+15550001111", Body: "hello", DedupID: "order-42-confirm",
	})
	require.NoError(t, err)
	require.False(t, existing)

	second, existing, err := q.Enqueue(ctx, &dto.EnqueueJobRequest{
		TenantID: 1, Recipient: "+15550001111", Body: "hello again", DedupID: "order-42-confirm",
	})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.JobID, second.JobID)

	n, err := repo.CountByState(ctx, models.DispatchJobStateWaiting)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the second enqueue must not create a row")
}

func TestEnqueue_DedupRaceResolvedByUniqueIndex(t *testing.T) {
	repo := newFakeJobRepo()
	q := NewQueue(repo, 3, nil)
	ctx := context.Background()

	first, _, err := q.Enqueue(ctx, &dto.EnqueueJobRequest{
		TenantID: 1, Recipient: "+15550001111", Body: "hello", DedupID: "order-42-confirm",
	})
	require.NoError(t, err)

	// The precheck misses, the insert hits the unique index, and the
	// re-lookup resolves to the winning row
	repo.missDedupOnce = true
	second, existing, err := q.Enqueue(ctx, &dto.EnqueueJobRequest{
		TenantID: 1, Recipient: "+15550001111", Body: "hello", DedupID: "order-42-confirm",
	})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestStatus_ReturnsJobOrNil(t *testing.T) {
	repo := newFakeJobRepo()
	q := NewQueue(repo, 3, nil)
	ctx := context.Background()

	job, _, err := q.Enqueue(ctx, &dto.EnqueueJobRequest{
		TenantID: 1, Recipient: "+15550001111", Body: "hello",
	})
	require.NoError(t, err)

	found, err := q.Status(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, job.JobID, found.JobID)

	missing, err := q.Status(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
