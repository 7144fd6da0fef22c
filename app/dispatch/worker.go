package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

const dequeueBatchSize = 10

// WorkerPool pulls waiting jobs and delivers them to the messaging provider.
// Three ceilings apply, narrowest last: the pool size bounds global
// concurrency, a per-tenant counter bounds tenant concurrency, and the
// conversation mutex bounds each conversation to exactly one in-flight send.
type WorkerPool struct {
	jobs     repository.DispatchJobRepository
	tenants  repository.TenantRepository
	locks    services.LockService
	counters services.LockStore
	provider services.MessageProvider
	bus      *services.EventBus
	cfg      *config.DispatchConfig
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	logger   *log.Logger
}

func NewWorkerPool(
	jobs repository.DispatchJobRepository,
	tenants repository.TenantRepository,
	locks services.LockService,
	counters services.LockStore,
	provider services.MessageProvider,
	bus *services.EventBus,
	cfg *config.DispatchConfig,
) *WorkerPool {
	p := &WorkerPool{
		jobs:     jobs,
		tenants:  tenants,
		locks:    locks,
		counters: counters,
		provider: provider,
		bus:      bus,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.GlobalSendsPerSecond), cfg.GlobalSendBurst),
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "message-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Printf("dispatch: breaker %s: %s -> %s", name, from, to)
		},
	})

	p.initWorkerLogger()
	return p
}

// initWorkerLogger writes to stdout and a rotated file under the configured
// log directory
func (p *WorkerPool) initWorkerLogger() {
	dir := p.cfg.LogDir
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.logger = log.New(os.Stdout, "dispatch ", log.LstdFlags|log.Lmicroseconds|log.LUTC)
		p.logger.Printf("dispatch: failed to create log dir %s: %v", dir, err)
		return
	}
	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "dispatch.log"),
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	mw := io.MultiWriter(os.Stdout, rotated)
	p.logger = log.New(mw, "dispatch ", log.LstdFlags|log.Lmicroseconds|log.LUTC)
}

// Start launches the worker pool and the requeue sweeper, returning a stop
// function that blocks until all workers have drained.
func (p *WorkerPool) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runSweeper(ctx)
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func (p *WorkerPool) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed := p.claimOne(ctx)
		if claimed == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.processJob(ctx, claimed)
	}
}

// claimOne scans the claimable batch and races other workers for the first
// claim. ListWaiting yields only head-of-line jobs per ordering key, so a
// claimed job never has an earlier unfinished sibling in its conversation no
// matter how long this worker takes to reach the mutex.
func (p *WorkerPool) claimOne(ctx context.Context) *models.DispatchJob {
	waiting, err := p.jobs.ListWaiting(ctx, dequeueBatchSize)
	if err != nil {
		p.logger.Printf("dispatch: list waiting failed: %v", err)
		return nil
	}
	for _, job := range waiting {
		ok, err := p.jobs.Claim(ctx, job.JobID, utils.UTCNow())
		if err != nil {
			p.logger.Printf("dispatch: claim failed for job=%s: %v", job.JobID, err)
			continue
		}
		if ok {
			job.State = models.DispatchJobStateActive
			job.LeasedAt = utils.UTCNowPtr()
			return job
		}
	}
	return nil
}

// processJob runs one delivery attempt end to end. Cleanup of the tenant
// counter and the conversation mutex runs on every exit path, including a
// panic in the send path.
func (p *WorkerPool) processJob(ctx context.Context, job *models.DispatchJob) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("dispatch: panic in job=%s: %v", job.JobID, r)
			p.recordFailure(ctx, job, fmt.Errorf("panic: %v", r), true)
		}
	}()

	tenant, err := p.tenants.ByID(ctx, job.TenantID)
	if err != nil {
		p.recordFailure(ctx, job, fmt.Errorf("tenant lookup failed: %w", err), true)
		return
	}
	if tenant == nil || !utils.IsTrue(tenant.IsActive) {
		p.recordFailure(ctx, job, fmt.Errorf("tenant %d missing or inactive", job.TenantID), false)
		return
	}

	// Tenant concurrency ceiling. The counter is advisory under multi-process
	// deployment; the conversation mutex below is the authoritative ordering
	// guard. Parking here is a fairness throttle, not a failure.
	if !p.reserveTenantSlot(ctx, tenant) {
		p.requeue(ctx, job)
		return
	}
	defer p.releaseTenantSlot(tenant)

	// Conversation mutex: FIFO per conversation holds because the next job
	// for the same key cannot start until this one releases, regardless of
	// which worker holds either job.
	mutexKey := "mutex:" + job.OrderingKey()
	token, acquired := p.acquireMutex(ctx, mutexKey)
	if !acquired {
		p.requeue(ctx, job)
		return
	}
	defer p.locks.Release(context.WithoutCancel(ctx), mutexKey, token)

	// Global throughput clamp across all tenants
	if err := p.limiter.Wait(ctx); err != nil {
		p.requeue(ctx, job)
		return
	}

	deliveryID, err := p.send(ctx, tenant, job)
	if err != nil {
		retryable := services.IsTransientProviderError(err) ||
			err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
		p.recordFailure(ctx, job, err, retryable)
		return
	}

	job.State = models.DispatchJobStateCompleted
	job.Attempts++
	job.ProviderDeliveryID = utils.ToPtr(deliveryID)
	job.LeasedAt = nil
	if err := p.jobs.Update(ctx, job); err != nil {
		p.logger.Printf("dispatch: completion update failed for job=%s: %v", job.JobID, err)
	}
	jobsProcessed.WithLabelValues("completed").Inc()

	ev := services.Event{
		Kind:     services.EventMessageSent,
		TenantID: job.TenantID,
		JobID:    job.JobID,
		Detail:   deliveryID,
	}
	if job.ConversationID != nil {
		ev.ConversationID = *job.ConversationID
	}
	p.bus.Publish(ev)
}

// reserveTenantSlot parks until the tenant drops below its concurrency
// ceiling or the context is cancelled
func (p *WorkerPool) reserveTenantSlot(ctx context.Context, tenant *models.Tenant) bool {
	ceiling := tenant.MaxConcurrentJobs
	if ceiling <= 0 {
		ceiling = p.cfg.DefaultTenantConcurrency
	}
	key := "active:" + models.TenantScopeKey(tenant.ID)

	for {
		n, err := p.counters.IncrWindow(ctx, key, utils.WorkerLeaseTTL)
		if err != nil {
			// Counter outage: proceed on the mutex alone
			p.logger.Printf("dispatch: tenant counter unavailable for tenant=%d, proceeding: %v", tenant.ID, err)
			return true
		}
		if n <= int64(ceiling) {
			return true
		}

		_ = p.counters.Decr(ctx, key)
		ceilingParks.Inc()
		select {
		case <-ctx.Done():
			return false
		case <-time.After(utils.TenantCeilingPollInterval):
		}
	}
}

func (p *WorkerPool) releaseTenantSlot(tenant *models.Tenant) {
	key := "active:" + models.TenantScopeKey(tenant.ID)
	if err := p.counters.Decr(context.Background(), key); err != nil {
		p.logger.Printf("dispatch: tenant counter decrement failed for tenant=%d: %v", tenant.ID, err)
	}
}

// acquireMutex polls for the conversation mutex until acquired or cancelled
func (p *WorkerPool) acquireMutex(ctx context.Context, key string) (string, bool) {
	for {
		ok, token, err := p.locks.TryAcquire(ctx, key, utils.ConversationLockTTL)
		if err != nil {
			return "", false
		}
		if ok {
			return token, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(utils.ConversationLockRetryInterval):
		}
	}
}

func (p *WorkerPool) send(ctx context.Context, tenant *models.Tenant, job *models.DispatchJob) (string, error) {
	result, err := p.breaker.Execute(func() (any, error) {
		if job.TemplateRef != nil {
			var variables map[string]string
			if len(job.Variables) > 0 {
				if err := json.Unmarshal(job.Variables, &variables); err != nil {
					return nil, fmt.Errorf("variables unmarshal failed: %w", err)
				}
			}
			return p.provider.SendTemplate(ctx, tenant, job.Recipient, *job.TemplateRef, variables)
		}
		return p.provider.SendText(ctx, tenant, job.Recipient, utils.Deref(job.Body))
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// recordFailure classifies and persists one failed attempt. Retryable
// failures below the attempt ceiling go to delayed with exponential backoff;
// everything else is terminal.
func (p *WorkerPool) recordFailure(ctx context.Context, job *models.DispatchJob, cause error, retryable bool) {
	job.Attempts++
	job.AttemptErrors = append(job.AttemptErrors, cause.Error())
	job.LeasedAt = nil

	if retryable && job.Attempts < job.MaxAttempts {
		backoff := p.cfg.BackoffBase
		if backoff <= 0 {
			backoff = utils.DefaultBackoffBase
		}
		delay := backoff << (job.Attempts - 1)
		job.State = models.DispatchJobStateDelayed
		job.NotBefore = utils.UTCNowAddPtr(delay)
		if err := p.jobs.Update(ctx, job); err != nil {
			p.logger.Printf("dispatch: retry update failed for job=%s: %v", job.JobID, err)
		}
		jobsProcessed.WithLabelValues("retried").Inc()
		p.logger.Printf("dispatch: job=%s attempt %d/%d failed, retrying in %s: %v", job.JobID, job.Attempts, job.MaxAttempts, delay, cause)
		return
	}

	job.State = models.DispatchJobStateFailed
	if err := p.jobs.Update(ctx, job); err != nil {
		p.logger.Printf("dispatch: failure update failed for job=%s: %v", job.JobID, err)
	}
	jobsProcessed.WithLabelValues("failed").Inc()
	p.logger.Printf("dispatch: job=%s failed after %d attempts: %v", job.JobID, job.Attempts, cause)

	ev := services.Event{
		Kind:     services.EventMessageFailed,
		TenantID: job.TenantID,
		JobID:    job.JobID,
		Detail:   cause.Error(),
	}
	if job.ConversationID != nil {
		ev.ConversationID = *job.ConversationID
	}
	p.bus.Publish(ev)
}

// requeue returns a claimed job to waiting without consuming an attempt, used
// when the worker is cancelled before the send started
func (p *WorkerPool) requeue(ctx context.Context, job *models.DispatchJob) {
	job.State = models.DispatchJobStateWaiting
	job.LeasedAt = nil
	if err := p.jobs.Update(context.WithoutCancel(ctx), job); err != nil {
		p.logger.Printf("dispatch: requeue failed for job=%s: %v", job.JobID, err)
	}
}

// runSweeper periodically promotes delayed jobs whose backoff elapsed,
// reclaims jobs whose worker died mid-lease, and refreshes the depth gauge
func (p *WorkerPool) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce(ctx)
		}
	}
}

func (p *WorkerPool) sweepOnce(ctx context.Context) {
	now := utils.UTCNow()

	if n, err := p.jobs.RequeueDelayed(ctx, now); err != nil {
		p.logger.Printf("dispatch: requeue delayed failed: %v", err)
	} else if n > 0 {
		sweeperRequeues.WithLabelValues("delayed").Add(float64(n))
	}

	if n, err := p.jobs.RequeueStale(ctx, now.Add(-utils.WorkerLeaseTTL)); err != nil {
		p.logger.Printf("dispatch: requeue stale failed: %v", err)
	} else if n > 0 {
		sweeperRequeues.WithLabelValues("stale").Add(float64(n))
		p.logger.Printf("dispatch: reclaimed %d stale jobs", n)
	}

	if depth, err := p.jobs.CountByState(ctx, models.DispatchJobStateWaiting); err == nil {
		queueDepth.Set(float64(depth))
	}
}
