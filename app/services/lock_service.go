package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

var errUnexpectedScriptReply = errors.New("unexpected script reply shape")

// FailurePolicy decides what a lock acquisition does when the lock store is
// unreachable. FailOpen trades strict exclusivity for availability: callers
// proceed without the lock and rely on the durable unique constraint beneath.
// FailClosed refuses, relying on the provider's retry to redeliver later.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "fail_open"
	FailClosed FailurePolicy = "fail_closed"
)

// LockService is the idempotency primitive: short-lived exclusive locks keyed
// by a logical operation id, with TTL as the crash-recovery bound and an
// owner token guarding release.
type LockService interface {
	// TryAcquire attempts to take the lock. ok reports ownership; token is the
	// owner token to release with, empty when ownership is the product of a
	// fail-open store outage rather than an actual lock.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (ok bool, token string, err error)
	// Release deletes the lock iff token still owns it. Stale releases are
	// silent no-ops.
	Release(ctx context.Context, key, token string)
	Policy() FailurePolicy
}

// LockServiceImpl implements LockService over a LockStore
type LockServiceImpl struct {
	store  LockStore
	policy FailurePolicy
	logger *log.Logger
}

func NewLockService(store LockStore, policy FailurePolicy, logger *log.Logger) LockService {
	if policy != FailOpen && policy != FailClosed {
		policy = FailClosed
	}
	if logger == nil {
		logger = log.Default()
	}
	return &LockServiceImpl{store: store, policy: policy, logger: logger}
}

func (s *LockServiceImpl) Policy() FailurePolicy { return s.policy }

func (s *LockServiceImpl) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}

	token := uuid.NewString()
	ok, err := s.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		if s.policy == FailOpen {
			// Proceeding without the lock is a recorded risk, not an error.
			// The durable unique constraint downstream remains the backstop.
			s.logger.Printf("lock: store unavailable for key=%s, proceeding fail-open: %v", key, err)
			lockStoreFailures.WithLabelValues("fail_open").Inc()
			return true, "", nil
		}
		s.logger.Printf("lock: store unavailable for key=%s, refusing fail-closed: %v", key, err)
		lockStoreFailures.WithLabelValues("fail_closed").Inc()
		return false, "", nil
	}
	if !ok {
		return false, "", nil
	}
	return true, token, nil
}

func (s *LockServiceImpl) Release(ctx context.Context, key, token string) {
	// An empty token means a fail-open pseudo-acquisition: nothing to delete.
	if token == "" {
		return
	}
	if err := s.store.CompareAndDelete(ctx, key, token); err != nil {
		// The TTL will reap the lock; log and move on.
		s.logger.Printf("lock: release failed for key=%s: %v", key, err)
	}
}
