package services

import (
	"context"
	"log"
	"time"
)

// RateDecision is the outcome of one rate-limit check
type RateDecision struct {
	Allowed   bool
	Remaining int64
}

// RateLimitService enforces fixed-window counters shared across processes.
// Two scopes are checked per inbound message: tenant-wide (the tenant's own
// provider ceiling) and tenant+customer (one abusive customer must not starve
// the rest).
type RateLimitService interface {
	CheckAndIncrement(ctx context.Context, scopeKey string, limit int, window time.Duration) (RateDecision, error)
}

// RateLimitServiceImpl implements RateLimitService over a LockStore
type RateLimitServiceImpl struct {
	store  LockStore
	logger *log.Logger
}

func NewRateLimitService(store LockStore, logger *log.Logger) RateLimitService {
	if logger == nil {
		logger = log.Default()
	}
	return &RateLimitServiceImpl{store: store, logger: logger}
}

func (s *RateLimitServiceImpl) CheckAndIncrement(ctx context.Context, scopeKey string, limit int, window time.Duration) (RateDecision, error) {
	allowed, count, err := s.store.CheckAndIncr(ctx, "rate:"+scopeKey, int64(limit), window)
	if err != nil {
		// Counter outage must not turn into a full inbound outage; allow and
		// record the risk. The provider's ceiling still protects downstream.
		s.logger.Printf("ratelimit: store unavailable for scope=%s, allowing: %v", scopeKey, err)
		rateLimitStoreFailures.Inc()
		return RateDecision{Allowed: true, Remaining: 0}, nil
	}

	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	if allowed {
		rateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		rateLimitDecisions.WithLabelValues("rejected").Inc()
	}
	return RateDecision{Allowed: allowed, Remaining: remaining}, nil
}
