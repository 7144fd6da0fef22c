package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndIncrement_Boundary(t *testing.T) {
	store := NewMemoryLockStore()
	limiter := NewRateLimitService(store, nil)
	ctx := context.Background()

	// limit=5 per window: calls 1..5 allowed, 6 rejected
	for i := 1; i <= 5; i++ {
		decision, err := limiter.CheckAndIncrement(ctx, "scope", 5, time.Second)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "call %d should be allowed", i)
		assert.Equal(t, int64(5-i), decision.Remaining)
	}

	decision, err := limiter.CheckAndIncrement(ctx, "scope", 5, time.Second)
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "6th call in-window must be rejected")
	assert.Equal(t, int64(0), decision.Remaining)
}

func TestCheckAndIncrement_WindowReset(t *testing.T) {
	store := NewMemoryLockStore()
	base := time.Now()
	current := base
	store.SetNow(func() time.Time { return current })

	limiter := NewRateLimitService(store, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := limiter.CheckAndIncrement(ctx, "scope", 5, time.Second)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}
	decision, err := limiter.CheckAndIncrement(ctx, "scope", 5, time.Second)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// After the window elapses the counter resets rather than accumulating
	current = base.Add(1100 * time.Millisecond)

	decision, err = limiter.CheckAndIncrement(ctx, "scope", 5, time.Second)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(4), decision.Remaining, "fresh window must start from 1")
}

func TestCheckAndIncrement_IndependentScopes(t *testing.T) {
	store := NewMemoryLockStore()
	limiter := NewRateLimitService(store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := limiter.CheckAndIncrement(ctx, "tenant:1", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}
	decision, err := limiter.CheckAndIncrement(ctx, "tenant:1", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// A different scope has its own budget
	decision, err = limiter.CheckAndIncrement(ctx, "tenant:1:cust:+989123", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckAndIncrement_StoreOutageAllows(t *testing.T) {
	store := NewMemoryLockStore()
	store.FailWith = errors.New("connection refused")
	limiter := NewRateLimitService(store, nil)

	decision, err := limiter.CheckAndIncrement(context.Background(), "scope", 1, time.Second)
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "counter outage must not reject traffic")
}
