package utils

import (
	"time"
)

// ContextKey is the type used for request-scoped context values
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	UserAgentKey ContextKey = "user_agent"
	IPAddressKey ContextKey = "ip_address"
	EndpointKey  ContextKey = "endpoint"
	TenantIDKey  ContextKey = "tenant_id"
)

// Idempotency and locking constants
const (
	// InboundMessageLockTTL bounds how long a crashed gateway worker can hold
	// an inbound idempotency lock
	InboundMessageLockTTL = 30 * time.Second

	// ConversationLockTTL bounds how long a crashed dispatch worker can hold
	// a conversation mutex
	ConversationLockTTL = 2 * time.Minute

	// ConversationLockRetryInterval is the poll interval while waiting for a
	// conversation mutex
	ConversationLockRetryInterval = 100 * time.Millisecond
)

// Caching constants
const (
	// TenantCacheTTL bounds how stale the in-process tenant read cache may be
	TenantCacheTTL = 30 * time.Second

	// TemplateCacheTouchInterval throttles last-used bumps for memory-tier
	// template cache hits
	TemplateCacheTouchInterval = time.Minute
)

// Rate limiting constants
const (
	// TenantRateWindow is the window for tenant-wide inbound limits
	TenantRateWindow = time.Minute

	// CustomerRateWindow is the window for per-customer inbound limits
	CustomerRateWindow = time.Minute

	// DefaultTenantRateLimit applies when a tenant has no per-minute cap configured
	DefaultTenantRateLimit = 60

	// DefaultCustomerRateLimit caps a single customer within one tenant
	DefaultCustomerRateLimit = 20
)

// Dispatch queue constants
const (
	// DefaultMaxAttempts is the delivery attempt ceiling before a job is failed
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the first retry delay; doubles per attempt
	DefaultBackoffBase = 2 * time.Second

	// TenantCeilingPollInterval is the park interval while a tenant is at its
	// concurrent-job ceiling
	TenantCeilingPollInterval = 250 * time.Millisecond

	// WorkerLeaseTTL is how long an active job may run before the sweeper
	// considers its worker dead and requeues the job
	WorkerLeaseTTL = 5 * time.Minute
)

// Content-artifact cache constants
const (
	// SignaturePrecision is the number of decimal places numeric payload values
	// are rounded to before hashing
	SignaturePrecision = 4
)
