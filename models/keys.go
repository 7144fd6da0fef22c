package models

import "fmt"

// Key builders shared by the lock, rate-limit and dispatch paths. Keeping them
// in one place prevents two call sites from disagreeing on the shape of a key.

func tenantKey(tenantID uint) string {
	return fmt.Sprintf("tenant:%d", tenantID)
}

// TenantScopeKey is the tenant-wide rate-limit scope
func TenantScopeKey(tenantID uint) string {
	return tenantKey(tenantID)
}

// CustomerScopeKey is the per-customer rate-limit scope within a tenant
func CustomerScopeKey(tenantID uint, customerAddress string) string {
	return fmt.Sprintf("tenant:%d:cust:%s", tenantID, customerAddress)
}

// InboundMessageLockKey is the idempotency-lock key for a provider message id
func InboundMessageLockKey(providerMessageID string) string {
	return "inbound:msg:" + providerMessageID
}

// ConversationMutexKey serializes outbound sends for one conversation
func ConversationMutexKey(tenantID, conversationID uint) string {
	return fmt.Sprintf("tenant:%d:conv:%d", tenantID, conversationID)
}
