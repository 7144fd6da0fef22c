// Package testing provides test utilities and database setup for testing the dispatch core
package testing

import (
	"fmt"
	"math/rand"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// CreateTestTenant creates an active tenant with a unique sending address
func (tf *TestFixtures) CreateTestTenant() (*models.Tenant, error) {
	randomDigits := fmt.Sprintf("%09d", rand.Intn(900000000)+100000000)

	tenant := &models.Tenant{
		UUID:              uuid.New(),
		Name:              fmt.Sprintf("Test Tenant %s", randomDigits),
		SendingAddress:    fmt.Sprintf("+989%s", randomDigits),
		SigningSecret:     "test-signing-secret",
		ProviderToken:     "test-provider-token",
		RatePerMinute:     60,
		MaxConcurrentJobs: 2,
		IsActive:          utils.ToPtr(true),
	}

	if err := tf.DB.DB.Create(tenant).Error; err != nil {
		return nil, fmt.Errorf("failed to create test tenant: %w", err)
	}
	return tenant, nil
}

// CreateTestConversation creates a conversation for the tenant with a random
// customer address
func (tf *TestFixtures) CreateTestConversation(tenantID uint) (*models.Conversation, error) {
	randomDigits := fmt.Sprintf("%09d", rand.Intn(900000000)+100000000)

	conv := &models.Conversation{
		UUID:            uuid.New(),
		TenantID:        tenantID,
		CustomerAddress: fmt.Sprintf("+989%s", randomDigits),
	}

	if err := tf.DB.DB.Create(conv).Error; err != nil {
		return nil, fmt.Errorf("failed to create test conversation: %w", err)
	}
	return conv, nil
}

// CreateTestInboundMessage creates a text message in the conversation
func (tf *TestFixtures) CreateTestInboundMessage(tenantID, conversationID uint, providerMessageID string) (*models.InboundMessage, error) {
	msg := &models.InboundMessage{
		TenantID:       tenantID,
		ConversationID: conversationID,
		Direction:      models.MessageDirectionIn,
		Kind:           models.MessageKindText,
		Sender:         "+989000000000",
		Body:           "hello",
		ReceivedAt:     utils.UTCNow(),
	}
	if providerMessageID != "" {
		msg.ProviderMessageID = utils.ToPtr(providerMessageID)
	}

	if err := tf.DB.DB.Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to create test inbound message: %w", err)
	}
	return msg, nil
}

// CreateTestDispatchJob creates a waiting job addressed to a random recipient
func (tf *TestFixtures) CreateTestDispatchJob(tenantID uint, conversationID *uint, jobID string) (*models.DispatchJob, error) {
	job := &models.DispatchJob{
		JobID:          jobID,
		DedupID:        jobID,
		TenantID:       tenantID,
		ConversationID: conversationID,
		Recipient:      "+989111111111",
		Body:           utils.ToPtr("test message"),
		State:          models.DispatchJobStateWaiting,
		MaxAttempts:    utils.DefaultMaxAttempts,
	}

	if err := tf.DB.DB.Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create test dispatch job: %w", err)
	}
	return job, nil
}
