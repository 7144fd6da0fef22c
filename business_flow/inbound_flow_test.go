package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTenantAddress = "+15550009999"
	testSigningSecret = "test-signing-secret"
	testWebhookURL    = "https://bot.example.com/api/v1/webhook/"
	testVerifyToken   = "verify-me"
)

type fakeTenantRepo struct {
	mu      sync.Mutex
	tenants map[string]*models.Tenant
}

func newFakeTenantRepo(tenants ...*models.Tenant) *fakeTenantRepo {
	r := &fakeTenantRepo{tenants: map[string]*models.Tenant{}}
	for _, tenant := range tenants {
		r.tenants[tenant.SendingAddress] = tenant
	}
	return r
}

func (r *fakeTenantRepo) ByID(ctx context.Context, id uint) (*models.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tenant := range r.tenants {
		if tenant.ID == id {
			c := *tenant
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeTenantRepo) BySendingAddress(ctx context.Context, address string) (*models.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tenant, ok := r.tenants[address]; ok {
		c := *tenant
		return &c, nil
	}
	return nil, nil
}

func (r *fakeTenantRepo) ByFilter(ctx context.Context, filter models.TenantFilter, orderBy string, limit, offset int) ([]*models.Tenant, error) {
	return nil, nil
}

func (r *fakeTenantRepo) Save(ctx context.Context, tenant *models.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[tenant.SendingAddress] = tenant
	return nil
}

type fakeConversationRepo struct {
	mu      sync.Mutex
	seq     uint
	convs   map[string]*models.Conversation
	touches map[uint]int
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{convs: map[string]*models.Conversation{}, touches: map[uint]int{}}
}

func (r *fakeConversationRepo) ByID(ctx context.Context, id uint) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conv := range r.convs {
		if conv.ID == id {
			c := *conv
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeConversationRepo) FindOrCreate(ctx context.Context, tenantID uint, customerAddress string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%d|%s", tenantID, customerAddress)
	if conv, ok := r.convs[key]; ok {
		c := *conv
		return &c, nil
	}
	r.seq++
	conv := &models.Conversation{ID: r.seq, TenantID: tenantID, CustomerAddress: customerAddress}
	r.convs[key] = conv
	c := *conv
	return &c, nil
}

func (r *fakeConversationRepo) TouchLastMessage(ctx context.Context, id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touches[id]++
	return nil
}

type fakeMessageRepo struct {
	mu       sync.Mutex
	seq      uint
	messages []*models.InboundMessage
	// missLookupN makes the next n ByProviderMessageID calls miss, simulating
	// a redelivery racing past the precheck
	missLookupN int
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{}
}

func (r *fakeMessageRepo) ByID(ctx context.Context, id uint) (*models.InboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ID == id {
			c := *m
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeMessageRepo) ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.InboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missLookupN > 0 {
		r.missLookupN--
		return nil, nil
	}
	for _, m := range r.messages {
		if m.ProviderMessageID != nil && *m.ProviderMessageID == providerMessageID {
			c := *m
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeMessageRepo) ByFilter(ctx context.Context, filter models.InboundMessageFilter, orderBy string, limit, offset int) ([]*models.InboundMessage, error) {
	return nil, nil
}

func (r *fakeMessageRepo) Count(ctx context.Context, filter models.InboundMessageFilter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.messages)), nil
}

func (r *fakeMessageRepo) Save(ctx context.Context, msg *models.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ProviderMessageID != nil {
		for _, m := range r.messages {
			if m.ProviderMessageID != nil && *m.ProviderMessageID == *msg.ProviderMessageID {
				return repository.ErrDuplicateProviderMessageID
			}
		}
	}
	r.seq++
	msg.ID = r.seq
	c := *msg
	r.messages = append(r.messages, &c)
	return nil
}

func (r *fakeMessageRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type automationRecorder struct {
	mu    sync.Mutex
	calls []uint
	fail  error
}

func (r *automationRecorder) handle(ctx context.Context, msg *models.InboundMessage, conv *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, msg.ID)
	return r.fail
}

func (r *automationRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type flowFixture struct {
	flow       InboundFlow
	tenant     *models.Tenant
	tenants    *fakeTenantRepo
	convs      *fakeConversationRepo
	msgs       *fakeMessageRepo
	store      *services.MemoryLockStore
	automation *automationRecorder
	events     []services.Event
	eventsMu   sync.Mutex
}

func newFlowFixture(t *testing.T, policy services.FailurePolicy) *flowFixture {
	t.Helper()
	f := &flowFixture{
		tenant: &models.Tenant{
			ID:             1,
			Name:           "acme-retail",
			SendingAddress: testTenantAddress,
			SigningSecret:  testSigningSecret,
			IsActive:       utils.ToPtr(true),
		},
		convs:      newFakeConversationRepo(),
		msgs:       newFakeMessageRepo(),
		store:      services.NewMemoryLockStore(),
		automation: &automationRecorder{},
	}
	f.tenants = newFakeTenantRepo(f.tenant)

	bus := services.NewEventBus()
	bus.Subscribe(func(ev services.Event) {
		f.eventsMu.Lock()
		defer f.eventsMu.Unlock()
		f.events = append(f.events, ev)
	})

	cfg := &config.GatewayConfig{
		VerifyToken:              testVerifyToken,
		LockPolicy:               string(policy),
		DefaultTenantRateLimit:   60,
		DefaultCustomerRateLimit: 20,
	}

	f.flow = NewInboundFlow(
		f.tenants,
		f.convs,
		f.msgs,
		services.NewLockService(f.store, policy, nil),
		services.NewRateLimitService(f.store, nil),
		bus,
		f.automation.handle,
		cfg,
		nil,
		nil,
	)
	return f
}

func (f *flowFixture) eventKinds() []services.EventKind {
	f.eventsMu.Lock()
	defer f.eventsMu.Unlock()
	out := make([]services.EventKind, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Kind
	}
	return out
}

// signedTextRequest builds a normalized text request plus the signature a
// well-behaved provider would attach
func signedTextRequest(t *testing.T, providerID, from, body string) (*dto.InboundWebhookRequest, string) {
	t.Helper()
	form := url.Values{}
	form.Set("To", testTenantAddress)
	form.Set("From", from)
	form.Set("MessageSid", providerID)
	form.Set("Body", body)

	req, err := dto.FromForm(form)
	require.NoError(t, err)
	return req, services.SignWebhookPayload(testSigningSecret, testWebhookURL, form)
}

func TestProcessInbound_AcceptsTextMessage(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	req, sig := signedTextRequest(t, "SM001", "+15551230001", "two lattes please")

	resp, err := f.flow.ProcessInbound(context.Background(), testWebhookURL, sig, req, NewClientMetadata("10.0.0.1", "test-agent"))
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, "accepted", resp.Status)
	assert.NotZero(t, resp.MessageID)

	require.Equal(t, 1, f.msgs.count())
	stored, err := f.msgs.ByID(context.Background(), resp.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindText, stored.Kind)
	assert.Equal(t, "two lattes please", stored.Body)
	assert.Equal(t, "+15551230001", stored.Sender)
	require.NotNil(t, stored.ProviderMessageID)
	assert.Equal(t, "SM001", *stored.ProviderMessageID)

	conv, err := f.convs.ByID(context.Background(), stored.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, 1, f.convs.touches[conv.ID])

	assert.Equal(t, 1, f.automation.callCount())
	assert.Equal(t, []services.EventKind{services.EventMessageReceived}, f.eventKinds())
}

func TestProcessInbound_ButtonPayloadIsPersisted(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)

	form := url.Values{}
	form.Set("To", testTenantAddress)
	form.Set("From", "+15551230001")
	form.Set("MessageSid", "SM002")
	form.Set("ButtonPayload", "confirm_order")
	form.Set("ButtonText", "Confirm")
	req, err := dto.FromForm(form)
	require.NoError(t, err)
	sig := services.SignWebhookPayload(testSigningSecret, testWebhookURL, form)

	resp, err := f.flow.ProcessInbound(context.Background(), testWebhookURL, sig, req, nil)
	require.NoError(t, err)

	stored, err := f.msgs.ByID(context.Background(), resp.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindButton, stored.Kind)
	assert.JSONEq(t, `{"text":"Confirm","payload":"confirm_order"}`, string(stored.Payload))
}

func TestProcessInbound_UnknownTenant(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	req, sig := signedTextRequest(t, "SM001", "+15551230001", "hello")
	req.To = "+15550000000"

	_, err := f.flow.ProcessInbound(context.Background(), testWebhookURL, sig, req, nil)
	assert.True(t, IsTenantNotFound(err))
	assert.Zero(t, f.msgs.count())
}

func TestProcessInbound_InactiveTenant(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	f.tenant.IsActive = utils.ToPtr(false)
	require.NoError(t, f.tenants.Save(context.Background(), f.tenant))

	req, sig := signedTextRequest(t, "SM001", "+15551230001", "hello")
	_, err := f.flow.ProcessInbound(context.Background(), testWebhookURL, sig, req, nil)
	assert.True(t, errors.Is(err, ErrTenantInactive))
	assert.Zero(t, f.msgs.count())
}

func TestProcessInbound_RejectsForgedSignature(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	req, _ := signedTextRequest(t, "SM001", "+15551230001", "hello")

	_, err := f.flow.ProcessInbound(context.Background(), testWebhookURL, "Zm9yZ2VkIHNpZ25hdHVyZQ==", req, nil)
	assert.True(t, IsInvalidSignature(err))
	assert.Zero(t, f.msgs.count())
	assert.Zero(t, f.automation.callCount())
}

func TestProcessInbound_JSONSignatureCoversBody(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)

	raw := `{"to":"` + testTenantAddress + `","from":"+15551230001","message_id":"wamid.001","type":"text","text":{"body":"two lattes please"}}`
	var env dto.JSONEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	req, err := dto.FromJSONEnvelope(&env)
	require.NoError(t, err)
	req.RawForm = url.Values{services.JSONBodyField: {raw}}
	sig := services.SignWebhookPayload(testSigningSecret, testWebhookURL, req.RawForm)

	resp, err := f.flow.ProcessInbound(context.Background(), testWebhookURL, sig, req, nil)
	require.NoError(t, err)
	assert.Equal(t, "accepted", resp.Status)

	// The signature binds the body: replaying it with altered content fails
	tampered := url.Values{services.JSONBodyField: {raw + " "}}
	req2, err := dto.FromJSONEnvelope(&env)
	require.NoError(t, err)
	req2.ProviderMessageID = "wamid.002"
	req2.RawForm = tampered

	_, err = f.flow.ProcessInbound(context.Background(), testWebhookURL, sig, req2, nil)
	assert.True(t, IsInvalidSignature(err))
}

func TestProcessInbound_SkipsSignatureWithoutSecret(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	f.tenant.SigningSecret = ""
	require.NoError(t, f.tenants.Save(context.Background(), f.tenant))

	req, _ := signedTextRequest(t, "SM001", "+15551230001", "hello")
	resp, err := f.flow.ProcessInbound(context.Background(), testWebhookURL, "garbage", req, nil)
	require.NoError(t, err)
	assert.Equal(t, "accepted", resp.Status)
}

func TestProcessInbound_DuplicateDelivery(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	req, sig := signedTextRequest(t, "SM001", "+15551230001", "hello")
	ctx := context.Background()

	first, err := f.flow.ProcessInbound(ctx, testWebhookURL, sig, req, nil)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := f.flow.ProcessInbound(ctx, testWebhookURL, sig, req, nil)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "duplicate", second.Status)
	assert.Equal(t, first.MessageID, second.MessageID)

	assert.Equal(t, 1, f.msgs.count())
	assert.Equal(t, 1, f.automation.callCount(), "automation fires once per unique message")
}

func TestProcessInbound_UniqueConstraintBackstop(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	req, sig := signedTextRequest(t, "SM001", "+15551230001", "hello")
	ctx := context.Background()

	first, err := f.flow.ProcessInbound(ctx, testWebhookURL, sig, req, nil)
	require.NoError(t, err)

	// The redelivery misses the precheck, slips past the lock, and hits the
	// unique index on insert; it must still resolve to a duplicate success
	f.msgs.missLookupN = 1
	second, err := f.flow.ProcessInbound(ctx, testWebhookURL, sig, req, nil)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, 1, f.msgs.count())
	assert.Equal(t, 1, f.automation.callCount())
}

func TestProcessInbound_InFlightFailClosed(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	req, sig := signedTextRequest(t, "SM001", "+15551230001", "hello")

	// Another gateway worker holds the idempotency lock mid-flight
	held, err := f.store.SetNX(context.Background(), models.InboundMessageLockKey("SM001"), "other-worker", utils.InboundMessageLockTTL)
	require.NoError(t, err)
	require.True(t, held)

	_, err = f.flow.ProcessInbound(context.Background(), testWebhookURL, sig, req, nil)
	assert.True(t, IsMessageInFlight(err))
	assert.Zero(t, f.msgs.count())
}

func TestProcessInbound_InFlightFailOpen(t *testing.T) {
	f := newFlowFixture(t, services.FailOpen)
	req, sig := signedTextRequest(t, "SM001", "+15551230001", "hello")

	held, err := f.store.SetNX(context.Background(), models.InboundMessageLockKey("SM001"), "other-worker", utils.InboundMessageLockTTL)
	require.NoError(t, err)
	require.True(t, held)

	resp, err := f.flow.ProcessInbound(context.Background(), testWebhookURL, sig, req, nil)
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "in_flight", resp.Status)
	assert.Zero(t, f.msgs.count())
}

func TestProcessInbound_TenantRateLimit(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	f.tenant.RatePerMinute = 3
	require.NoError(t, f.tenants.Save(context.Background(), f.tenant))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req, sig := signedTextRequest(t, fmt.Sprintf("SM%03d", i), fmt.Sprintf("+1555123%04d", i), "hello")
		_, err := f.flow.ProcessInbound(ctx, testWebhookURL, sig, req, nil)
		require.NoError(t, err, "message %d is within the tenant cap", i)
	}

	req, sig := signedTextRequest(t, "SM999", "+15551239999", "hello")
	_, err := f.flow.ProcessInbound(ctx, testWebhookURL, sig, req, nil)
	assert.True(t, IsRateLimited(err))
	assert.True(t, errors.Is(err, ErrTenantRateLimited))
	assert.Equal(t, 3, f.msgs.count())
}

func TestProcessInbound_CustomerRateLimit(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	ctx := context.Background()

	// Tighten the per-customer cap without touching the tenant cap
	impl := f.flow.(*InboundFlowImpl)
	impl.cfg.DefaultCustomerRateLimit = 2

	for i := 0; i < 2; i++ {
		req, sig := signedTextRequest(t, fmt.Sprintf("SM%03d", i), "+15551230001", "hello")
		_, err := f.flow.ProcessInbound(ctx, testWebhookURL, sig, req, nil)
		require.NoError(t, err)
	}

	req, sig := signedTextRequest(t, "SM999", "+15551230001", "hello")
	_, err := f.flow.ProcessInbound(ctx, testWebhookURL, sig, req, nil)
	assert.True(t, errors.Is(err, ErrCustomerRateLimited))

	// A different customer of the same tenant is unaffected
	req, sig = signedTextRequest(t, "SM888", "+15551230002", "hello")
	_, err = f.flow.ProcessInbound(ctx, testWebhookURL, sig, req, nil)
	assert.NoError(t, err)
}

func TestProcessInbound_NoProviderMessageID(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	ctx := context.Background()

	form := url.Values{}
	form.Set("To", testTenantAddress)
	form.Set("From", "+15551230001")
	form.Set("Body", "hello")
	req, err := dto.FromForm(form)
	require.NoError(t, err)
	sig := services.SignWebhookPayload(testSigningSecret, testWebhookURL, form)

	// Without a provider id there is nothing to deduplicate on; both
	// deliveries are stored
	for i := 0; i < 2; i++ {
		resp, err := f.flow.ProcessInbound(ctx, testWebhookURL, sig, req, nil)
		require.NoError(t, err)
		assert.False(t, resp.Duplicate)
	}
	assert.Equal(t, 2, f.msgs.count())
}

func TestProcessInbound_AutomationErrorDoesNotFailWebhook(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)
	f.automation.fail = errors.New("order lookup timed out")

	req, sig := signedTextRequest(t, "SM001", "+15551230001", "hello")
	resp, err := f.flow.ProcessInbound(context.Background(), testWebhookURL, sig, req, nil)
	require.NoError(t, err)
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, 1, f.msgs.count())
}

func TestVerifyChallenge(t *testing.T) {
	f := newFlowFixture(t, services.FailClosed)

	tests := []struct {
		name    string
		req     *dto.VerifyChallengeRequest
		want    string
		wantErr bool
	}{
		{
			name: "valid handshake echoes the challenge",
			req:  &dto.VerifyChallengeRequest{Mode: "subscribe", Token: testVerifyToken, Challenge: "1158201444"},
			want: "1158201444",
		},
		{
			name:    "wrong token is rejected",
			req:     &dto.VerifyChallengeRequest{Mode: "subscribe", Token: "wrong", Challenge: "1158201444"},
			wantErr: true,
		},
		{
			name:    "wrong mode is rejected",
			req:     &dto.VerifyChallengeRequest{Mode: "unsubscribe", Token: testVerifyToken, Challenge: "1158201444"},
			wantErr: true,
		},
		{
			name:    "empty token is rejected",
			req:     &dto.VerifyChallengeRequest{Mode: "subscribe", Challenge: "1158201444"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.flow.VerifyChallenge(tt.req)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrVerifyTokenMismatch))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
