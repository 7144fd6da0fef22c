package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
)

// SentRecord captures one delivery call made against the mock provider
type SentRecord struct {
	TenantID   uint
	Recipient  string
	Body       string
	ArtifactID string
	Variables  map[string]string
	SentAtUnix int64
}

// MockMessageProvider records calls for tests and development. Failures can be
// scripted per recipient to exercise the retry path.
type MockMessageProvider struct {
	mu        sync.Mutex
	sent      []SentRecord
	created   []string
	failTimes map[string]int
	failWith  error
	seq       int
}

func NewMockMessageProvider() *MockMessageProvider {
	return &MockMessageProvider{failTimes: make(map[string]int)}
}

// FailNext makes the next n sends to recipient fail with err
func (p *MockMessageProvider) FailNext(recipient string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failTimes[recipient] = n
	p.failWith = err
}

func (p *MockMessageProvider) SendText(ctx context.Context, tenant *models.Tenant, recipient, body string) (string, error) {
	return p.record(tenant, recipient, body, "", nil)
}

func (p *MockMessageProvider) SendTemplate(ctx context.Context, tenant *models.Tenant, recipient, artifactID string, variables map[string]string) (string, error) {
	return p.record(tenant, recipient, "", artifactID, variables)
}

func (p *MockMessageProvider) CreateTemplate(ctx context.Context, tenant *models.Tenant, friendlyName string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("artifact-%d", p.seq)
	p.created = append(p.created, id)
	return id, nil
}

func (p *MockMessageProvider) record(tenant *models.Tenant, recipient, body, artifactID string, variables map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.failTimes[recipient]; n > 0 {
		p.failTimes[recipient] = n - 1
		err := p.failWith
		if err == nil {
			err = &ProviderError{StatusCode: 503, Body: "scripted failure"}
		}
		return "", err
	}

	p.seq++
	p.sent = append(p.sent, SentRecord{
		TenantID:   tenant.ID,
		Recipient:  recipient,
		Body:       body,
		ArtifactID: artifactID,
		Variables:  variables,
		SentAtUnix: utils.UTCNow().UnixNano(),
	})
	return fmt.Sprintf("delivery-%d", p.seq), nil
}

// Sent returns a copy of the recorded delivery calls in call order
func (p *MockMessageProvider) Sent() []SentRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SentRecord, len(p.sent))
	copy(out, p.sent)
	return out
}

// CreatedTemplates returns the artifact ids minted by CreateTemplate
func (p *MockMessageProvider) CreatedTemplates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.created))
	copy(out, p.created)
	return out
}

// ClearSent drops the recorded calls
func (p *MockMessageProvider) ClearSent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = nil
}
