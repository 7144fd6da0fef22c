package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
)

// Provider error classification. Transient failures are retried with backoff;
// terminal ones fail the job immediately.
var (
	ErrProviderCredentialsMissing = errors.New("tenant has no provider credentials")
	ErrProviderInvalidRecipient   = errors.New("recipient rejected by provider")
	ErrProviderQuotaExhausted     = errors.New("provider quota exhausted")
)

// ProviderError carries the provider's HTTP outcome for classification
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the failure is worth retrying
func (e *ProviderError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsTransientProviderError classifies an error from a provider call
func IsTransientProviderError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProviderCredentialsMissing) ||
		errors.Is(err, ErrProviderInvalidRecipient) ||
		errors.Is(err, ErrProviderQuotaExhausted) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	// Network-level errors (timeouts, resets) are transient
	return true
}

// MessageProvider is the outbound surface of the messaging provider
type MessageProvider interface {
	// SendText delivers free text and returns the provider delivery id
	SendText(ctx context.Context, tenant *models.Tenant, recipient, body string) (string, error)
	// SendTemplate delivers a content artifact with variable bindings
	SendTemplate(ctx context.Context, tenant *models.Tenant, recipient, artifactID string, variables map[string]string) (string, error)
	// CreateTemplate registers a new content artifact and returns its id
	CreateTemplate(ctx context.Context, tenant *models.Tenant, friendlyName string, payload any) (string, error)
}

// MessageProviderImpl implements MessageProvider against the provider HTTP API
type MessageProviderImpl struct {
	config *config.ProviderConfig
	client *http.Client
}

// sendRequest is the provider's delivery payload shape
type sendRequest struct {
	From       string            `json:"from"`
	To         string            `json:"to"`
	Body       string            `json:"body,omitempty"`
	ArtifactID string            `json:"artifactId,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// sendResponse is the provider's delivery result shape
type sendResponse struct {
	DeliveryID string `json:"deliveryId"`
	Status     string `json:"status"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

type createTemplateRequest struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

type createTemplateResponse struct {
	ArtifactID string `json:"artifactId"`
	Status     string `json:"status"`
}

// NewMessageProvider creates a new provider client
func NewMessageProvider(cfg *config.ProviderConfig) MessageProvider {
	return &MessageProviderImpl{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (p *MessageProviderImpl) SendText(ctx context.Context, tenant *models.Tenant, recipient, body string) (string, error) {
	return p.send(ctx, tenant, sendRequest{
		From: tenant.SendingAddress,
		To:   recipient,
		Body: body,
	})
}

func (p *MessageProviderImpl) SendTemplate(ctx context.Context, tenant *models.Tenant, recipient, artifactID string, variables map[string]string) (string, error) {
	return p.send(ctx, tenant, sendRequest{
		From:       tenant.SendingAddress,
		To:         recipient,
		ArtifactID: artifactID,
		Variables:  variables,
	})
}

func (p *MessageProviderImpl) send(ctx context.Context, tenant *models.Tenant, reqBody sendRequest) (string, error) {
	if tenant.ProviderToken == "" {
		return "", ErrProviderCredentialsMissing
	}

	start := time.Now()
	var resp sendResponse
	err := p.post(ctx, p.config.APIDomain+"/v1/messages", tenant.ProviderToken, reqBody, &resp)
	providerSendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		providerSendTotal.WithLabelValues("error").Inc()
		return "", err
	}

	switch resp.ErrorCode {
	case "":
	case "invalid_recipient":
		providerSendTotal.WithLabelValues("invalid_recipient").Inc()
		return "", ErrProviderInvalidRecipient
	case "quota_exhausted":
		providerSendTotal.WithLabelValues("quota_exhausted").Inc()
		return "", ErrProviderQuotaExhausted
	default:
		providerSendTotal.WithLabelValues("error").Inc()
		return "", &ProviderError{StatusCode: http.StatusUnprocessableEntity, Body: resp.ErrorCode}
	}

	providerSendTotal.WithLabelValues("ok").Inc()
	return resp.DeliveryID, nil
}

func (p *MessageProviderImpl) CreateTemplate(ctx context.Context, tenant *models.Tenant, friendlyName string, payload any) (string, error) {
	if tenant.ProviderToken == "" {
		return "", ErrProviderCredentialsMissing
	}
	var resp createTemplateResponse
	err := p.post(ctx, p.config.APIDomain+"/v1/templates", tenant.ProviderToken, createTemplateRequest{
		Name:    friendlyName,
		Payload: payload,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ArtifactID == "" {
		return "", &ProviderError{StatusCode: http.StatusUnprocessableEntity, Body: "empty artifact id"}
	}
	return resp.ArtifactID, nil
}

func (p *MessageProviderImpl) post(ctx context.Context, url, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}
