// Package businessflow contains the core business logic for message ingestion workflows
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Routing and validation errors
	ErrTenantNotFound   = errors.New("no tenant for destination address")
	ErrTenantInactive   = errors.New("tenant is inactive")
	ErrInvalidSignature = errors.New("webhook signature mismatch")

	// Idempotency errors
	ErrMessageInFlight = errors.New("message is being processed by another worker")

	// Rate limit errors
	ErrTenantRateLimited   = errors.New("tenant rate limit exceeded")
	ErrCustomerRateLimited = errors.New("customer rate limit exceeded")

	// Verification challenge errors
	ErrVerifyTokenMismatch = errors.New("verification token mismatch")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func IsTenantNotFound(err error) bool {
	return errors.Is(err, ErrTenantNotFound)
}

func IsInvalidSignature(err error) bool {
	return errors.Is(err, ErrInvalidSignature)
}

func IsMessageInFlight(err error) bool {
	return errors.Is(err, ErrMessageInFlight)
}

func IsRateLimited(err error) bool {
	return errors.Is(err, ErrTenantRateLimited) || errors.Is(err, ErrCustomerRateLimited)
}
