package services

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeAuthExpired      ErrorType = "auth_expired"
	ErrorTypeRateLimit        ErrorType = "rate_limit"
	ErrorTypeTransientNetwork ErrorType = "transient_network"
	ErrorTypeStore            ErrorType = "store"
	ErrorTypeSinkDelivery     ErrorType = "sink_delivery"
	ErrorTypeCooldown         ErrorType = "cooldown"
	ErrorTypeLogin            ErrorType = "login"
	ErrorTypeInternal         ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// CooldownError is returned while the session manager refuses to log in
// after an authentication failure.
type CooldownError struct {
	Remaining time.Duration
	FailedAt  time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: session cooling down, %s remaining", ErrorTypeCooldown, e.Remaining.Round(time.Second))
}

// Is matches any cooldown DomainError, so errors.Is(err, ErrCooldown) works.
func (e *CooldownError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Type == ErrorTypeCooldown
}

// Domain error variables

var (
	ErrEventNotFound = NewDomainError(ErrorTypeNotFound, "audit event not found", nil)

	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)

	ErrAuthExpired      = NewDomainError(ErrorTypeAuthExpired, "upstream session rejected", nil)
	ErrRateLimited      = NewDomainError(ErrorTypeRateLimit, "upstream rate limit", nil)
	ErrTransientNetwork = NewDomainError(ErrorTypeTransientNetwork, "upstream unreachable", nil)
	ErrStore            = NewDomainError(ErrorTypeStore, "ledger operation failed", nil)
	ErrSinkDelivery     = NewDomainError(ErrorTypeSinkDelivery, "sink delivery failed", nil)
	ErrCooldown         = NewDomainError(ErrorTypeCooldown, "session cooling down", nil)
	ErrLogin            = NewDomainError(ErrorTypeLogin, "no usable upstream credential", nil)
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsAuthExpiredError checks if the upstream rejected the credential (401/403)
func IsAuthExpiredError(err error) bool {
	return hasType(err, ErrorTypeAuthExpired)
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return hasType(err, ErrorTypeRateLimit)
}

// IsTransientNetworkError checks if an error is a timeout or connection failure
func IsTransientNetworkError(err error) bool {
	return hasType(err, ErrorTypeTransientNetwork)
}

// IsStoreError checks if an error came from the ledger
func IsStoreError(err error) bool {
	return hasType(err, ErrorTypeStore)
}

// IsSinkDeliveryError checks if an error is a failed downstream send
func IsSinkDeliveryError(err error) bool {
	return hasType(err, ErrorTypeSinkDelivery)
}

// IsLoginError checks if an error is a login failure
func IsLoginError(err error) bool {
	return hasType(err, ErrorTypeLogin)
}

// IsCooldownError reports whether err is a CooldownError and returns it.
func IsCooldownError(err error) (*CooldownError, bool) {
	var cooldownErr *CooldownError
	if errors.As(err, &cooldownErr) {
		return cooldownErr, true
	}
	return nil, false
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

func hasType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	if _, ok := IsCooldownError(err); ok {
		return ErrorTypeCooldown
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapStore wraps a ledger failure
func WrapStore(message string, err error) error {
	return NewDomainError(ErrorTypeStore, message, err)
}

// WrapSinkDelivery wraps a failed downstream send
func WrapSinkDelivery(message string, err error) error {
	return NewDomainError(ErrorTypeSinkDelivery, message, err)
}
