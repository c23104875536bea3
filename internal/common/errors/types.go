package errors

import (
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeInvalidState represents an absent, mismatched, or already-consumed OAuth state
	ErrTypeInvalidState ErrorType = "invalid_state"
	// ErrTypeExpiredState represents an OAuth state past its TTL
	ErrTypeExpiredState ErrorType = "expired_state"
	// ErrTypeExchangeFailed represents a rejected token exchange at the provider
	ErrTypeExchangeFailed ErrorType = "exchange_failed"
	// ErrTypeServiceUnreachable represents a transport failure reaching an external service
	ErrTypeServiceUnreachable ErrorType = "service_unreachable"
	// ErrTypeVerificationFailed represents a webhook signature mismatch
	ErrTypeVerificationFailed ErrorType = "verification_failed"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeUnknownFunction represents a mapping expression calling an unregistered function
	ErrTypeUnknownFunction ErrorType = "unknown_function"
	// ErrTypeParse represents a malformed mapping template
	ErrTypeParse ErrorType = "parse_error"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
	// ErrTypeTimeout represents timeout errors
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeRateLimit represents rate limit errors
	ErrTypeRateLimit ErrorType = "rate_limit"
	// ErrTypeSecurity represents rejected security violations at the platform boundary
	ErrTypeSecurity ErrorType = "security"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// InvalidStateError creates an error for an absent, mismatched, or replayed OAuth state
func InvalidStateError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeInvalidState,
		Message: msg,
	}
}

// ExpiredStateError creates an error for an OAuth state past its TTL
func ExpiredStateError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeExpiredState,
		Message: msg,
	}
}

// ExchangeFailedError creates an error for a token exchange the provider rejected
func ExchangeFailedError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeExchangeFailed,
		Message: msg,
		Cause:   cause,
	}
}

// ServiceUnreachableError creates an error for a transport failure to an external service
func ServiceUnreachableError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeServiceUnreachable,
		Message: msg,
		Cause:   cause,
	}
}

// VerificationFailedError creates an error for a webhook signature mismatch
func VerificationFailedError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeVerificationFailed,
		Message: msg,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// UnknownFunctionError creates an error for an unregistered expression function
func UnknownFunctionError(name string) *AppError {
	return &AppError{
		Type:    ErrTypeUnknownFunction,
		Message: fmt.Sprintf("unknown function %q", name),
	}
}

// ParseError creates an error for a malformed expression template
func ParseError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeParse,
		Message: msg,
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// TimeoutError creates a new timeout error
func TimeoutError(operation string) *AppError {
	return &AppError{
		Type:    ErrTypeTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
	}
}

// RateLimitError creates a new rate limit error
func RateLimitError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeRateLimit,
		Message: fmt.Sprintf("rate limit exceeded for %s", resource),
	}
}

// SecurityError creates an error for a rejected security violation. The violation
// kind and requester address are carried as context for the audit log.
func SecurityError(violation, remoteAddr string) *AppError {
	return &AppError{
		Type:    ErrTypeSecurity,
		Message: fmt.Sprintf("security violation: %s", violation),
		Context: map[string]interface{}{
			"violation":   violation,
			"remote_addr": remoteAddr,
		},
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return ErrTypeInternal
	}

	return appErr.Type
}
