package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// Validation errors (VALIDATION_*)
	ErrorCodeValidationFailed        ErrorCode = "VALIDATION_FAILED"
	ErrorCodeValidationEmailInvalid  ErrorCode = "VALIDATION_EMAIL_INVALID"
	ErrorCodeValidationAmountInvalid ErrorCode = "VALIDATION_AMOUNT_INVALID"
	ErrorCodeValidationUnknownEnum   ErrorCode = "VALIDATION_UNKNOWN_ENUM"

	// Lookup errors (*_NOT_FOUND)
	ErrorCodePaymentNotFound      ErrorCode = "PAYMENT_NOT_FOUND"
	ErrorCodeSubscriptionNotFound ErrorCode = "SUBSCRIPTION_NOT_FOUND"
	ErrorCodeTariffNotFound       ErrorCode = "TARIFF_NOT_FOUND"
	ErrorCodeUserNotFound         ErrorCode = "USER_NOT_FOUND"
	ErrorCodeServerNotFound       ErrorCode = "SERVER_NOT_FOUND"
	ErrorCodeKeyNotFound          ErrorCode = "KEY_NOT_FOUND"

	// Uniqueness conflicts (*_ALREADY_EXISTS)
	ErrorCodeKeyAlreadyExists ErrorCode = "KEY_ALREADY_EXISTS"

	// Another worker holds the processing lock for the same payment
	ErrorCodeProcessingInProgress ErrorCode = "PROCESSING_IN_PROGRESS"

	// Payment provider errors (PROVIDER_*)
	ErrorCodeProviderError    ErrorCode = "PROVIDER_ERROR"
	ErrorCodeProviderTimeout  ErrorCode = "PROVIDER_TIMEOUT"
	ErrorCodeProviderDeclined ErrorCode = "PROVIDER_DECLINED"

	// Storage errors (STORAGE_*)
	ErrorCodeStorageError ErrorCode = "STORAGE_ERROR"
	ErrorCodeStorageBusy  ErrorCode = "STORAGE_BUSY"

	// VPN gateway errors (VPN_*)
	ErrorCodeVPNError   ErrorCode = "VPN_ERROR"
	ErrorCodeVPNTimeout ErrorCode = "VPN_TIMEOUT"

	// Invariant check failed after an operation (CONSISTENCY_*)
	ErrorCodeConsistencyViolation ErrorCode = "CONSISTENCY_VIOLATION"

	// Notification delivery errors (NOTIFICATION_*)
	ErrorCodeNotificationFailed ErrorCode = "NOTIFICATION_FAILED"

	// Internal errors (INTERNAL_*)
	ErrorCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// DomainError represents a structured domain error with error code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail field to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsDomainError checks if an error is a DomainError with the given code
func IsDomainError(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsNotFoundError checks if an error represents a "not found" condition
func IsNotFoundError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodePaymentNotFound ||
		code == ErrorCodeSubscriptionNotFound ||
		code == ErrorCodeTariffNotFound ||
		code == ErrorCodeUserNotFound ||
		code == ErrorCodeServerNotFound ||
		code == ErrorCodeKeyNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeValidationFailed ||
		code == ErrorCodeValidationEmailInvalid ||
		code == ErrorCodeValidationAmountInvalid ||
		code == ErrorCodeValidationUnknownEnum
}

// IsProviderError checks if an error is a payment provider error
func IsProviderError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeProviderError ||
		code == ErrorCodeProviderTimeout ||
		code == ErrorCodeProviderDeclined
}

// IsTransientStorageError reports whether a storage failure is worth retrying
func IsTransientStorageError(err error) bool {
	return GetErrorCode(err) == ErrorCodeStorageBusy
}

// IsProcessingInProgress reports whether the failure means a concurrent
// worker already holds the payment's processing lock. Duplicate webhook
// deliveries hit this path; the in-flight winner finishes the work, so
// callers acknowledge instead of erroring.
func IsProcessingInProgress(err error) bool {
	return GetErrorCode(err) == ErrorCodeProcessingInProgress
}

// IsTimeoutError reports whether an error is timeout-class, from either the
// provider or the VPN gateway side. The credential fan-out retry policy only
// re-attempts timeout-class failures.
func IsTimeoutError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeProviderTimeout || code == ErrorCodeVPNTimeout
}

// Sentinel instances for the most common conditions
var (
	ErrPaymentNotFound      = NewDomainError(ErrorCodePaymentNotFound, "payment not found")
	ErrSubscriptionNotFound = NewDomainError(ErrorCodeSubscriptionNotFound, "subscription not found")
	ErrTariffNotFound       = NewDomainError(ErrorCodeTariffNotFound, "tariff not found")
	ErrUserNotFound         = NewDomainError(ErrorCodeUserNotFound, "user not found")
	ErrServerNotFound       = NewDomainError(ErrorCodeServerNotFound, "server not found")
	ErrKeyNotFound          = NewDomainError(ErrorCodeKeyNotFound, "key not found")
	ErrKeyAlreadyExists     = NewDomainError(ErrorCodeKeyAlreadyExists, "key already exists for server")
	ErrProcessingInProgress = NewDomainError(ErrorCodeProcessingInProgress, "payment is already being processed")
)
