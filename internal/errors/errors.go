/**
 * Error taxonomy for the OCR orchestrator
 *
 * Provider and orchestration failures are reported as ProcessingError values
 * carrying a stable ErrorCode. The orchestrator uses the code to decide the
 * scope of a failure:
 * - page-scoped (transient): recorded on the page, the job carries on
 * - job-scoped (fatal): the job stops and is marked failed
 *
 * Low confidence is never an error.
 */

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Blocking errors, raised before any dispatch
	ErrorConfigurationMissing ErrorCode = "CONFIGURATION_MISSING"
	ErrorPolicyViolation      ErrorCode = "POLICY_VIOLATION"

	// Provider errors (page-scoped)
	ErrorNetworkTimeout      ErrorCode = "NETWORK_TIMEOUT"
	ErrorUnsupportedLanguage ErrorCode = "UNSUPPORTED_LANGUAGE"
	ErrorServerUnreachable   ErrorCode = "SERVER_UNREACHABLE"
	ErrorRateLimited         ErrorCode = "RATE_LIMITED"
	ErrorProviderFailed      ErrorCode = "PROVIDER_FAILED"

	// Storage and lifecycle errors
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
	ErrorJobCancelled      ErrorCode = "JOB_CANCELLED"
	ErrorNotFound          ErrorCode = "NOT_FOUND"
	ErrorInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Provider  string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewConfigurationMissingError(provider string, what string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorConfigurationMissing,
		Message:   fmt.Sprintf("provider %s is not configured: %s", provider, what),
		Provider:  provider,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"missing": what,
		},
	}
}

func NewPolicyViolationError(jobID string, provider string, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorPolicyViolation,
		Message:   reason,
		JobID:     jobID,
		Provider:  provider,
		Timestamp: time.Now(),
	}
}

func NewNetworkTimeoutError(provider string, timeout time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNetworkTimeout,
		Message:   fmt.Sprintf("provider call timed out after %v", timeout),
		Provider:  provider,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": timeout.String(),
		},
		Cause: cause,
	}
}

func NewUnsupportedLanguageError(provider string, language string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedLanguage,
		Message:   fmt.Sprintf("language %q is not supported", language),
		Provider:  provider,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"language": language,
		},
	}
}

func NewServerUnreachableError(provider string, endpoint string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorServerUnreachable,
		Message:   fmt.Sprintf("server %s is unreachable", endpoint),
		Provider:  provider,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"endpoint": endpoint,
		},
		Cause: cause,
	}
}

func NewRateLimitedError(provider string, window string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRateLimited,
		Message:   fmt.Sprintf("rate limit exceeded (%s)", window),
		Provider:  provider,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"window": window,
		},
	}
}

func NewProviderFailedError(provider string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProviderFailed,
		Message:   "recognition failed",
		Provider:  provider,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "storage operation failed",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewJobCancelledError(jobID string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorJobCancelled,
		Message:   "job was cancelled",
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

func NewNotFoundError(kind string, id string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNotFound,
		Message:   fmt.Sprintf("%s not found: %s", kind, id),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"kind": kind,
			"id":   id,
		},
	}
}

func NewInvalidTransitionError(jobID string, from string, to string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidTransition,
		Message:   fmt.Sprintf("cannot move job from %s to %s", from, to),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	}
}

// CodeOf extracts the ErrorCode from err, or "" when err is not a ProcessingError.
// A bare context deadline is reported as a network timeout.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrorNetworkTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return ErrorJobCancelled
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsTransient reports whether the failure is page-scoped.
// Unknown errors coming out of a provider are treated as page-scoped too.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrorNetworkTimeout, ErrorServerUnreachable, ErrorRateLimited,
		ErrorProviderFailed, ErrorUnsupportedLanguage, "":
		return err != nil
	}
	return false
}

// IsFatal reports whether the failure stops the whole job before dispatch.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrorConfigurationMissing, ErrorPolicyViolation, ErrorStorageFailed:
		return true
	}
	return false
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.Provider != "" {
		result["provider"] = e.Provider
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
