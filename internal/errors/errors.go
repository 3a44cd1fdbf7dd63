// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrUnreachable        = errors.New("feed unreachable: max reconnection attempts reached")
	ErrHeartbeatTimeout   = errors.New("heartbeat acknowledgement timed out")
	ErrInvalidEvent       = errors.New("invalid monitor event")
	ErrMissingCredentials = errors.New("missing provider credentials")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrNoRecipient        = errors.New("recipient not found")
	ErrChannelUnavailable = errors.New("delivery channel unavailable")
	ErrConnectionNotFound = errors.New("stream connection not found")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrDataNotFound       = errors.New("data not found")
	ErrDatabaseError      = errors.New("database error")
	ErrTimeout            = errors.New("operation timed out")
	ErrRetriesExhausted   = errors.New("delivery retries exhausted")
)

// ProviderError represents a failed call to the outbound voice/SMS provider.
type ProviderError struct {
	Op      string // "call", "sms"
	Status  int    // HTTP status, 0 for transport faults
	Code    string // provider-specific error code
	Message string
	Err     error

	// retryableCodes is consulted by Retryable; set by the provider client.
	retryableCodes map[string]bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider error [%s] status=%d code=%s: %s: %v", e.Op, e.Status, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("provider error [%s] status=%d code=%s: %s", e.Op, e.Status, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient: a transport fault, HTTP 429/5xx,
// or a provider code in the configured retryable set.
func (e *ProviderError) Retryable() bool {
	if e.Status == 0 && e.Err != nil {
		return true
	}
	if e.Status == http.StatusTooManyRequests || e.Status >= 500 {
		return true
	}
	return e.Code != "" && e.retryableCodes[e.Code]
}

// NewProviderError creates a new ProviderError.
func NewProviderError(op string, status int, code, message string, err error, retryableCodes map[string]bool) *ProviderError {
	return &ProviderError{
		Op:             op,
		Status:         status,
		Code:           code,
		Message:        message,
		Err:            err,
		retryableCodes: retryableCodes,
	}
}

// IsRetryable reports whether err is a transient fault worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// Unwrap lets callers match validation failures against ErrInvalidEvent.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidEvent
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// FeedError represents an error raised by a streaming market-data feed.
type FeedError struct {
	Feed    string
	Attempt int
	Err     error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed error [%s] attempt %d: %v", e.Feed, e.Attempt, e.Err)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// NewFeedError creates a new FeedError.
func NewFeedError(feed string, attempt int, err error) *FeedError {
	return &FeedError{
		Feed:    feed,
		Attempt: attempt,
		Err:     err,
	}
}

// DataError represents a data-related error.
type DataError struct {
	DataType string
	Key      string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Key, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Key, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, key, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Key:      key,
		Message:  message,
		Err:      err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
