package gqlink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error types carried by ClientError.Type.
const (
	ErrorTypeEngineInit         = "EngineInit"
	ErrorTypeNotInitialized     = "NotInitialized"
	ErrorTypeStreamDisconnected = "StreamDisconnected"
	ErrorTypeRequestFailed      = "RequestFailed"
	ErrorTypeNetwork            = "Network"
	ErrorTypeServer             = "Server"
	ErrorTypeDecode             = "Decode"
	ErrorTypeTimeout            = "Timeout"
	ErrorTypeGraphQL            = "GraphQL"
	ErrorTypeValidation         = "Validation"
	ErrorTypeClosed             = "Closed"
	ErrorTypeRetryBudget        = "RetryBudgetExceeded"
	ErrorTypeSlowConsumer       = "SlowConsumer"
)

// Sentinel errors for use with errors.Is. Errors returned by the client are
// *ClientError values whose Type matches one of these.
var (
	// ErrEngineInit is returned when the network engine could not be built.
	ErrEngineInit = &ClientError{Type: ErrorTypeEngineInit, Message: "engine initialization failed"}

	// ErrNotInitialized is returned when a client is requested before the engine exists.
	ErrNotInitialized = &ClientError{Type: ErrorTypeNotInitialized, Message: "initialize the network engine first"}

	// ErrStreamDisconnected reports a lost subscription connection.
	ErrStreamDisconnected = &ClientError{Type: ErrorTypeStreamDisconnected, Message: "stream disconnected"}

	// ErrRequestFailed matches every per-operation failure (network, server, decode, timeout).
	ErrRequestFailed = &ClientError{Type: ErrorTypeRequestFailed, Message: "request failed"}

	// ErrClientClosed is returned by operations on a closed client or subscription.
	ErrClientClosed = &ClientError{Type: ErrorTypeClosed, Message: "client closed"}

	// ErrSlowConsumer ends a subscription whose consumer let its event
	// backlog fill up.
	ErrSlowConsumer = &ClientError{Type: ErrorTypeSlowConsumer, Message: "subscription consumer too slow"}

	// ErrRetryBudgetExceeded is returned when the retry budget is exhausted.
	ErrRetryBudgetExceeded = &ClientError{Type: ErrorTypeRetryBudget, Message: "retry budget exceeded"}
)

// ClientError describes a failure with enough context to log it usefully.
type ClientError struct {
	Type          string
	Message       string
	Cause         error
	RequestID     string
	OperationName string
	URL           string
	StatusCode    int
	Attempt       int
	MaxRetries    int
	RetryAfter    time.Duration
	Timestamp     time.Time
	Duration      time.Duration
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Returns true for network errors, timeouts, 5xx server responses, 429 and stream disconnects.
// Returns false for other 4xx responses, decode, validation and lifecycle errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		return false
	}

	switch clientErr.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeStreamDisconnected:
		return true
	case ErrorTypeServer:
		return clientErr.StatusCode >= 500 || clientErr.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.OperationName != "" {
		msg = fmt.Sprintf("%s [operation %s]", msg, e.OperationName)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is. Every per-operation failure type
// also matches ErrRequestFailed.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	targetErr, ok := target.(*ClientError)
	if !ok {
		return false
	}
	if e.Type == targetErr.Type {
		return true
	}
	return targetErr.Type == ErrorTypeRequestFailed && isRequestFailure(e.Type)
}

func isRequestFailure(errorType string) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeServer, ErrorTypeDecode, ErrorTypeTimeout, ErrorTypeRetryBudget:
		return true
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.OperationName != "" {
		info += fmt.Sprintf("Operation: %s\n", e.OperationName)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if e.RetryAfter > 0 {
		info += fmt.Sprintf("Retry After: %v\n", e.RetryAfter)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

func newClientError(errorType, message string, cause error) *ClientError {
	return &ClientError{
		Type:      errorType,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func asClientError(err error) (*ClientError, bool) {
	var clientErr *ClientError
	ok := errors.As(err, &clientErr)
	return clientErr, ok
}

// contextError maps a context error to a Timeout or RequestFailed ClientError.
func contextError(err error) *ClientError {
	if errors.Is(err, context.DeadlineExceeded) {
		return newClientError(ErrorTypeTimeout, "operation deadline exceeded", err)
	}
	return newClientError(ErrorTypeRequestFailed, "operation canceled", err)
}
