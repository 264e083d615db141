// Package herrors provides unified, structured error handling for the daemon.
package herrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies which of the seven error categories an error belongs to.
type Code string

const (
	// Validation errors (1xxx) — bad input, schema mismatch. Never retried.
	CodeInvalidInput     Code = "VAL_1001"
	CodeMissingParameter Code = "VAL_1002"
	CodeInvalidFormat    Code = "VAL_1003"
	CodeOutOfRange       Code = "VAL_1004"

	// Policy denial (2xxx) — surfaced as a structured reason, never silently retried.
	CodePolicyDenied  Code = "POL_2001"
	CodeQuietHours    Code = "POL_2002"
	CodeCostCapExceed Code = "POL_2003"

	// Conflict (3xxx) — optimistic concurrency. Retried with bounded attempts
	// and exponential backoff; surfaced if exhausted.
	CodeVersionConflict Code = "CON_3001"
	CodeAlreadyExists   Code = "CON_3002"
	CodeRetriesExhausted Code = "CON_3003"

	// Transient I/O (4xxx) — storage/connector. Retried with backoff and
	// jitter; circuit-breaks after N failures.
	CodeStorageUnavailable  Code = "IO_4001"
	CodeConnectorUnhealthy  Code = "IO_4002"
	CodeRateLimitExceeded   Code = "IO_4003"

	// Timeout (5xxx) — cancellation fired, partial effects rolled back.
	CodeTimeout Code = "TMO_5001"

	// Invariant violation (6xxx) — treated as a bug; action refused, a
	// critical incident is raised.
	CodeInvariantViolation Code = "INV_6001"
	CodeMissingEvidence    Code = "INV_6002"

	// Incident (7xxx) — data corruption, unauthorized access, runaway cost,
	// broken approvals. Supervisor freezes auto-approval.
	CodeIncident      Code = "INC_7001"
	CodeUnauthorized  Code = "INC_7002"
	CodeRunawayCost   Code = "INC_7003"
)

// HearthError is the one structured error type surfaced across the HTTP API
// and the CLI. It always renders as {code, message, details}.
type HearthError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RetryAfter *int                   `json:"retry_after,omitempty"` // seconds
	Err        error                  `json:"-"`
}

func (e *HearthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *HearthError) Unwrap() error {
	return e.Err
}

// WithDetails attaches an additional detail field and returns e for chaining.
func (e *HearthError) WithDetails(key string, value interface{}) *HearthError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter marks the error as transient and retryable after d seconds.
func (e *HearthError) WithRetryAfter(seconds int) *HearthError {
	e.RetryAfter = &seconds
	return e
}

// New creates a HearthError with no wrapped cause.
func New(code Code, message string, httpStatus int) *HearthError {
	return &HearthError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a HearthError around an existing error.
func Wrap(code Code, message string, httpStatus int, err error) *HearthError {
	return &HearthError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// 1. Validation

func InvalidInput(field, reason string) *HearthError {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("reason", reason)
}

func MissingParameter(param string) *HearthError {
	return New(CodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *HearthError {
	return New(CodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *HearthError {
	return New(CodeOutOfRange, "value out of range", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("min", minValue).WithDetails("max", maxValue)
}

// 2. Policy denial

func PolicyDenied(reason string) *HearthError {
	return New(CodePolicyDenied, "intent denied by policy", http.StatusForbidden).
		WithDetails("reason", reason)
}

func QuietHours(window string) *HearthError {
	return New(CodeQuietHours, "action blocked by quiet hours", http.StatusForbidden).
		WithDetails("window", window)
}

func CostCapExceeded(capType string, limit, estimate float64) *HearthError {
	return New(CodeCostCapExceed, "cost cap exceeded", http.StatusForbidden).
		WithDetails("cap", capType).WithDetails("limit", limit).WithDetails("estimate", estimate)
}

// 3. Conflict

func VersionConflict(entity, id string) *HearthError {
	return New(CodeVersionConflict, "version conflict", http.StatusConflict).
		WithDetails("entity", entity).WithDetails("id", id)
}

func AlreadyExists(resource, id string) *HearthError {
	return New(CodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).WithDetails("id", id)
}

func RetriesExhausted(operation string, attempts int, err error) *HearthError {
	return Wrap(CodeRetriesExhausted, "retries exhausted", http.StatusConflict, err).
		WithDetails("operation", operation).WithDetails("attempts", attempts)
}

// 4. Transient I/O

func StorageUnavailable(err error) *HearthError {
	return Wrap(CodeStorageUnavailable, "storage unavailable", http.StatusServiceUnavailable, err).
		WithRetryAfter(5)
}

func ConnectorUnhealthy(name string, err error) *HearthError {
	return Wrap(CodeConnectorUnhealthy, "connector unhealthy", http.StatusBadGateway, err).
		WithDetails("connector", name).WithRetryAfter(30)
}

func RateLimitExceeded(limit int, window string) *HearthError {
	return New(CodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).WithDetails("window", window).WithRetryAfter(int(60))
}

// 5. Timeout

func Timeout(operation string) *HearthError {
	return New(CodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// 6. Invariant violation

func InvariantViolation(invariant string) *HearthError {
	return New(CodeInvariantViolation, "invariant violated", http.StatusInternalServerError).
		WithDetails("invariant", invariant)
}

func MissingEvidence(taskID string) *HearthError {
	return New(CodeMissingEvidence, "task completion requires evidence", http.StatusBadRequest).
		WithDetails("task_id", taskID)
}

// 7. Incident

func Incident(summary string) *HearthError {
	return New(CodeIncident, "incident opened", http.StatusInternalServerError).
		WithDetails("summary", summary)
}

func Unauthorized(message string) *HearthError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func RunawayCost(agent string, total, cap float64) *HearthError {
	return New(CodeRunawayCost, "runaway cost detected", http.StatusInternalServerError).
		WithDetails("agent", agent).WithDetails("total", total).WithDetails("cap", cap)
}

// Helpers

// As extracts a *HearthError from an error chain.
func As(err error) *HearthError {
	var herr *HearthError
	if errors.As(err, &herr) {
		return herr
	}
	return nil
}

// HTTPStatus returns the HTTP status code an error should render as.
func HTTPStatus(err error) int {
	if herr := As(err); herr != nil {
		return herr.HTTPStatus
	}
	return http.StatusInternalServerError
}
