// Package apperr provides standardized error handling for the gateway.
//
// Errors carry a machine-readable code, a human-readable message, an
// HTTP status code, and the severity/hint pair the WebSocket protocol
// attaches to its own error frames.
package apperr

import (
	"fmt"
	"net/http"
)

// Severity classifies how a client should react to an error, mirroring
// the WebSocket protocol's error.severity field.
type Severity string

const (
	SeverityTerminal    Severity = "terminal"
	SeverityRecoverable Severity = "recoverable"
	SeverityRetry       Severity = "retry"
)

// Field describes one failed validation path, used by REST handlers to
// report multiple problems in a single response.
type Field struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// AppError is a standardized application error with HTTP and
// WebSocket-protocol context attached.
type AppError struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Details    string   `json:"details,omitempty"`
	Severity   Severity `json:"-"`
	Hint       string   `json:"-"`
	Fields     []Field  `json:"fields,omitempty"`
	StatusCode int      `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the JSON shape returned to REST clients:
// {error: {code, message, correlationId, timestamp, details?}}.
type ErrorResponse struct {
	Code          string  `json:"code"`
	Message       string  `json:"message"`
	CorrelationID string  `json:"correlationId,omitempty"`
	Timestamp     string  `json:"timestamp,omitempty"`
	Details       string  `json:"details,omitempty"`
	Fields        []Field `json:"fields,omitempty"`
}

// ToResponse converts AppError into its REST envelope.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Fields:  e.Fields,
	}
}

// Error codes. REST-facing codes (4xx/5xx) plus the WebSocket protocol's
// closed error-kind set from spec §7.
const (
	CodeBadRequest   = "INVALID_REQUEST"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeInternal     = "INTERNAL_ERROR"
	CodeUnavailable  = "SERVICE_UNAVAILABLE"

	CodeBlockEventNotFound  = "BLOCK_EVENT_NOT_FOUND"
	CodePackNotFound        = "PACK_NOT_FOUND"
	CodeAllowlistNotFound   = "ALLOWLIST_NOT_FOUND"
	CodeConflictNotFound    = "CONFLICT_NOT_FOUND"

	CodeInvalidFormat        = "INVALID_FORMAT"
	CodeInvalidChannel       = "INVALID_CHANNEL"
	CodeSubscriptionDenied   = "WS_SUBSCRIPTION_DENIED"
	CodeCursorExpired        = "WS_CURSOR_EXPIRED"
	CodeRateLimited          = "WS_RATE_LIMITED"
	CodeSerializationError   = "SERIALIZATION_ERROR"
)

// hintTable maps each WebSocket protocol error code to the
// {severity, hint} pair the protocol requires. Closed set, per spec §7.
var hintTable = map[string]struct {
	severity Severity
	hint     string
}{
	CodeInvalidFormat:      {SeverityRecoverable, "resend the frame using a supported message kind"},
	CodeInvalidChannel:     {SeverityRecoverable, "check the channel string grammar: scope:type[:id]"},
	CodeSubscriptionDenied: {SeverityTerminal, "the principal is not authorized for this channel"},
	CodeCursorExpired:      {SeverityRecoverable, "resubscribe without a cursor to receive the latest window"},
	CodeRateLimited:        {SeverityRetry, "retry after resumeAfterMs has elapsed"},
	CodeSerializationError: {SeverityRetry, "retry the request; report if it persists"},
	CodeInternal:           {SeverityRetry, "retry the request; report if it persists"},
}

func statusForCode(code string) int {
	switch code {
	case CodeBadRequest, CodeInvalidFormat, CodeInvalidChannel:
		return http.StatusBadRequest
	case CodeNotFound, CodeBlockEventNotFound, CodePackNotFound, CodeAllowlistNotFound, CodeConflictNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeSubscriptionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError, filling in its HTTP status and, for
// protocol-level codes, its severity/hint from the closed table.
func New(code, message string) *AppError {
	e := &AppError{Code: code, Message: message, StatusCode: statusForCode(code)}
	if h, ok := hintTable[code]; ok {
		e.Severity = h.severity
		e.Hint = h.hint
	}
	return e
}

// NewWithDetails creates an AppError carrying additional debug detail.
func NewWithDetails(code, message, details string) *AppError {
	e := New(code, message)
	e.Details = details
	return e
}

// Wrap attaches an underlying error's message as Details.
func Wrap(code, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewWithDetails(code, message, details)
}

// WithFields attaches REST validation field errors.
func (e *AppError) WithFields(fields []Field) *AppError {
	e.Fields = fields
	return e
}

func BadRequest(message string) *AppError        { return New(CodeBadRequest, message) }
func NotFound(resource string) *AppError         { return New(CodeNotFound, fmt.Sprintf("%s not found", resource)) }
func Conflict(message string) *AppError          { return New(CodeConflict, message) }
func Internal(message string) *AppError          { return New(CodeInternal, message) }
func ServiceUnavailable(service string) *AppError {
	return New(CodeUnavailable, fmt.Sprintf("%s is currently unavailable", service))
}

func BlockEventNotFound(id string) *AppError {
	return New(CodeBlockEventNotFound, fmt.Sprintf("block event %s not found", id))
}
func PackNotFound(id string) *AppError {
	return New(CodePackNotFound, fmt.Sprintf("pack %s not found", id))
}
func AllowlistNotFound(id string) *AppError {
	return New(CodeAllowlistNotFound, fmt.Sprintf("allowlist %s not found", id))
}
func ConflictNotFound(id string) *AppError {
	return New(CodeConflictNotFound, fmt.Sprintf("conflict %s not found", id))
}

func InvalidFormat(message string) *AppError      { return New(CodeInvalidFormat, message) }
func InvalidChannel(channel string) *AppError {
	return New(CodeInvalidChannel, fmt.Sprintf("invalid channel: %s", channel))
}
func SubscriptionDenied(reason string) *AppError { return New(CodeSubscriptionDenied, reason) }
func CursorExpiredErr() *AppError {
	return New(CodeCursorExpired, "cursor is well-formed but expired")
}
func RateLimited(message string) *AppError { return New(CodeRateLimited, message) }
func SerializationError(err error) *AppError {
	return Wrap(CodeSerializationError, "failed to serialize message", err)
}
