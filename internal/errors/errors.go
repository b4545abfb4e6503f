package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryClient   ErrorCategory = "client"
	CategoryServer   ErrorCategory = "server"
	CategoryExternal ErrorCategory = "external"
)

// Common error codes
const (
	// Admission errors, returned synchronously and never enqueued
	CodeDenied    = "DENIED"
	CodeQueueFull = "QUEUE_FULL"
	CodeBlocked   = "OWNER_BLOCKED"

	// Request errors
	CodeValidationError = "VALIDATION_ERROR"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeNotOwner        = "NOT_OWNER"

	// Pipeline errors
	CodeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	CodeTransientIO           = "TRANSIENT_IO"
	CodeFetchExhausted        = "FETCH_EXHAUSTED"
	CodeDeliveryExhausted     = "DELIVERY_EXHAUSTED"
	CodeProcessingError       = "PROCESSING_ERROR"

	// Server errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeDatabaseError = "DATABASE_ERROR"
	CodeStorageError  = "STORAGE_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Category   ErrorCategory  `json:"-"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithCause sets the underlying cause of the error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// ErrorResponse is the JSON structure returned to clients
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error details
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// New creates a new AppError
func New(code string, message string, category ErrorCategory, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Category:   category,
		HTTPStatus: httpStatus,
	}
}

// Admission error constructors

// Denied is returned when a rate window for the subject is exhausted.
// retryAfterSeconds tells the caller when the window resets.
func Denied(retryAfterSeconds int) *AppError {
	return New(CodeDenied, "rate limit exceeded", CategoryClient, http.StatusTooManyRequests).
		WithDetails(map[string]any{"retry_after_seconds": retryAfterSeconds})
}

func QueueFull(pending int) *AppError {
	return New(CodeQueueFull, "job queue is full", CategoryServer, http.StatusServiceUnavailable).
		WithDetails(map[string]any{"pending": pending})
}

func OwnerBlocked() *AppError {
	return New(CodeBlocked, "owner is blocked", CategoryClient, http.StatusForbidden)
}

// Request error constructors

func BadRequest(message string) *AppError {
	return New(CodeInvalidRequest, message, CategoryClient, http.StatusBadRequest)
}

func ValidationError(message string) *AppError {
	return New(CodeValidationError, message, CategoryClient, http.StatusBadRequest)
}

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, CategoryClient, http.StatusUnauthorized)
}

func JobNotFound() *AppError {
	return New(CodeNotFound, "job not found", CategoryClient, http.StatusNotFound)
}

func NotOwner() *AppError {
	return New(CodeNotOwner, "job belongs to another owner", CategoryClient, http.StatusForbidden)
}

// Pipeline error constructors

// DependencyUnavailable is returned by an open circuit breaker without the
// wrapped call being attempted.
func DependencyUnavailable(dependency string) *AppError {
	return New(CodeDependencyUnavailable, fmt.Sprintf("%s is unavailable", dependency), CategoryExternal, http.StatusBadGateway)
}

func TransientIO(message string) *AppError {
	return New(CodeTransientIO, message, CategoryExternal, http.StatusBadGateway)
}

func FetchExhausted(attempts int) *AppError {
	return New(CodeFetchExhausted, fmt.Sprintf("fetch failed after %d attempts", attempts), CategoryExternal, http.StatusBadGateway)
}

func DeliveryExhausted(attempts int) *AppError {
	return New(CodeDeliveryExhausted, fmt.Sprintf("delivery failed after %d attempts", attempts), CategoryExternal, http.StatusBadGateway)
}

func ProcessingError(message string) *AppError {
	return New(CodeProcessingError, message, CategoryServer, http.StatusUnprocessableEntity)
}

// Server error constructors

func InternalError(message string) *AppError {
	return New(CodeInternalError, message, CategoryServer, http.StatusInternalServerError)
}

func DatabaseError(message string) *AppError {
	return New(CodeDatabaseError, message, CategoryServer, http.StatusInternalServerError)
}

func StorageError(message string) *AppError {
	return New(CodeStorageError, message, CategoryServer, http.StatusInternalServerError)
}

// WriteError writes an error response to the HTTP response writer
func WriteError(w http.ResponseWriter, requestID string, err error) {
	var appErr *AppError

	switch e := err.(type) {
	case *AppError:
		appErr = e
	default:
		appErr = InternalError("an unexpected error occurred").WithCause(err)
	}

	resp := ErrorResponse{
		Error: ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			RequestID: requestID,
			Details:   appErr.Details,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON writes a JSON response with the request ID header
func WriteJSON(w http.ResponseWriter, requestID string, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Code returns the error code of err, or INTERNAL_ERROR for unknown errors.
func Code(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// IsRetryable returns true if a failed pipeline step may be attempted again.
// Dependency-unavailable and transient I/O failures feed the retry policy;
// exhaustion and processing errors are terminal.
func IsRetryable(err error) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	switch appErr.Code {
	case CodeDependencyUnavailable, CodeTransientIO:
		return true
	case CodeFetchExhausted, CodeDeliveryExhausted:
		return false
	}

	return appErr.Category == CategoryExternal
}

// IsTerminal returns true if the error must fail the job without requeue.
func IsTerminal(err error) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	switch appErr.Code {
	case CodeFetchExhausted, CodeDeliveryExhausted, CodeProcessingError:
		return true
	}
	return false
}

// IsClientError returns true if the error is a client error
func IsClientError(err error) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Category == CategoryClient
}
