// Package errors provides a structured error system for the vault server with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for vault operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Validation errors
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidSize       ErrorCode = "INVALID_SIZE"
	ErrCodeInvalidChunkIndex ErrorCode = "INVALID_CHUNK_INDEX"
	ErrCodeInvalidConfig     ErrorCode = "INVALID_CONFIG"

	// Capacity errors
	ErrCodeSizeExceeded ErrorCode = "SIZE_EXCEEDED"

	// Not found errors
	ErrCodeUnknownTransfer  ErrorCode = "UNKNOWN_TRANSFER"
	ErrCodeUnknownStorage   ErrorCode = "UNKNOWN_STORAGE"
	ErrCodeUnknownFile      ErrorCode = "UNKNOWN_FILE"
	ErrCodeUnknownExtension ErrorCode = "UNKNOWN_EXTENSION"

	// Conflict errors
	ErrCodeChunkAlreadyDone      ErrorCode = "CHUNK_ALREADY_DONE"
	ErrCodeChunkInProgress       ErrorCode = "CHUNK_IN_PROGRESS"
	ErrCodeDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION"

	// State errors
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"
	ErrCodeChunksPending     ErrorCode = "CHUNKS_PENDING"
	ErrCodeAlreadyFinalizing ErrorCode = "ALREADY_FINALIZING"

	// Provisioning errors
	ErrCodeProvisioningFailed     ErrorCode = "PROVISIONING_FAILED"
	ErrCodeProvisionerUnavailable ErrorCode = "PROVISIONER_UNAVAILABLE"
	ErrCodeReleaseFailed          ErrorCode = "RELEASE_FAILED"

	// Storage errors
	ErrCodeStorageRead   ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite  ErrorCode = "STORAGE_WRITE"
	ErrCodeStagingFailed ErrorCode = "STAGING_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryValidation   ErrorCategory = "validation"
	CategoryCapacity     ErrorCategory = "capacity"
	CategoryNotFound     ErrorCategory = "not_found"
	CategoryConflict     ErrorCategory = "conflict"
	CategoryState        ErrorCategory = "state"
	CategoryProvisioning ErrorCategory = "provisioning"
	CategoryStorage      ErrorCategory = "storage"
	CategoryInternal     ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeValidationFailed:       CategoryValidation,
	ErrCodeInvalidSize:            CategoryValidation,
	ErrCodeInvalidChunkIndex:      CategoryValidation,
	ErrCodeInvalidConfig:          CategoryValidation,
	ErrCodeSizeExceeded:           CategoryCapacity,
	ErrCodeUnknownTransfer:        CategoryNotFound,
	ErrCodeUnknownStorage:         CategoryNotFound,
	ErrCodeUnknownFile:            CategoryNotFound,
	ErrCodeUnknownExtension:       CategoryNotFound,
	ErrCodeChunkAlreadyDone:       CategoryConflict,
	ErrCodeChunkInProgress:        CategoryConflict,
	ErrCodeDuplicateRegistration:  CategoryConflict,
	ErrCodeInvalidState:           CategoryState,
	ErrCodeChunksPending:          CategoryState,
	ErrCodeAlreadyFinalizing:      CategoryState,
	ErrCodeProvisioningFailed:     CategoryProvisioning,
	ErrCodeProvisionerUnavailable: CategoryProvisioning,
	ErrCodeReleaseFailed:          CategoryProvisioning,
	ErrCodeStorageRead:            CategoryStorage,
	ErrCodeStorageWrite:           CategoryStorage,
	ErrCodeStagingFailed:          CategoryStorage,
}

// VaultError represents a structured error with context and metadata.
type VaultError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *VaultError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *VaultError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *VaultError) Is(target error) bool {
	if vaultErr, ok := target.(*VaultError); ok {
		return e.Code == vaultErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *VaultError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("VaultError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new vault error with default values.
func NewError(code ErrorCode, message string) *VaultError {
	return &VaultError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf creates a new vault error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *VaultError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new vault error carrying cause.
func Wrap(cause error, code ErrorCode, message string) *VaultError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	if category, ok := categories[code]; ok {
		return category
	}
	return CategoryInternal
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeProvisioningFailed, ErrCodeProvisionerUnavailable, ErrCodeReleaseFailed:
		return true
	}
	return false
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch GetCategory(code) {
	case CategoryValidation:
		return 400
	case CategoryNotFound:
		return 404
	case CategoryConflict, CategoryState:
		return 409
	case CategoryCapacity:
		return 413
	case CategoryProvisioning:
		return 503
	default:
		return 500
	}
}

// CodeOf returns the code of the first VaultError in err's chain, or ErrCodeInternalError.
func CodeOf(err error) ErrorCode {
	var vaultErr *VaultError
	if stderr.As(err, &vaultErr) {
		return vaultErr.Code
	}
	return ErrCodeInternalError
}

// IsCode reports whether err's chain contains a VaultError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return stderr.Is(err, &VaultError{Code: code})
}

// HasCategory reports whether err's chain contains a VaultError of the given category.
func HasCategory(err error, category ErrorCategory) bool {
	var vaultErr *VaultError
	return stderr.As(err, &vaultErr) && vaultErr.Category == category
}

// As calls the standard library errors.As.
func As(err error, target interface{}) bool {
	return stderr.As(err, target)
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *VaultError) WithContext(key, value string) *VaultError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *VaultError) WithDetail(key string, value interface{}) *VaultError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *VaultError) WithComponent(component string) *VaultError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *VaultError) WithOperation(operation string) *VaultError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *VaultError) WithCause(cause error) *VaultError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint
func (e *VaultError) WithRetryable(retryable bool) *VaultError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *VaultError) WithStack() *VaultError {
	e.Stack = CaptureStack(2)
	return e
}

// ClientMessage returns the message shown to API clients. Internal failures hide their cause.
func (e *VaultError) ClientMessage() string {
	if e.Category == CategoryInternal {
		return "An internal error occurred"
	}
	return e.Message
}
