// Package errors provides the structured error taxonomy used across objectsync.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Configuration errors abort a run before any object is touched.
	ErrCodeInvalidConfig      ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig      ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation   ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave         ErrorCode = "CONFIG_SAVE"
	ErrCodeCredentialsMissing ErrorCode = "CONFIG_CREDENTIALS_MISSING"
	ErrCodeUnknownPlugin      ErrorCode = "CONFIG_UNKNOWN_PLUGIN"

	// Connection errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeThrottled         ErrorCode = "CONNECTION_THROTTLED"

	// Storage errors
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeObjectInvalid  ErrorCode = "OBJECT_INVALID"
	ErrCodeBucketNotFound ErrorCode = "STORAGE_BUCKET_NOT_FOUND"
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageList    ErrorCode = "STORAGE_LIST"
	ErrCodeAccessDenied   ErrorCode = "STORAGE_ACCESS_DENIED"
	ErrCodeCircuitOpen    ErrorCode = "STORAGE_CIRCUIT_OPEN"

	// Per-object processing errors
	ErrCodePolicyViolation    ErrorCode = "OBJECT_POLICY_VIOLATION"
	ErrCodeTransientFailure   ErrorCode = "TRANSFER_TRANSIENT"
	ErrCodePermanentFailure   ErrorCode = "TRANSFER_PERMANENT"
	ErrCodeRetryExhausted     ErrorCode = "TRANSFER_RETRY_EXHAUSTED"
	ErrCodeListParse          ErrorCode = "LIST_PARSE"
	ErrCodeVerifyMismatch     ErrorCode = "VERIFY_MISMATCH"
	ErrCodeReverseUnsupported ErrorCode = "VERIFY_REVERSE_UNSUPPORTED"

	// Progress store errors
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeStoreMigration   ErrorCode = "STORE_MIGRATION"

	// Job state errors
	ErrCodeInvalidState   ErrorCode = "STATE_INVALID"
	ErrCodeAlreadyStarted ErrorCode = "STATE_ALREADY_STARTED"
	ErrCodeJobNotFound    ErrorCode = "STATE_JOB_NOT_FOUND"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryObject        ErrorCategory = "object"
	CategoryVerification  ErrorCategory = "verification"
	CategoryStore         ErrorCategory = "store"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// SyncError is a structured error carrying a code, a category and handling
// hints for the retry classifier.
type SyncError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

func (e *SyncError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is matches any *SyncError with the same code.
func (e *SyncError) Is(target error) bool {
	if t, ok := target.(*SyncError); ok {
		return e.Code == t.Code
	}
	return false
}

// Fatal reports whether the error must abort the whole run.
func (e *SyncError) Fatal() bool {
	return e.Category == CategoryConfiguration || e.Code == ErrCodeStoreUnavailable || e.Code == ErrCodeStoreMigration
}

// String returns a detailed representation for logs.
func (e *SyncError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
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
	return fmt.Sprintf("SyncError{%s}", strings.Join(parts, ", "))
}

// NewError creates an error with defaults derived from the code.
func NewError(code ErrorCode, message string) *SyncError {
	return &SyncError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// GetCategory derives the category from the code prefix.
func GetCategory(code ErrorCode) ErrorCategory {
	c := string(code)
	switch {
	case strings.HasPrefix(c, "INVALID_CONFIG") || strings.HasPrefix(c, "MISSING_CONFIG") ||
		strings.HasPrefix(c, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(c, "CONNECTION_") || strings.HasPrefix(c, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(c, "STORAGE_"):
		return CategoryStorage
	case strings.HasPrefix(c, "OBJECT_") || strings.HasPrefix(c, "TRANSFER_") || strings.HasPrefix(c, "LIST_"):
		return CategoryObject
	case strings.HasPrefix(c, "VERIFY_"):
		return CategoryVerification
	case strings.HasPrefix(c, "STORE_"):
		return CategoryStore
	case strings.HasPrefix(c, "STATE_"):
		return CategoryState
	default:
		return CategoryInternal
	}
}

var nonRetryable = map[ErrorCode]bool{
	ErrCodeObjectNotFound:     true,
	ErrCodeObjectInvalid:      true,
	ErrCodeBucketNotFound:     true,
	ErrCodeAccessDenied:       true,
	ErrCodePolicyViolation:    true,
	ErrCodePermanentFailure:   true,
	ErrCodeRetryExhausted:     true,
	ErrCodeListParse:          true,
	ErrCodeVerifyMismatch:     true,
	ErrCodeReverseUnsupported: true,
	ErrCodeInvalidState:       true,
	ErrCodeAlreadyStarted:     true,
	ErrCodeJobNotFound:        true,
}

// IsRetryableByDefault reports whether a code is transient unless stated
// otherwise. Everything outside configuration and the explicit permanent
// set is.
func IsRetryableByDefault(code ErrorCode) bool {
	if GetCategory(code) == CategoryConfiguration {
		return false
	}
	return !nonRetryable[code]
}

// GetDefaultHTTPStatus maps a code to the status the control API answers
// with.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeListParse:
		return 400
	case ErrCodeAccessDenied:
		return 403
	case ErrCodeObjectNotFound, ErrCodeBucketNotFound, ErrCodeJobNotFound:
		return 404
	case ErrCodeInvalidState, ErrCodeAlreadyStarted:
		return 409
	case ErrCodeThrottled:
		return 429
	case ErrCodeStoreUnavailable, ErrCodeCircuitOpen:
		return 503
	case ErrCodeConnectionTimeout:
		return 504
	}
	return 500
}

// WithContext adds a string context value.
func (e *SyncError) WithContext(key, value string) *SyncError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds a structured detail.
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *SyncError) WithComponent(component string) *SyncError {
	e.Component = component
	return e
}

func (e *SyncError) WithOperation(operation string) *SyncError {
	e.Operation = operation
	return e
}

func (e *SyncError) WithCause(cause error) *SyncError {
	e.Cause = cause
	return e
}

// NewConfigurationError reports an invalid or incomplete job configuration.
func NewConfigurationError(message string) *SyncError {
	return NewError(ErrCodeConfigValidation, message)
}

// NewPermanentError reports an object-level failure that must not be retried.
func NewPermanentError(message string, cause error) *SyncError {
	e := NewError(ErrCodePermanentFailure, message).WithCause(cause)
	e.Retryable = false
	return e
}

// NewTransientError reports a failure worth retrying.
func NewTransientError(message string, cause error) *SyncError {
	e := NewError(ErrCodeTransientFailure, message).WithCause(cause)
	e.Retryable = true
	return e
}

// NewVerificationMismatch reports a target that disagrees with its source.
func NewVerificationMismatch(format string, args ...interface{}) *SyncError {
	return NewError(ErrCodeVerifyMismatch, fmt.Sprintf(format, args...))
}

// NewObjectNotFound reports a missing object.
func NewObjectNotFound(identifier string) *SyncError {
	return NewError(ErrCodeObjectNotFound, "object not found").WithContext("identifier", identifier)
}

// NewStoreUnavailable reports a progress store failure; it aborts the run.
func NewStoreUnavailable(message string, cause error) *SyncError {
	return NewError(ErrCodeStoreUnavailable, message).WithCause(cause)
}

// Sentinels for errors.Is matching by code.
var (
	ErrObjectNotFound     = &SyncError{Code: ErrCodeObjectNotFound}
	ErrVerifyMismatch     = &SyncError{Code: ErrCodeVerifyMismatch}
	ErrStoreUnavailable   = &SyncError{Code: ErrCodeStoreUnavailable}
	ErrJobNotFound        = &SyncError{Code: ErrCodeJobNotFound}
	ErrInvalidState       = &SyncError{Code: ErrCodeInvalidState}
	ErrReverseUnsupported = &SyncError{Code: ErrCodeReverseUnsupported}
)

// IsNotFound reports whether err is an object-not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// As extracts a *SyncError from err's chain.
func As(err error) (*SyncError, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
