package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Components MUST use these instead of hardcoded strings.
const (
	// Validation (400). Raised before any stage model is loaded.
	ErrCodeValidationLatitude       ErrorCode = "validation_latitude_orientation"
	ErrCodeValidationEmptyStages    ErrorCode = "validation_empty_stages"
	ErrCodeValidationInvalidStage   ErrorCode = "validation_invalid_stage"
	ErrCodeValidationInvalidRequest ErrorCode = "validation_invalid_request"
	ErrCodeValidationTimestamp      ErrorCode = "validation_invalid_timestamp"
	ErrCodeValidationInvalidGrid    ErrorCode = "validation_invalid_grid"
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"

	// Conflict (409/503)
	ErrCodeConflictBusy ErrorCode = "conflict_rollout_in_progress"

	// Not found (404)
	ErrCodeNotFoundRun ErrorCode = "not_found_run"

	// Model runtime (502)
	ErrCodeModelLoad          ErrorCode = "model_load_failed"
	ErrCodeModelExecution     ErrorCode = "model_execution_failed"
	ErrCodeModelOutputInvalid ErrorCode = "model_output_invalid"

	// Durable storage (502)
	ErrCodeStorageRead  ErrorCode = "storage_read_failed"
	ErrCodeStorageWrite ErrorCode = "storage_write_failed"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeInternalScratch     ErrorCode = "internal_scratch_error"
	ErrCodeInternalCodec       ErrorCode = "internal_codec_error"
	ErrCodeUpstreamRuntime     ErrorCode = "upstream_runtime_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case c == ErrCodeConflictBusy:
		return http.StatusServiceUnavailable
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "model_"),
		strings.HasPrefix(s, "storage_"),
		strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsPrecondition reports whether the code belongs to the validation family.
func (c ErrorCode) IsPrecondition() bool {
	return strings.HasPrefix(string(c), "validation_")
}

// AppError is the standard error type used throughout the rollout engine.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode of the first AppError in err's chain.
// Returns ErrCodeInternalUnexpected when none is found.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
