package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/credential-pool/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryNotFound represents unknown credential ids
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryInvalidRequest represents malformed add/import entries
	CategoryInvalidRequest ErrorCategory = "invalid_request"
	// CategoryPoolExhausted represents a pool with no enabled credential
	CategoryPoolExhausted ErrorCategory = "pool_exhausted"
	// CategoryRefreshFailed represents a rejected or timed out token exchange
	CategoryRefreshFailed ErrorCategory = "refresh_failed"
	// CategoryUpstream represents upstream usage query failures
	CategoryUpstream ErrorCategory = "upstream"
	// CategoryStorage represents persistence failures
	CategoryStorage ErrorCategory = "storage"
	// CategorySystem represents internal errors
	CategorySystem ErrorCategory = "system"
)

// Error codes
const (
	CodeNotFound            = "CREDENTIAL_NOT_FOUND"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeDuplicateCredential = "DUPLICATE_CREDENTIAL"
	CodePoolExhausted       = "POOL_EXHAUSTED"
	CodeRefreshFailed       = "REFRESH_FAILED"
	CodeUpstream            = "UPSTREAM_ERROR"
	CodeStorage             = "STORAGE_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewNotFoundError creates an unknown credential error
func NewNotFoundError(id uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("credential not found: %d", id),
		Details: map[string]interface{}{
			"id": id,
		},
	}
}

// NewInvalidRequestError creates a validation error for a single field
func NewInvalidRequestError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInvalidRequest,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidRequest,
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewDuplicateCredentialError is returned when a refresh token is already pooled
func NewDuplicateCredentialError(existingID uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInvalidRequest,
		StatusCode: http.StatusConflict,
		Code:       CodeDuplicateCredential,
		Message:    fmt.Sprintf("credential already exists with id %d", existingID),
		Details: map[string]interface{}{
			"existingId": existingID,
		},
	}
}

// NewPoolExhaustedError creates a no-enabled-credential error
func NewPoolExhaustedError(total int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPoolExhausted,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodePoolExhausted,
		Message:    fmt.Sprintf("no enabled credential available (%d total)", total),
		Details: map[string]interface{}{
			"total": total,
		},
	}
}

// NewRefreshFailedError creates a token exchange failure
func NewRefreshFailedError(id uint64, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRefreshFailed,
		StatusCode: http.StatusBadGateway,
		Code:       CodeRefreshFailed,
		Message:    fmt.Sprintf("token refresh failed for credential %d", id),
		Cause:      cause,
		Details: map[string]interface{}{
			"id": id,
		},
	}
}

// NewUpstreamError creates an upstream query failure
func NewUpstreamError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusBadGateway,
		Code:       CodeUpstream,
		Message:    fmt.Sprintf("upstream error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewStorageError creates a persistence failure
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorage,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeStorage,
		Message:    fmt.Sprintf("storage error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError maps a ServiceError code back to its category
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	out := &CategorizedError{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
	switch err.Code {
	case CodeNotFound:
		out.Category, out.StatusCode = CategoryNotFound, http.StatusNotFound
	case CodeInvalidRequest:
		out.Category, out.StatusCode = CategoryInvalidRequest, http.StatusBadRequest
	case CodeDuplicateCredential:
		out.Category, out.StatusCode = CategoryInvalidRequest, http.StatusConflict
	case CodePoolExhausted:
		out.Category, out.StatusCode = CategoryPoolExhausted, http.StatusServiceUnavailable
	case CodeRefreshFailed:
		out.Category, out.StatusCode = CategoryRefreshFailed, http.StatusBadGateway
	case CodeUpstream:
		out.Category, out.StatusCode = CategoryUpstream, http.StatusBadGateway
	default:
		out.Category, out.StatusCode = CategorySystem, http.StatusInternalServerError
	}
	return out
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code string) bool {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Code == code
	}
	return false
}

func hasCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Category == category
	}
	return false
}

// IsNotFound reports whether err is an unknown credential error
func IsNotFound(err error) bool { return hasCategory(err, CategoryNotFound) }

// IsInvalidRequest reports whether err is a validation error
func IsInvalidRequest(err error) bool { return hasCategory(err, CategoryInvalidRequest) }

// IsPoolExhausted reports whether err means no enabled credential exists
func IsPoolExhausted(err error) bool { return hasCategory(err, CategoryPoolExhausted) }

// IsRefreshFailed reports whether err is a token exchange failure
func IsRefreshFailed(err error) bool { return hasCategory(err, CategoryRefreshFailed) }

// IsUpstream reports whether err is an upstream query failure
func IsUpstream(err error) bool { return hasCategory(err, CategoryUpstream) }

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether the caller may retry the operation.
// A RefreshFailed caller retries through the next acquire.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryRefreshFailed, CategoryUpstream, CategoryStorage:
		return true
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
