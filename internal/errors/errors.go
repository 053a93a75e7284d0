package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmailPasswordRequired is returned when email or password is empty.
	ErrEmailPasswordRequired = errors.New("email and password are required")
	// ErrUserExists is returned when registering an already-known email.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials is returned when email or password is incorrect.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidToken is returned when a bearer token fails verification.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrNotFound is returned when a record is missing or not owned by the caller.
	ErrNotFound = errors.New("not found")
	// ErrAnalyzeNotConfigured is returned when ML_ANALYZE_URL is unset.
	ErrAnalyzeNotConfigured = errors.New("analyze endpoint is not configured")
)

// UpstreamError carries a structured error reported by the inference service.
// The upstream detail is preserved verbatim to aid debugging.
type UpstreamError struct {
	StatusCode int
	Detail     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("ml service error: %s", e.Detail)
}

// ErrorResponse represents a standardized error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError creates a new HTTP error.
func NewHTTPError(statusCode int, message, code string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
		Code:       code,
	}
}

// ToErrorResponse converts an HTTPError to ErrorResponse.
func (e *HTTPError) ToErrorResponse() ErrorResponse {
	return ErrorResponse{
		Error: e.Message,
		Code:  e.Code,
	}
}

// MapErrorToHTTP maps domain errors to HTTP errors. Upstream structured
// errors become 400 with the upstream detail; anything unrecognized is a
// generic 500 so internals never leak to the client.
func MapErrorToHTTP(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return NewHTTPError(http.StatusBadRequest, upstream.Detail, "UPSTREAM_ERROR")
	}

	switch {
	case errors.Is(err, ErrEmailPasswordRequired):
		return NewHTTPError(http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case errors.Is(err, ErrUserExists):
		return NewHTTPError(http.StatusBadRequest, err.Error(), "USER_EXISTS")
	case errors.Is(err, ErrInvalidCredentials):
		return NewHTTPError(http.StatusUnauthorized, err.Error(), "INVALID_CREDENTIALS")
	case errors.Is(err, ErrInvalidToken):
		return NewHTTPError(http.StatusUnauthorized, err.Error(), "INVALID_TOKEN")
	case errors.Is(err, ErrNotFound):
		return NewHTTPError(http.StatusNotFound, ErrNotFound.Error(), "NOT_FOUND")
	case errors.Is(err, ErrAnalyzeNotConfigured):
		return NewHTTPError(http.StatusInternalServerError, err.Error(), "ANALYZE_NOT_CONFIGURED")
	default:
		return NewHTTPError(http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}
