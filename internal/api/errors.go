package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
)

// ErrBadRequest marks malformed request bodies and path parameters.
var ErrBadRequest = errors.New("BAD_REQUEST")

// APIError represents an API-layer error with HTTP status code.
type APIError struct {
	Code       string
	Message    string
	Details    interface{}
	StatusCode int
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// badRequest builds a BAD_REQUEST error.
func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// ToAPIError maps domain errors to codes and HTTP statuses.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, ErrBadRequest) {
		return &APIError{Code: "BAD_REQUEST", Message: err.Error(), StatusCode: http.StatusBadRequest}
	}

	var details interface{}
	var te *lifecycle.TransitionError
	if errors.As(err, &te) {
		details = map[string]string{"operation": te.Op, "state": te.State.String()}
	}

	code := lifecycle.Code(err)
	switch code {
	case lifecycle.CodeOutOfRange:
		return &APIError{Code: code, Message: err.Error(), StatusCode: http.StatusBadRequest}
	case lifecycle.CodeInvalidState:
		return &APIError{Code: code, Message: err.Error(), Details: details, StatusCode: http.StatusConflict}
	case lifecycle.CodeTimeout:
		return &APIError{Code: code, Message: "Daemon did not reply in time; its state is unknown", StatusCode: http.StatusGatewayTimeout,
			Details: map[string]string{"original": err.Error()}}
	case lifecycle.CodeUnavailable:
		return &APIError{Code: code, Message: err.Error(), StatusCode: http.StatusServiceUnavailable}
	case lifecycle.CodeLaunchFailed:
		return &APIError{Code: code, Message: err.Error(), StatusCode: http.StatusInternalServerError}
	case lifecycle.CodeCanceled:
		return &APIError{Code: "UNAVAILABLE", Message: err.Error(), StatusCode: http.StatusServiceUnavailable}
	default:
		return &APIError{Code: "INTERNAL", Message: "Internal server error", StatusCode: http.StatusInternalServerError,
			Details: map[string]string{"original": err.Error()}}
	}
}
