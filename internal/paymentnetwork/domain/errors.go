package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("payment_not_found")
	ErrConflict                = errors.New("payment_conflict")
	ErrNetwork                 = errors.New("network_error")
	ErrUnauthorized            = errors.New("invalid_access_token")
	ErrUnexpectedPaymentStatus = errors.New("unexpected_payment_status")
	ErrInvalidRequest          = errors.New("invalid_request")
	ErrInvalidConfig           = errors.New("invalid_config")
)

// APIError is a non-retriable rejection reported by the payment network.
// It unwraps to the sentinel matching its status code.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	kind       error
}

func NewAPIError(status int, code, message string, kind error) *APIError {
	return &APIError{StatusCode: status, Code: code, Message: message, kind: kind}
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("payment network returned %d", e.StatusCode)
	}
	return fmt.Sprintf("payment network returned %d: %s", e.StatusCode, e.Code)
}

func (e *APIError) Unwrap() error {
	return e.kind
}
