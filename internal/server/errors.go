package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	escrowdomain "github.com/smallbiznis/escrowd/internal/escrow/domain"
	handshakedomain "github.com/smallbiznis/escrowd/internal/handshake/domain"
	identitydomain "github.com/smallbiznis/escrowd/internal/identity/domain"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	payoutdomain "github.com/smallbiznis/escrowd/internal/payout/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
	ErrUnavailable    = errors.New("service_unavailable")
)

// domainErrors maps domain sentinels to a status. The sentinel text is the error type the
// client sees; first match wins.
var domainErrors = []struct {
	err    error
	status int
}{
	{ErrInvalidRequest, http.StatusBadRequest},
	{handshakedomain.ErrInvalidRequest, http.StatusBadRequest},
	{escrowdomain.ErrInvalidRequest, http.StatusBadRequest},
	{identitydomain.ErrInvalidRequest, http.StatusBadRequest},
	{payoutdomain.ErrInvalidRequest, http.StatusBadRequest},
	{paymentdomain.ErrInvalidRequest, http.StatusBadRequest},

	{identitydomain.ErrInvalidToken, http.StatusUnauthorized},
	{paymentdomain.ErrUnauthorized, http.StatusUnauthorized},

	{escrowdomain.ErrNotTaskCreator, http.StatusForbidden},

	{ErrNotFound, http.StatusNotFound},
	{escrowdomain.ErrNotFound, http.StatusNotFound},
	{escrowdomain.ErrTaskNotFound, http.StatusNotFound},
	{escrowdomain.ErrBidNotFound, http.StatusNotFound},
	{handshakedomain.ErrFlowNotFound, http.StatusNotFound},
	{paymentdomain.ErrNotFound, http.StatusNotFound},

	{handshakedomain.ErrAlreadyInProgress, http.StatusConflict},
	{handshakedomain.ErrFlowResolved, http.StatusConflict},
	{handshakedomain.ErrUserCancelled, http.StatusConflict},
	{handshakedomain.ErrConsentDenied, http.StatusConflict},
	{escrowdomain.ErrConflict, http.StatusConflict},
	{escrowdomain.ErrStaleTaskState, http.StatusConflict},
	{escrowdomain.ErrInvalidTransition, http.StatusConflict},
	{escrowdomain.ErrReleaseInProgress, http.StatusConflict},
	{escrowdomain.ErrSubmissionNotApproved, http.StatusConflict},
	{payoutdomain.ErrPayoutCancelled, http.StatusConflict},
	{paymentdomain.ErrConflict, http.StatusConflict},
	{paymentdomain.ErrUnexpectedPaymentStatus, http.StatusConflict},

	{handshakedomain.ErrAmountMismatch, http.StatusUnprocessableEntity},
	{handshakedomain.ErrUnexpectedPayment, http.StatusUnprocessableEntity},
	{escrowdomain.ErrAmountMismatch, http.StatusUnprocessableEntity},
	{escrowdomain.ErrPaymentNotVerified, http.StatusUnprocessableEntity},
	{payoutdomain.ErrPayoutMismatch, http.StatusUnprocessableEntity},

	{ErrRateLimited, http.StatusTooManyRequests},

	{paymentdomain.ErrNetwork, http.StatusBadGateway},
	{payoutdomain.ErrNotVerified, http.StatusBadGateway},
	{ErrUnavailable, http.StatusServiceUnavailable},
	{handshakedomain.ErrTimeout, http.StatusGatewayTimeout},
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
	}

	for _, known := range domainErrors {
		if errors.Is(err, known.err) {
			return known.status, errorPayload{
				Type:    known.err.Error(),
				Message: err.Error(),
			}
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog returns the error type and code recorded by the request logger.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server", payload.Type
	default:
		return "client", payload.Type
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}
