package domain

import (
	"errors"

	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
)

var (
	ErrAlreadyInProgress = errors.New("payment_already_in_progress")
	ErrAmountMismatch    = errors.New("amount_mismatch")
	ErrUnexpectedPayment = errors.New("unexpected_payment")
	ErrUserCancelled     = errors.New("user_cancelled")
	ErrConsentDenied     = errors.New("consent_denied")
	ErrTimeout           = errors.New("payment_timeout")
	ErrFlowNotFound      = errors.New("flow_not_found")
	ErrFlowResolved      = errors.New("flow_already_resolved")
	ErrInvalidRequest    = errors.New("invalid_request")

	ErrNetwork = paymentdomain.ErrNetwork
)

var classified = []error{
	ErrAlreadyInProgress,
	ErrAmountMismatch,
	ErrUnexpectedPayment,
	ErrUserCancelled,
	ErrConsentDenied,
	ErrTimeout,
	ErrNetwork,
	paymentdomain.ErrConflict,
	paymentdomain.ErrUnexpectedPaymentStatus,
}

// FailureCode is the terse user-visible code for a flow failure.
func FailureCode(err error) string {
	if err == nil {
		return ""
	}
	for _, target := range classified {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "payment_failed"
}

func ErrorForCode(code string) error {
	for _, target := range classified {
		if target.Error() == code {
			return target
		}
	}
	if code == "" {
		return nil
	}
	return errors.New(code)
}

// ErrorForKind maps a wallet-reported error kind to its sentinel.
func ErrorForKind(kind string) (error, bool) {
	switch kind {
	case "user_cancelled", "cancelled":
		return ErrUserCancelled, true
	case "consent_denied":
		return ErrConsentDenied, true
	case "network", "network_error":
		return ErrNetwork, true
	default:
		return nil, false
	}
}
