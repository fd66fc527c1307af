package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequest  = errors.New("invalid_payout_request")
	ErrPayoutCancelled = errors.New("payout_cancelled")
	ErrNotVerified     = errors.New("payout_not_verified")
	ErrPayoutMismatch  = errors.New("payout_mismatch")
)

// ReleaseRequest pays a worker for a task. PaymentID carries a payout created by an
// earlier attempt; the dispatcher resumes it instead of creating another one.
type ReleaseRequest struct {
	TaskID       string
	EscrowID     string
	RecipientUID string
	Amount       decimal.Decimal
	Memo         string
	PaymentID    string

	// OnCreated records a new payout before it is submitted.
	OnCreated func(ctx context.Context, paymentID string) error
}

type Result struct {
	PaymentID string `json:"payment_id"`
	TxID      string `json:"txid"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req ReleaseRequest) (Result, error)
}
