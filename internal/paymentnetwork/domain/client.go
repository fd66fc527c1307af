package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Client wraps the payment network API. Every call carries the server API key.
type Client interface {
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	// ApprovePayment treats an already-approved payment as success.
	ApprovePayment(ctx context.Context, paymentID string) (Payment, error)
	// CompletePayment fails with ErrConflict when expected is set and differs
	// from the amount the network recorded.
	CompletePayment(ctx context.Context, paymentID, txid string, expected decimal.NullDecimal) (Payment, error)
	CancelPayment(ctx context.Context, paymentID string) (Payment, error)
	CreateA2UPayment(ctx context.Context, req A2URequest) (string, error)
	SubmitPayment(ctx context.Context, paymentID string) (string, error)
	IncompleteServerPayments(ctx context.Context) ([]Payment, error)
	VerifyUser(ctx context.Context, accessToken string) (User, error)
}

// Signer broadcasts A2U transfers. It is the only holder of the wallet seed.
type Signer interface {
	Address() string
	SubmitTransfer(ctx context.Context, req TransferRequest) (string, error)
}
