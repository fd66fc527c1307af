package domain

import (
	"context"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
)

type PaymentData struct {
	FlowID   string
	Amount   decimal.Decimal
	Memo     string
	Metadata map[string]any
}

// Callbacks are the continuations a wallet invokes as the user moves through the payment.
// Each may fire any number of times; only the first resolution of the flow counts.
type Callbacks struct {
	ReadyForApproval   func(ctx context.Context, paymentID string) error
	ReadyForCompletion func(ctx context.Context, paymentID, txid string) error
	Terminated         func(ctx context.Context, paymentID string, cause error) error
}

// WalletClient is the client-side wallet integration that creates the payment.
type WalletClient interface {
	CreatePayment(ctx context.Context, data PaymentData, callbacks Callbacks) error
	Detach(flowID string)
}

// Hooks let the ledger take part in a flow without the controller knowing about escrows.
type Hooks interface {
	// BeforeApprove runs after the amount check and before the network approval.
	// An error fails the flow and approval is not sent.
	BeforeApprove(ctx context.Context, flow Flow, payment paymentdomain.Payment) error
	// AfterComplete runs once the completed flow is persisted.
	AfterComplete(ctx context.Context, flow Flow) error
	// AfterFail runs once a failed flow that had bound a payment is persisted, before the
	// actor's payment lock is released.
	AfterFail(ctx context.Context, flow Flow) error
}

// Preflight runs before a new payment is created for an actor, with the actor lock held.
type Preflight interface {
	ReconcileActor(ctx context.Context, actorUID string, reported []string)
}
