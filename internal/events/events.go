package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypeEscrowCreated  = "escrow.created"
	TypeEscrowFunded   = "escrow.funded"
	TypeEscrowReleased = "escrow.released"
	TypeEscrowRefunded = "escrow.refunded"
	TypeEscrowVoided   = "escrow.voided"
)

// EscrowEvent is published after an escrow transition commits. Consumers key on TaskID.
type EscrowEvent struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	EscrowID         string          `json:"escrow_id"`
	TaskID           string          `json:"task_id"`
	BidID            string          `json:"bid_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Status           string          `json:"status"`
	PaymentID        string          `json:"payment_id,omitempty"`
	TxID             string          `json:"txid,omitempty"`
	ReleasePaymentID string          `json:"release_payment_id,omitempty"`
	ReleaseTxID      string          `json:"release_txid,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

type Publisher interface {
	PublishEscrow(ctx context.Context, event EscrowEvent) error
}

type noopPublisher struct{}

func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

func (noopPublisher) PublishEscrow(context.Context, EscrowEvent) error {
	return nil
}
