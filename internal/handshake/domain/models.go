package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type FlowStatus string

const (
	FlowStatusPending   FlowStatus = "pending"
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusFailed    FlowStatus = "failed"
)

// Flow is the durable record of one handshake. Status is written once when the flow
// resolves. SettledAt and TxID record the network's completion, which can arrive after a
// flow already failed; a settled flow is the evidence the escrow ledger requires before it
// marks a payment funded.
type Flow struct {
	ID           string            `gorm:"column:id;primaryKey" json:"flow_id"`
	ActorUID     string            `gorm:"column:actor_uid" json:"uid"`
	PaymentType  string            `gorm:"column:payment_type" json:"payment_type"`
	Amount       decimal.Decimal   `gorm:"column:amount" json:"amount"`
	Memo         string            `gorm:"column:memo" json:"memo"`
	Metadata     datatypes.JSONMap `gorm:"column:metadata" json:"metadata"`
	PaymentID    string            `gorm:"column:payment_id" json:"payment_id,omitempty"`
	TxID         string            `gorm:"column:txid" json:"txid,omitempty"`
	Status       FlowStatus        `gorm:"column:status" json:"status"`
	FailureCode  string            `gorm:"column:failure_code" json:"error,omitempty"`
	ExpiresAt    time.Time         `gorm:"column:expires_at" json:"expires_at"`
	ResolvedAt   *time.Time        `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	SettledAt    *time.Time        `gorm:"column:settled_at" json:"settled_at,omitempty"`
	ReconciledAt *time.Time        `gorm:"column:reconciled_at" json:"-"`
	CreatedAt    time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (f Flow) Settled() bool {
	return f.SettledAt != nil && f.TxID != ""
}

func (f Flow) MetadataString(key string) string {
	if f.Metadata == nil {
		return ""
	}
	if v, ok := f.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Outcome is the single resolution of a flow.
type Outcome struct {
	FlowID    string     `json:"flow_id"`
	Status    FlowStatus `json:"status"`
	PaymentID string     `json:"payment_id,omitempty"`
	TxID      string     `json:"txid,omitempty"`
	Code      string     `json:"error,omitempty"`
	Err       error      `json:"-"`
}

func (o Outcome) Resolved() bool {
	return o.Status == FlowStatusCompleted || o.Status == FlowStatusFailed
}

// OutcomeFromFlow rebuilds the outcome of a persisted flow.
func OutcomeFromFlow(f Flow) Outcome {
	out := Outcome{
		FlowID:    f.ID,
		Status:    f.Status,
		PaymentID: f.PaymentID,
		TxID:      f.TxID,
		Code:      f.FailureCode,
	}
	if f.Status == FlowStatusFailed {
		out.Err = ErrorForCode(f.FailureCode)
	}
	return out
}

type CreateRequest struct {
	ActorUID string
	Amount   decimal.Decimal
	Memo     string
	Metadata map[string]any
}

// Settlement records a payment the network reports as completed. A pending flow is
// resolved completed by it; a resolved flow keeps its outcome.
type Settlement struct {
	FlowID      string
	ActorUID    string
	PaymentType string
	PaymentID   string
	TxID        string
	Amount      decimal.Decimal
	Memo        string
	Metadata    map[string]any
	At          time.Time
}

type Resolution struct {
	FlowID      string
	Status      FlowStatus
	PaymentID   string
	TxID        string
	FailureCode string
	At          time.Time
}
