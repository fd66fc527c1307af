package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Lifecycle is the single local view of a payment, derived once from the
// network's flag vector when the payment is decoded.
type Lifecycle string

const (
	LifecycleCreated   Lifecycle = "created"
	LifecycleApproved  Lifecycle = "approved"
	LifecycleBroadcast Lifecycle = "broadcast"
	LifecycleCompleted Lifecycle = "completed"
	LifecycleCancelled Lifecycle = "cancelled"
	LifecycleExpired   Lifecycle = "expired"
)

func (l Lifecycle) Terminal() bool {
	switch l {
	case LifecycleCompleted, LifecycleCancelled, LifecycleExpired:
		return true
	default:
		return false
	}
}

type PaymentType string

const (
	PaymentTypeTask        PaymentType = "task_payment"
	PaymentTypeTaskRelease PaymentType = "task_payment_release"
	PaymentTypeTest        PaymentType = "test_payment"
)

const (
	MetadataType      = "type"
	MetadataTaskID    = "taskId"
	MetadataBidID     = "bidId"
	MetadataTimestamp = "timestamp"
)

const DirectionAppToUser = "app_to_user"

type Status struct {
	DeveloperApproved   bool `json:"developer_approved"`
	TransactionVerified bool `json:"transaction_verified"`
	DeveloperCompleted  bool `json:"developer_completed"`
	Cancelled           bool `json:"cancelled"`
	UserCancelled       bool `json:"user_cancelled"`
}

type Transaction struct {
	TxID     string `json:"txid"`
	Verified bool   `json:"verified"`
	Link     string `json:"_link,omitempty"`
}

type Payment struct {
	Identifier  string          `json:"identifier"`
	UserUID     string          `json:"user_uid"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        string          `json:"memo"`
	Metadata    map[string]any  `json:"metadata"`
	FromAddress string          `json:"from_address"`
	ToAddress   string          `json:"to_address"`
	Direction   string          `json:"direction"`
	Network     string          `json:"network"`
	CreatedAt   string          `json:"created_at"`
	Status      Status          `json:"status"`
	Transaction *Transaction    `json:"transaction"`
	Lifecycle   Lifecycle       `json:"lifecycle"`
}

// DeriveLifecycle collapses the status flags into one state. Precedence runs from
// the most settled fact down: completion, then cancellation, then broadcast.
// A network-side cancellation of a payment nobody approved or broadcast is an expiry.
func DeriveLifecycle(s Status, tx *Transaction) Lifecycle {
	broadcast := tx != nil && strings.TrimSpace(tx.TxID) != ""
	switch {
	case s.DeveloperCompleted:
		return LifecycleCompleted
	case s.UserCancelled:
		return LifecycleCancelled
	case s.Cancelled && !s.DeveloperApproved && !broadcast:
		return LifecycleExpired
	case s.Cancelled:
		return LifecycleCancelled
	case broadcast:
		return LifecycleBroadcast
	case s.DeveloperApproved:
		return LifecycleApproved
	default:
		return LifecycleCreated
	}
}

// Normalize recomputes Lifecycle from the raw flags.
func (p *Payment) Normalize() {
	p.Lifecycle = DeriveLifecycle(p.Status, p.Transaction)
}

func (p Payment) TxID() string {
	if p.Transaction == nil {
		return ""
	}
	return strings.TrimSpace(p.Transaction.TxID)
}

// Settled is true once the network recorded developer completion over a verified transaction.
func (p Payment) Settled() bool {
	return p.Status.DeveloperCompleted && p.Transaction != nil && p.Transaction.Verified
}

func (p Payment) Type() PaymentType {
	return PaymentType(p.MetadataString(MetadataType))
}

func (p Payment) TaskID() string {
	return p.MetadataString(MetadataTaskID)
}

func (p Payment) MetadataString(key string) string {
	if p.Metadata == nil {
		return ""
	}
	switch v := p.Metadata[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

type User struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
}

type A2URequest struct {
	Amount       decimal.Decimal
	RecipientUID string
	Memo         string
	Metadata     map[string]any
}

// TransferRequest is what a Signer needs to broadcast an A2U payment on chain.
type TransferRequest struct {
	PaymentID   string
	FromAddress string
	ToAddress   string
	Network     string
	Amount      decimal.Decimal
}
