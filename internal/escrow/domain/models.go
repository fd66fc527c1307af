package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	// StatusVoided closes a pending escrow whose funding payment ended without completing.
	StatusVoided Status = "voided"
)

type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskDisputed   TaskStatus = "disputed"
)

type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

// Escrow holds a task's funds between funding and release. Amount is written at creation
// and never updated.
type Escrow struct {
	ID               snowflake.ID    `json:"id" gorm:"column:id;primaryKey"`
	TaskID           string          `json:"task_id" gorm:"column:task_id"`
	BidID            string          `json:"bid_id,omitempty" gorm:"column:bid_id"`
	Amount           decimal.Decimal `json:"amount" gorm:"column:amount"`
	PaymentID        string          `json:"payment_id" gorm:"column:payment_id"`
	TxID             string          `json:"txid,omitempty" gorm:"column:txid"`
	Status           Status          `json:"status" gorm:"column:status"`
	ReleasePaymentID string          `json:"release_payment_id,omitempty" gorm:"column:release_payment_id"`
	ReleaseTxID      string          `json:"release_txid,omitempty" gorm:"column:release_txid"`
	FundedAt         *time.Time      `json:"funded_at,omitempty" gorm:"column:funded_at"`
	ReleasedAt       *time.Time      `json:"released_at,omitempty" gorm:"column:released_at"`
	VoidedAt         *time.Time      `json:"voided_at,omitempty" gorm:"column:voided_at"`
	CreatedAt        time.Time       `json:"created_at" gorm:"column:created_at"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"column:updated_at"`
}

func (Escrow) TableName() string { return "escrow_payments" }

type Task struct {
	ID        string     `json:"id" gorm:"column:id"`
	CreatorID string     `json:"creator_id" gorm:"column:creator_id"`
	Title     string     `json:"title" gorm:"column:title"`
	Status    TaskStatus `json:"status" gorm:"column:status"`
}

type Bid struct {
	ID        string          `json:"id" gorm:"column:id"`
	TaskID    string          `json:"task_id" gorm:"column:task_id"`
	BidderID  string          `json:"bidder_id" gorm:"column:bidder_id"`
	Amount    decimal.Decimal `json:"amount" gorm:"column:amount"`
	Status    BidStatus       `json:"status" gorm:"column:status"`
	UpdatedAt time.Time       `json:"updated_at" gorm:"column:updated_at"`
}

type CreateRequest struct {
	TaskID    string
	BidID     string
	Amount    decimal.Decimal
	PaymentID string
}

// FundingRequest asks the task creator's wallet to pay the accepted bid into escrow.
type FundingRequest struct {
	TaskID   string
	BidID    string
	ActorUID string
}
