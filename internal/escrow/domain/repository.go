package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, escrow *Escrow) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Escrow, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*Escrow, error)
	FindActiveByTask(ctx context.Context, db *gorm.DB, taskID string) (*Escrow, error)
	MarkFunded(ctx context.Context, db *gorm.DB, id snowflake.ID, txid string, at time.Time) (bool, error)
	SetReleasePayment(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentID string, at time.Time) (bool, error)
	ClearReleasePayment(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentID string, at time.Time) error
	MarkReleased(ctx context.Context, db *gorm.DB, id snowflake.ID, txid string, at time.Time) (bool, error)
	MarkRefunded(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	VoidPending(ctx context.Context, db *gorm.DB, paymentID string, at time.Time) (bool, error)
	Revive(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)

	FindTask(ctx context.Context, db *gorm.DB, taskID string) (*Task, error)
	CompareAndSetTaskStatus(ctx context.Context, db *gorm.DB, taskID string, from, to TaskStatus, at time.Time) (bool, error)
	FindBid(ctx context.Context, db *gorm.DB, bidID string) (*Bid, error)
	FindAcceptedBid(ctx context.Context, db *gorm.DB, taskID string) (*Bid, error)
	AcceptBid(ctx context.Context, db *gorm.DB, taskID, bidID string, at time.Time) (bool, error)
	RejectOtherBids(ctx context.Context, db *gorm.DB, taskID, acceptedBidID string, at time.Time) (int64, error)
	HasApprovedSubmission(ctx context.Context, db *gorm.DB, taskID string) (bool, error)
	ProfileUID(ctx context.Context, db *gorm.DB, profileID string) (string, error)
}
