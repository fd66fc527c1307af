package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, flow *Flow) error
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Flow, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*Flow, error)
	// BindPayment attaches a payment id to a pending flow. It reports false when the flow is
	// resolved or already bound to another payment.
	BindPayment(ctx context.Context, db *gorm.DB, id, paymentID string, at time.Time) (bool, error)
	// Resolve moves a pending flow to its terminal status and reports whether it did.
	Resolve(ctx context.Context, db *gorm.DB, res Resolution) (bool, error)
	RecordSettlement(ctx context.Context, db *gorm.DB, s Settlement) error
	MarkReconciled(ctx context.Context, db *gorm.DB, id string, at time.Time) error
	ListDangling(ctx context.Context, db *gorm.DB, actorUID string, limit int) ([]Flow, error)
	ListStale(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Flow, error)
}
