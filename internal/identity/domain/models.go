package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/escrowd/internal/reconciler"
	"gorm.io/gorm"
)

var (
	ErrInvalidToken   = errors.New("invalid_access_token")
	ErrInvalidRequest = errors.New("invalid_request")
)

type Profile struct {
	ID            string    `json:"id" gorm:"column:id"`
	PiUID         string    `json:"uid" gorm:"column:pi_uid"`
	Username      string    `json:"username" gorm:"column:username"`
	WalletAddress string    `json:"wallet_address,omitempty" gorm:"column:wallet_address"`
	CreatedAt     time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"column:updated_at"`
}

type AuthRequest struct {
	AccessToken          string
	IncompletePaymentIDs []string
}

type AuthResult struct {
	Profile        Profile           `json:"profile"`
	Reconciliation reconciler.Report `json:"reconciliation"`
}

type Repository interface {
	FindByPiUID(ctx context.Context, db *gorm.DB, piUID string) (*Profile, error)
	Insert(ctx context.Context, db *gorm.DB, profile *Profile) error
	UpdateUsername(ctx context.Context, db *gorm.DB, id, username string, at time.Time) error
}

type Service interface {
	Authenticate(ctx context.Context, req AuthRequest) (AuthResult, error)
}

// Reconciler resolves the user's dangling payments while holding their payment lock.
type Reconciler interface {
	ReconcileLocked(ctx context.Context, actorUID string, reported []string) (reconciler.Report, error)
}
