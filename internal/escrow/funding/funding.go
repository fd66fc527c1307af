// Package funding connects escrow funding to the payment handshake: the escrow is created
// after the payment amount is verified and before it is approved, marked funded once the
// payment completes, and voided when the payment fails instead.
package funding

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/escrow/domain"
	handshakedomain "github.com/smallbiznis/escrowd/internal/handshake/domain"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type HooksParams struct {
	fx.In

	Log    *zap.Logger
	Escrow domain.Service
}

type Hooks struct {
	log    *zap.Logger
	escrow domain.Service
}

func NewHooks(p HooksParams) handshakedomain.Hooks {
	return &Hooks{log: p.Log.Named("escrow.funding"), escrow: p.Escrow}
}

func (h *Hooks) BeforeApprove(ctx context.Context, flow handshakedomain.Flow, payment paymentdomain.Payment) error {
	if flow.PaymentType != string(paymentdomain.PaymentTypeTask) {
		return nil
	}
	taskID := flow.MetadataString(paymentdomain.MetadataTaskID)
	if taskID == "" {
		return fmt.Errorf("%w: task payment without task id", handshakedomain.ErrUnexpectedPayment)
	}
	if payment.TaskID() != taskID {
		return fmt.Errorf("%w: payment is for task %q", handshakedomain.ErrUnexpectedPayment, payment.TaskID())
	}
	// The flow amount was already checked against the payment; the ledger keeps the flow's.
	_, err := h.escrow.Create(ctx, domain.CreateRequest{
		TaskID:    taskID,
		BidID:     flow.MetadataString(paymentdomain.MetadataBidID),
		Amount:    flow.Amount,
		PaymentID: payment.Identifier,
	})
	return err
}

func (h *Hooks) AfterComplete(ctx context.Context, flow handshakedomain.Flow) error {
	if flow.PaymentType != string(paymentdomain.PaymentTypeTask) {
		return nil
	}
	escrow, err := h.escrow.SyncFunding(ctx, flow)
	if err != nil {
		return err
	}
	h.log.Info("escrow funding synced",
		zap.String("escrow_id", escrow.ID.String()),
		zap.String("status", string(escrow.Status)),
		zap.String("payment_id", flow.PaymentID),
	)
	return nil
}

// AfterFail voids the pending escrow of a funding payment that will not complete, so the
// creator can fund the task again.
func (h *Hooks) AfterFail(ctx context.Context, flow handshakedomain.Flow) error {
	if flow.PaymentType != string(paymentdomain.PaymentTypeTask) {
		return nil
	}
	escrow, voided, err := h.escrow.VoidFunding(ctx, flow.PaymentID)
	if err != nil {
		return err
	}
	if voided {
		h.log.Info("escrow funding abandoned",
			zap.String("escrow_id", escrow.ID.String()),
			zap.String("payment_id", flow.PaymentID),
			zap.String("code", flow.FailureCode),
		)
	}
	return nil
}

type StarterParams struct {
	fx.In

	DB        *gorm.DB
	Clock     clock.Clock
	Repo      domain.Repository
	Escrow    domain.Service
	Handshake handshakedomain.Service
}

// Starter opens the handshake that pays an accepted bid into escrow.
type Starter struct {
	db        *gorm.DB
	clock     clock.Clock
	repo      domain.Repository
	escrow    domain.Service
	handshake handshakedomain.Service
}

func NewStarter(p StarterParams) *Starter {
	return &Starter{
		db:        p.DB,
		clock:     p.Clock,
		repo:      p.Repo,
		escrow:    p.Escrow,
		handshake: p.Handshake,
	}
}

func (s *Starter) StartFunding(ctx context.Context, req domain.FundingRequest) (handshakedomain.Flow, error) {
	req.TaskID = strings.TrimSpace(req.TaskID)
	req.BidID = strings.TrimSpace(req.BidID)
	req.ActorUID = strings.TrimSpace(req.ActorUID)
	if req.TaskID == "" || req.ActorUID == "" {
		return handshakedomain.Flow{}, domain.ErrInvalidRequest
	}

	task, err := s.repo.FindTask(ctx, s.db, req.TaskID)
	if err != nil {
		return handshakedomain.Flow{}, err
	}
	if task == nil {
		return handshakedomain.Flow{}, domain.ErrTaskNotFound
	}
	creatorUID, err := s.repo.ProfileUID(ctx, s.db, task.CreatorID)
	if err != nil {
		return handshakedomain.Flow{}, err
	}
	if creatorUID == "" || creatorUID != req.ActorUID {
		return handshakedomain.Flow{}, domain.ErrNotTaskCreator
	}
	if task.Status != domain.TaskOpen {
		return handshakedomain.Flow{}, fmt.Errorf("%w: task is %s", domain.ErrConflict, task.Status)
	}

	bid, err := s.repo.FindAcceptedBid(ctx, s.db, req.TaskID)
	if err != nil {
		return handshakedomain.Flow{}, err
	}
	if bid == nil || (req.BidID != "" && bid.ID != req.BidID) {
		return handshakedomain.Flow{}, fmt.Errorf("%w: no accepted bid to fund", domain.ErrBidNotFound)
	}

	existing, err := s.escrow.GetByTask(ctx, req.TaskID)
	switch {
	case err == nil:
		return handshakedomain.Flow{}, fmt.Errorf("%w: task already has escrow %s", domain.ErrConflict, existing.ID)
	case !errors.Is(err, domain.ErrNotFound):
		return handshakedomain.Flow{}, err
	}

	return s.handshake.Start(ctx, handshakedomain.CreateRequest{
		ActorUID: req.ActorUID,
		Amount:   bid.Amount,
		Memo:     "Escrow for task: " + task.Title,
		Metadata: map[string]any{
			paymentdomain.MetadataType:      string(paymentdomain.PaymentTypeTask),
			paymentdomain.MetadataTaskID:    task.ID,
			paymentdomain.MetadataBidID:     bid.ID,
			paymentdomain.MetadataTimestamp: strconv.FormatInt(s.clock.Now().UnixMilli(), 10),
		},
	})
}
