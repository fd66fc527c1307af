package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/config"
	"github.com/smallbiznis/escrowd/internal/escrow/domain"
	"github.com/smallbiznis/escrowd/internal/events"
	handshakedomain "github.com/smallbiznis/escrowd/internal/handshake/domain"
	"github.com/smallbiznis/escrowd/internal/lock"
	obsmetrics "github.com/smallbiznis/escrowd/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	payoutdomain "github.com/smallbiznis/escrowd/internal/payout/domain"
	"github.com/smallbiznis/escrowd/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Flows      handshakedomain.Repository
	Dispatcher payoutdomain.Dispatcher
	Locker     lock.Locker
	Policy     *config.PaymentPolicyHolder
	Publisher  events.Publisher
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	flows      handshakedomain.Repository
	dispatcher payoutdomain.Dispatcher
	locker     lock.Locker
	policy     *config.PaymentPolicyHolder
	publisher  events.Publisher
	metrics    *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return NewService(p)
}

func NewService(p Params) *Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("escrow.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		flows:      p.Flows,
		dispatcher: p.Dispatcher,
		locker:     p.Locker,
		policy:     p.Policy,
		publisher:  publisher,
		metrics:    p.Metrics,
	}
}

func (s *Service) AcceptBid(ctx context.Context, taskID, bidID string) (domain.Bid, error) {
	taskID = strings.TrimSpace(taskID)
	bidID = strings.TrimSpace(bidID)
	if taskID == "" || bidID == "" {
		return domain.Bid{}, domain.ErrInvalidRequest
	}

	var accepted domain.Bid
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := s.repo.FindTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return domain.ErrTaskNotFound
		}
		bid, err := s.repo.FindBid(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if bid == nil || bid.TaskID != taskID {
			return domain.ErrBidNotFound
		}
		if bid.Status == domain.BidAccepted {
			accepted = *bid
			return nil
		}
		if task.Status != domain.TaskOpen || bid.Status != domain.BidPending {
			return domain.ErrInvalidTransition
		}

		now := s.clock.Now()
		ok, err := s.repo.AcceptBid(ctx, tx, taskID, bidID, now)
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				return fmt.Errorf("%w: task already has an accepted bid", domain.ErrConflict)
			}
			return err
		}
		if !ok {
			return domain.ErrInvalidTransition
		}
		rejected, err := s.repo.RejectOtherBids(ctx, tx, taskID, bidID, now)
		if err != nil {
			return err
		}
		s.log.Info("bid accepted",
			zap.String("task_id", taskID),
			zap.String("bid_id", bidID),
			zap.Int64("rejected_bids", rejected),
		)
		bid.Status = domain.BidAccepted
		bid.UpdatedAt = now
		accepted = *bid
		return nil
	})
	if err != nil {
		return domain.Bid{}, err
	}
	return accepted, nil
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (domain.Escrow, error) {
	req.TaskID = strings.TrimSpace(req.TaskID)
	req.BidID = strings.TrimSpace(req.BidID)
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	if req.TaskID == "" || req.PaymentID == "" {
		return domain.Escrow{}, fmt.Errorf("%w: task_id and payment_id are required", domain.ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return domain.Escrow{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	}

	var (
		escrow  domain.Escrow
		created bool
		revived bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByPaymentID(ctx, tx, req.PaymentID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.TaskID != req.TaskID || !existing.Amount.Equal(req.Amount) {
				return fmt.Errorf("%w: payment %s funds another escrow", domain.ErrConflict, req.PaymentID)
			}
			if existing.Status != domain.StatusVoided {
				escrow = *existing
				return nil
			}
		}

		task, err := s.repo.FindTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		if task == nil {
			return domain.ErrTaskNotFound
		}
		if task.Status != domain.TaskOpen {
			return fmt.Errorf("%w: task is %s", domain.ErrConflict, task.Status)
		}
		active, err := s.repo.FindActiveByTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: task already has escrow %s", domain.ErrConflict, active.ID)
		}

		bid, err := s.fundedBid(ctx, tx, req.TaskID, req.BidID)
		if err != nil {
			return err
		}
		if bid != nil {
			if !bid.Amount.Equal(req.Amount) {
				return fmt.Errorf("%w: bid is %s, payment is %s", domain.ErrAmountMismatch, bid.Amount.String(), req.Amount.String())
			}
			req.BidID = bid.ID
		}

		now := s.clock.Now()
		if existing != nil {
			// The payment id is unique, so a voided escrow is reopened rather than duplicated.
			ok, err := s.repo.Revive(ctx, tx, existing.ID, now)
			if err != nil {
				if db.IsDuplicateKeyErr(err) {
					return fmt.Errorf("%w: task already has an escrow", domain.ErrConflict)
				}
				return err
			}
			if !ok {
				return fmt.Errorf("%w: escrow %s changed while reopening", domain.ErrConflict, existing.ID)
			}
			escrow = *existing
			escrow.Status = domain.StatusPending
			escrow.VoidedAt = nil
			escrow.UpdatedAt = now
			revived = true
			return nil
		}
		escrow = domain.Escrow{
			ID:        s.genID.Generate(),
			TaskID:    req.TaskID,
			BidID:     req.BidID,
			Amount:    req.Amount,
			PaymentID: req.PaymentID,
			Status:    domain.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.Insert(ctx, tx, &escrow); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return fmt.Errorf("%w: task already has an escrow", domain.ErrConflict)
			}
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return domain.Escrow{}, err
	}

	if created {
		s.log.Info("escrow created",
			zap.String("escrow_id", escrow.ID.String()),
			zap.String("task_id", escrow.TaskID),
			zap.String("payment_id", escrow.PaymentID),
			zap.String("amount", escrow.Amount.String()),
		)
		s.metrics.RecordEscrowTransition(ctx, "", string(domain.StatusPending))
		s.publish(ctx, events.TypeEscrowCreated, escrow)
	}
	if revived {
		s.log.Info("voided escrow reopened by late payment",
			zap.String("escrow_id", escrow.ID.String()),
			zap.String("task_id", escrow.TaskID),
			zap.String("payment_id", escrow.PaymentID),
		)
		s.metrics.RecordEscrowTransition(ctx, string(domain.StatusVoided), string(domain.StatusPending))
		s.publish(ctx, events.TypeEscrowCreated, escrow)
	}
	return escrow, nil
}

// fundedBid resolves the bid an escrow is created for. Without an explicit bid the task's
// accepted bid is used when there is one.
func (s *Service) fundedBid(ctx context.Context, tx *gorm.DB, taskID, bidID string) (*domain.Bid, error) {
	if bidID == "" {
		return s.repo.FindAcceptedBid(ctx, tx, taskID)
	}
	bid, err := s.repo.FindBid(ctx, tx, bidID)
	if err != nil {
		return nil, err
	}
	if bid == nil || bid.TaskID != taskID {
		return nil, domain.ErrBidNotFound
	}
	if bid.Status != domain.BidAccepted {
		return nil, fmt.Errorf("%w: bid is %s", domain.ErrInvalidTransition, bid.Status)
	}
	return bid, nil
}

// MarkFunded moves a pending escrow to funded together with its task. The task
// compare-and-set runs first and decides concurrent callers: the loser sees
// ErrStaleTaskState and nothing is written.
func (s *Service) MarkFunded(ctx context.Context, id snowflake.ID, txid string) (domain.Escrow, error) {
	escrow, err := s.Get(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	switch escrow.Status {
	case domain.StatusReleased, domain.StatusRefunded, domain.StatusVoided:
		return domain.Escrow{}, fmt.Errorf("%w: escrow is %s", domain.ErrInvalidTransition, escrow.Status)
	}

	txid, err = s.verifyFunding(ctx, escrow, strings.TrimSpace(txid))
	if err != nil {
		return domain.Escrow{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		ok, err := s.repo.CompareAndSetTaskStatus(ctx, tx, escrow.TaskID, domain.TaskOpen, domain.TaskInProgress, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrStaleTaskState
		}
		ok, err = s.repo.MarkFunded(ctx, tx, escrow.ID, txid, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrStaleTaskState
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleTaskState) {
			s.log.Info("escrow funding lost task compare-and-set",
				zap.String("escrow_id", escrow.ID.String()),
				zap.String("task_id", escrow.TaskID),
			)
		}
		return domain.Escrow{}, err
	}

	funded, err := s.Get(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	s.log.Info("escrow funded",
		zap.String("escrow_id", funded.ID.String()),
		zap.String("task_id", funded.TaskID),
		zap.String("payment_id", funded.PaymentID),
		zap.String("txid", funded.TxID),
	)
	s.metrics.RecordEscrowTransition(ctx, string(domain.StatusPending), string(domain.StatusFunded))
	s.publish(ctx, events.TypeEscrowFunded, funded)
	return funded, nil
}

// verifyFunding requires a settled handshake for the escrow's payment carrying the
// escrow's amount. It returns the txid to record.
func (s *Service) verifyFunding(ctx context.Context, escrow domain.Escrow, txid string) (string, error) {
	flow, err := s.flows.FindByPaymentID(ctx, s.db, escrow.PaymentID)
	if err != nil {
		return "", err
	}
	if flow == nil || !flow.Settled() {
		return "", fmt.Errorf("%w: no completed payment %s", domain.ErrPaymentNotVerified, escrow.PaymentID)
	}
	if txid != "" && txid != flow.TxID {
		return "", fmt.Errorf("%w: txid does not match payment %s", domain.ErrPaymentNotVerified, escrow.PaymentID)
	}
	if !flow.Amount.Equal(escrow.Amount) {
		return "", fmt.Errorf("%w: payment carried %s", domain.ErrPaymentNotVerified, flow.Amount.String())
	}
	if taskID := flow.MetadataString(paymentdomain.MetadataTaskID); taskID != "" && taskID != escrow.TaskID {
		return "", fmt.Errorf("%w: payment is for task %s", domain.ErrPaymentNotVerified, taskID)
	}
	return flow.TxID, nil
}

func (s *Service) SyncFunding(ctx context.Context, flow handshakedomain.Flow) (domain.Escrow, error) {
	if flow.PaymentType != string(paymentdomain.PaymentTypeTask) {
		return domain.Escrow{}, fmt.Errorf("%w: %s is not a task payment", domain.ErrInvalidRequest, flow.PaymentType)
	}
	if !flow.Settled() {
		return domain.Escrow{}, fmt.Errorf("%w: payment %s is not settled", domain.ErrPaymentNotVerified, flow.PaymentID)
	}

	existing, err := s.repo.FindByPaymentID(ctx, s.db, flow.PaymentID)
	if err != nil {
		return domain.Escrow{}, err
	}
	escrow := domain.Escrow{}
	if existing != nil && existing.Status != domain.StatusVoided {
		escrow = *existing
	} else {
		escrow, err = s.Create(ctx, domain.CreateRequest{
			TaskID:    flow.MetadataString(paymentdomain.MetadataTaskID),
			BidID:     flow.MetadataString(paymentdomain.MetadataBidID),
			Amount:    flow.Amount,
			PaymentID: flow.PaymentID,
		})
		if err != nil {
			return domain.Escrow{}, err
		}
	}

	if escrow.Status != domain.StatusPending {
		return escrow, nil
	}
	return s.MarkFunded(ctx, escrow.ID, flow.TxID)
}

// VoidFunding is a no-op unless the payment's escrow is still pending and its flow never
// settled. The bool reports whether an escrow was voided.
func (s *Service) VoidFunding(ctx context.Context, paymentID string) (domain.Escrow, bool, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.Escrow{}, false, nil
	}
	flow, err := s.flows.FindByPaymentID(ctx, s.db, paymentID)
	if err != nil {
		return domain.Escrow{}, false, err
	}
	if flow != nil && flow.Settled() {
		return domain.Escrow{}, false, nil
	}

	ok, err := s.repo.VoidPending(ctx, s.db, paymentID, s.clock.Now())
	if err != nil || !ok {
		return domain.Escrow{}, false, err
	}
	voided, err := s.repo.FindByPaymentID(ctx, s.db, paymentID)
	if err != nil {
		return domain.Escrow{}, true, err
	}
	if voided == nil {
		return domain.Escrow{}, true, domain.ErrNotFound
	}
	s.log.Info("escrow voided",
		zap.String("escrow_id", voided.ID.String()),
		zap.String("task_id", voided.TaskID),
		zap.String("payment_id", paymentID),
	)
	s.metrics.RecordEscrowTransition(ctx, string(domain.StatusPending), string(domain.StatusVoided))
	s.publish(ctx, events.TypeEscrowVoided, *voided)
	return *voided, true, nil
}

// Release pays the worker and only then marks the escrow released. Any failure leaves the
// escrow funded with the payout recorded so a retry resumes it.
func (s *Service) Release(ctx context.Context, id snowflake.ID) (domain.Escrow, error) {
	escrow, err := s.Get(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	if escrow.Status == domain.StatusReleased {
		return escrow, nil
	}
	if escrow.Status != domain.StatusFunded {
		return domain.Escrow{}, fmt.Errorf("%w: escrow is %s", domain.ErrInvalidTransition, escrow.Status)
	}
	approved, err := s.repo.HasApprovedSubmission(ctx, s.db, escrow.TaskID)
	if err != nil {
		return domain.Escrow{}, err
	}
	if !approved {
		return domain.Escrow{}, domain.ErrSubmissionNotApproved
	}

	policy := s.policy.Get()
	unlock, err := s.lockTask(ctx, escrow.TaskID, policy.ReleaseLockTTL)
	if err != nil {
		return domain.Escrow{}, err
	}
	defer unlock()

	// Another holder may have finished while we waited for the lock.
	escrow, err = s.Get(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	if escrow.Status == domain.StatusReleased {
		return escrow, nil
	}
	if escrow.Status != domain.StatusFunded {
		return domain.Escrow{}, fmt.Errorf("%w: escrow is %s", domain.ErrInvalidTransition, escrow.Status)
	}

	recipient, err := s.recipientUID(ctx, escrow)
	if err != nil {
		return domain.Escrow{}, err
	}

	log := s.log.With(zap.String("escrow_id", escrow.ID.String()), zap.String("task_id", escrow.TaskID))
	// The payout must end while the task lock is still ours.
	dispatchCtx, cancel := context.WithTimeout(ctx, policy.ReleaseBudget())
	defer cancel()
	result, err := s.dispatcher.Dispatch(dispatchCtx, payoutdomain.ReleaseRequest{
		TaskID:       escrow.TaskID,
		EscrowID:     escrow.ID.String(),
		RecipientUID: recipient,
		Amount:       escrow.Amount,
		PaymentID:    escrow.ReleasePaymentID,
		OnCreated: func(ctx context.Context, paymentID string) error {
			ok, err := s.repo.SetReleasePayment(ctx, s.db, escrow.ID, paymentID, s.clock.Now())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: escrow is no longer funded", domain.ErrInvalidTransition)
			}
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, payoutdomain.ErrPayoutCancelled) && escrow.ReleasePaymentID != "" {
			log.Warn("recorded payout was cancelled, next release creates a new one",
				zap.String("release_payment_id", escrow.ReleasePaymentID))
			if clearErr := s.repo.ClearReleasePayment(ctx, s.db, escrow.ID, escrow.ReleasePaymentID, s.clock.Now()); clearErr != nil {
				log.Error("clear cancelled payout failed", zap.Error(clearErr))
			}
		}
		log.Warn("escrow release failed, escrow stays funded", zap.Error(err))
		return domain.Escrow{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if _, err := s.repo.SetReleasePayment(ctx, tx, escrow.ID, result.PaymentID, now); err != nil {
			return err
		}
		ok, err := s.repo.MarkReleased(ctx, tx, escrow.ID, result.TxID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: escrow is no longer funded", domain.ErrInvalidTransition)
		}
		ok, err = s.repo.CompareAndSetTaskStatus(ctx, tx, escrow.TaskID, domain.TaskInProgress, domain.TaskCompleted, now)
		if err != nil {
			return err
		}
		if !ok {
			// The payout already settled on the network, so the ledger records it regardless.
			log.Warn("task was not in progress at release")
		}
		return nil
	})
	if err != nil {
		log.Error("payout completed but release was not recorded",
			zap.String("release_payment_id", result.PaymentID),
			zap.String("release_txid", result.TxID),
			zap.Error(err),
		)
		return domain.Escrow{}, err
	}

	released, err := s.Get(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	log.Info("escrow released",
		zap.String("release_payment_id", released.ReleasePaymentID),
		zap.String("release_txid", released.ReleaseTxID),
	)
	s.metrics.RecordEscrowTransition(ctx, string(domain.StatusFunded), string(domain.StatusReleased))
	s.publish(ctx, events.TypeEscrowReleased, released)
	return released, nil
}

// Refund records an externally decided refund of a funded escrow and marks the task disputed.
// No payout is made here.
func (s *Service) Refund(ctx context.Context, id snowflake.ID) (domain.Escrow, error) {
	escrow, err := s.Get(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	if escrow.Status == domain.StatusRefunded {
		return escrow, nil
	}
	if escrow.Status != domain.StatusFunded {
		return domain.Escrow{}, fmt.Errorf("%w: escrow is %s", domain.ErrInvalidTransition, escrow.Status)
	}

	unlock, err := s.lockTask(ctx, escrow.TaskID, s.policy.Get().ReleaseLockTTL)
	if err != nil {
		return domain.Escrow{}, err
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		if current.ReleasePaymentID != "" {
			return fmt.Errorf("%w: release already started", domain.ErrInvalidTransition)
		}
		now := s.clock.Now()
		ok, err := s.repo.MarkRefunded(ctx, tx, id, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: escrow is no longer funded", domain.ErrInvalidTransition)
		}
		ok, err = s.repo.CompareAndSetTaskStatus(ctx, tx, escrow.TaskID, domain.TaskInProgress, domain.TaskDisputed, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrStaleTaskState
		}
		return nil
	})
	if err != nil {
		return domain.Escrow{}, err
	}

	refunded, err := s.Get(ctx, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	s.log.Info("escrow refunded", zap.String("escrow_id", refunded.ID.String()), zap.String("task_id", refunded.TaskID))
	s.metrics.RecordEscrowTransition(ctx, string(domain.StatusFunded), string(domain.StatusRefunded))
	s.publish(ctx, events.TypeEscrowRefunded, refunded)
	return refunded, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Escrow, error) {
	if id == 0 {
		return domain.Escrow{}, domain.ErrNotFound
	}
	escrow, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Escrow{}, err
	}
	if escrow == nil {
		return domain.Escrow{}, domain.ErrNotFound
	}
	return *escrow, nil
}

func (s *Service) GetByTask(ctx context.Context, taskID string) (domain.Escrow, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.Escrow{}, domain.ErrNotFound
	}
	escrow, err := s.repo.FindActiveByTask(ctx, s.db, taskID)
	if err != nil {
		return domain.Escrow{}, err
	}
	if escrow == nil {
		return domain.Escrow{}, domain.ErrNotFound
	}
	return *escrow, nil
}

func (s *Service) lockTask(ctx context.Context, taskID string, ttl time.Duration) (func(), error) {
	key := lock.TaskReleaseKey(taskID)
	token, ok, err := s.locker.TryLock(ctx, key, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire release lock: %w", err)
	}
	if !ok {
		return nil, domain.ErrReleaseInProgress
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("release task lock failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}, nil
}

func (s *Service) recipientUID(ctx context.Context, escrow domain.Escrow) (string, error) {
	var (
		bid *domain.Bid
		err error
	)
	if escrow.BidID != "" {
		bid, err = s.repo.FindBid(ctx, s.db, escrow.BidID)
	} else {
		bid, err = s.repo.FindAcceptedBid(ctx, s.db, escrow.TaskID)
	}
	if err != nil {
		return "", err
	}
	if bid == nil {
		return "", domain.ErrBidNotFound
	}
	uid, err := s.repo.ProfileUID(ctx, s.db, bid.BidderID)
	if err != nil {
		return "", err
	}
	if uid == "" {
		return "", fmt.Errorf("%w: worker has no wallet identity", domain.ErrInvalidRequest)
	}
	return uid, nil
}

// publish runs after commit. A failed publish is logged and never undoes the transition.
func (s *Service) publish(ctx context.Context, eventType string, escrow domain.Escrow) {
	event := events.EscrowEvent{
		Type:             eventType,
		EscrowID:         escrow.ID.String(),
		TaskID:           escrow.TaskID,
		BidID:            escrow.BidID,
		Amount:           escrow.Amount,
		Status:           string(escrow.Status),
		PaymentID:        escrow.PaymentID,
		TxID:             escrow.TxID,
		ReleasePaymentID: escrow.ReleasePaymentID,
		ReleaseTxID:      escrow.ReleaseTxID,
		OccurredAt:       s.clock.Now(),
	}
	if err := s.publisher.PublishEscrow(ctx, event); err != nil {
		s.log.Warn("publish escrow event failed",
			zap.String("type", eventType),
			zap.String("escrow_id", event.EscrowID),
			zap.Error(err),
		)
	}
}
