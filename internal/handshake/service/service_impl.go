package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/config"
	"github.com/smallbiznis/escrowd/internal/handshake/domain"
	"github.com/smallbiznis/escrowd/internal/lock"
	"github.com/smallbiznis/escrowd/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/escrowd/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"github.com/smallbiznis/escrowd/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const persistTimeout = 10 * time.Second

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Repo      domain.Repository
	Client    paymentdomain.Client
	Wallet    domain.WalletClient
	Locker    lock.Locker
	Policy    *config.PaymentPolicyHolder
	Hooks     domain.Hooks        `optional:"true"`
	Preflight domain.Preflight    `optional:"true"`
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	repo      domain.Repository
	client    paymentdomain.Client
	wallet    domain.WalletClient
	locker    lock.Locker
	policy    *config.PaymentPolicyHolder
	hooks     domain.Hooks
	preflight domain.Preflight
	metrics   *obsmetrics.Metrics

	mu    sync.Mutex
	flows map[string]*flow
}

func New(p Params) domain.Service {
	return NewService(p)
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("handshake.service"),
		clock:     p.Clock,
		repo:      p.Repo,
		client:    p.Client,
		wallet:    p.Wallet,
		locker:    p.Locker,
		policy:    p.Policy,
		hooks:     p.Hooks,
		preflight: p.Preflight,
		metrics:   p.Metrics,
		flows:     make(map[string]*flow),
	}
}

// flow is the live side of a handshake. outcome is written once, before done is closed.
type flow struct {
	record    domain.Flow
	lockKey   string
	lockToken string

	mu        sync.Mutex
	paymentID string
	timer     clock.Timer

	once    sync.Once
	done    chan struct{}
	outcome domain.Outcome
}

func (f *flow) isResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *flow) bind(paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paymentID != "" && f.paymentID != paymentID {
		return fmt.Errorf("%w: flow is bound to another payment", domain.ErrUnexpectedPayment)
	}
	f.paymentID = paymentID
	return nil
}

func (f *flow) boundPayment() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paymentID
}

func (f *flow) setTimer(t clock.Timer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timer = t
}

func (f *flow) stopTimer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
}

func (s *Service) Start(ctx context.Context, req domain.CreateRequest) (domain.Flow, error) {
	actor := strings.TrimSpace(req.ActorUID)
	if actor == "" {
		return domain.Flow{}, fmt.Errorf("%w: uid is required", domain.ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return domain.Flow{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	}
	memo := strings.TrimSpace(req.Memo)
	if memo == "" {
		return domain.Flow{}, fmt.Errorf("%w: memo is required", domain.ErrInvalidRequest)
	}
	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	paymentType, _ := metadata[paymentdomain.MetadataType].(string)
	switch paymentdomain.PaymentType(paymentType) {
	case paymentdomain.PaymentTypeTask, paymentdomain.PaymentTypeTest:
	default:
		return domain.Flow{}, fmt.Errorf("%w: unsupported payment type %q", domain.ErrInvalidRequest, paymentType)
	}

	policy := s.policy.Get()
	key := lock.ActorKey(actor)
	token, ok, err := s.locker.TryLock(ctx, key, policy.HandshakeTimeout+policy.LockTTLMargin)
	if err != nil {
		return domain.Flow{}, fmt.Errorf("acquire payment lock: %w", err)
	}
	if !ok {
		s.metrics.RecordHandshakeOutcome(ctx, paymentType, domain.FailureCode(domain.ErrAlreadyInProgress))
		return domain.Flow{}, domain.ErrAlreadyInProgress
	}

	if s.preflight != nil {
		s.preflight.ReconcileActor(ctx, actor, nil)
	}

	now := s.clock.Now()
	record := domain.Flow{
		ID:          ulid.Make().String(),
		ActorUID:    actor,
		PaymentType: paymentType,
		Amount:      req.Amount,
		Memo:        memo,
		Metadata:    metadata,
		Status:      domain.FlowStatusPending,
		ExpiresAt:   now.Add(policy.HandshakeTimeout),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, s.db, &record); err != nil {
		_ = s.locker.Release(context.WithoutCancel(ctx), key, token)
		return domain.Flow{}, err
	}

	f := &flow{
		record:    record,
		lockKey:   key,
		lockToken: token,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.flows[record.ID] = f
	s.mu.Unlock()

	f.setTimer(s.clock.AfterFunc(policy.HandshakeTimeout, func() {
		s.resolve(context.Background(), f, domain.Outcome{Err: domain.ErrTimeout})
	}))

	s.log.Info("payment flow started",
		zap.String("flow_id", record.ID),
		zap.String("actor_uid", actor),
		zap.String("payment_type", paymentType),
		zap.String("amount", record.Amount.String()),
	)

	err = s.wallet.CreatePayment(ctx, domain.PaymentData{
		FlowID:   record.ID,
		Amount:   record.Amount,
		Memo:     record.Memo,
		Metadata: map[string]any(metadata),
	}, s.callbacks(f))
	if err != nil {
		err = fmt.Errorf("%w: wallet create payment: %v", domain.ErrNetwork, err)
		s.resolve(ctx, f, domain.Outcome{Err: err})
		return record, err
	}
	return record, nil
}

func (s *Service) Await(ctx context.Context, flowID string) (domain.Outcome, error) {
	s.mu.Lock()
	f := s.flows[flowID]
	s.mu.Unlock()

	if f != nil {
		select {
		case <-f.done:
			return f.outcome, nil
		case <-ctx.Done():
			return domain.Outcome{FlowID: flowID, Status: domain.FlowStatusPending, PaymentID: f.boundPayment()}, ctx.Err()
		}
	}

	record, err := s.Get(ctx, flowID)
	if err != nil {
		return domain.Outcome{}, err
	}
	return domain.OutcomeFromFlow(record), nil
}

func (s *Service) Pay(ctx context.Context, req domain.CreateRequest) (domain.Outcome, error) {
	record, err := s.Start(ctx, req)
	if record.ID == "" {
		return domain.Outcome{}, err
	}
	return s.Await(ctx, record.ID)
}

func (s *Service) Get(ctx context.Context, flowID string) (domain.Flow, error) {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return domain.Flow{}, domain.ErrFlowNotFound
	}
	record, err := s.repo.FindByID(ctx, s.db, flowID)
	if err != nil {
		return domain.Flow{}, err
	}
	if record == nil {
		return domain.Flow{}, domain.ErrFlowNotFound
	}
	return *record, nil
}

func (s *Service) callbacks(f *flow) domain.Callbacks {
	return domain.Callbacks{
		ReadyForApproval: func(ctx context.Context, paymentID string) error {
			return s.onReadyForApproval(ctx, f, paymentID)
		},
		ReadyForCompletion: func(ctx context.Context, paymentID, txid string) error {
			return s.onReadyForCompletion(ctx, f, paymentID, txid)
		},
		Terminated: func(ctx context.Context, paymentID string, cause error) error {
			return s.onTerminated(ctx, f, paymentID, cause)
		},
	}
}

// callbackContext detaches network work from the caller's cancellation so a dropped
// client connection cannot abandon an approval or completion half way.
func (s *Service) callbackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.policy.Get().CallbackTimeout)
}

func (s *Service) onReadyForApproval(ctx context.Context, f *flow, paymentID string) error {
	if f.isResolved() {
		return domain.ErrFlowResolved
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return fmt.Errorf("%w: payment_id is required", domain.ErrInvalidRequest)
	}
	ctx, cancel := s.callbackContext(ctx)
	defer cancel()

	if err := f.bind(paymentID); err != nil {
		return s.fail(ctx, f, err)
	}
	bound, err := s.repo.BindPayment(ctx, s.db, f.record.ID, paymentID, s.clock.Now())
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.fail(ctx, f, fmt.Errorf("%w: payment belongs to another flow", domain.ErrUnexpectedPayment))
		}
		return err
	}
	if !bound {
		if f.isResolved() {
			return domain.ErrFlowResolved
		}
		return s.fail(ctx, f, fmt.Errorf("%w: flow no longer accepts a payment", domain.ErrUnexpectedPayment))
	}

	payment, err := s.client.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrNotFound) {
			return s.fail(ctx, f, fmt.Errorf("%w: unknown payment", domain.ErrUnexpectedPayment))
		}
		return s.fail(ctx, f, networkError(err))
	}
	if err := verifyPayment(f.record, payment); err != nil {
		if errors.Is(err, domain.ErrAmountMismatch) {
			s.log.Warn("payment amount mismatch, approval withheld",
				zap.String("flow_id", f.record.ID),
				zap.String("payment_id", paymentID),
				zap.String("requested", f.record.Amount.String()),
				zap.String("reported", payment.Amount.String()),
			)
			s.cancelQuietly(ctx, paymentID)
		}
		return s.fail(ctx, f, err)
	}

	if s.hooks != nil {
		snapshot := f.record
		snapshot.PaymentID = paymentID
		if err := s.hooks.BeforeApprove(ctx, snapshot, payment); err != nil {
			s.cancelQuietly(ctx, paymentID)
			return s.fail(ctx, f, err)
		}
	}

	if payment.Lifecycle != paymentdomain.LifecycleApproved {
		if _, err := s.client.ApprovePayment(ctx, paymentID); err != nil {
			return s.fail(ctx, f, networkError(err))
		}
	}
	logger.WithPayment(s.log, paymentID, "").Info("payment approved", zap.String("flow_id", f.record.ID))
	return nil
}

func (s *Service) onReadyForCompletion(ctx context.Context, f *flow, paymentID, txid string) error {
	if f.isResolved() {
		return domain.ErrFlowResolved
	}
	paymentID = strings.TrimSpace(paymentID)
	txid = strings.TrimSpace(txid)
	if paymentID == "" || txid == "" {
		return fmt.Errorf("%w: payment_id and txid are required", domain.ErrInvalidRequest)
	}
	ctx, cancel := s.callbackContext(ctx)
	defer cancel()

	if bound := f.boundPayment(); bound != paymentID {
		return s.fail(ctx, f, fmt.Errorf("%w: completion for a payment this flow did not approve", domain.ErrUnexpectedPayment))
	}

	payment, err := s.client.CompletePayment(ctx, paymentID, txid, decimal.NewNullDecimal(f.record.Amount))
	if err != nil {
		if errors.Is(err, paymentdomain.ErrConflict) {
			return s.fail(ctx, f, fmt.Errorf("%w: %v", domain.ErrAmountMismatch, err))
		}
		return s.fail(ctx, f, networkError(err))
	}
	if payment.Lifecycle != paymentdomain.LifecycleCompleted {
		return s.fail(ctx, f, fmt.Errorf("%w: payment is %s after completion", domain.ErrUnexpectedPayment, payment.Lifecycle))
	}

	won := s.resolve(ctx, f, domain.Outcome{
		Status:    domain.FlowStatusCompleted,
		PaymentID: paymentID,
		TxID:      txid,
	})
	if !won {
		s.settleLate(ctx, f, payment, txid)
		return domain.ErrFlowResolved
	}
	s.afterComplete(ctx, f.record, paymentID, txid)
	return nil
}

func (s *Service) onTerminated(ctx context.Context, f *flow, paymentID string, cause error) error {
	if f.isResolved() {
		return domain.ErrFlowResolved
	}
	if cause == nil {
		cause = domain.ErrUserCancelled
	}
	if paymentID = strings.TrimSpace(paymentID); paymentID != "" {
		if err := f.bind(paymentID); err != nil {
			s.log.Warn("terminal callback for a foreign payment", zap.String("flow_id", f.record.ID), zap.String("payment_id", paymentID))
		}
	}
	s.resolve(ctx, f, domain.Outcome{Err: cause})
	return nil
}

func (s *Service) fail(ctx context.Context, f *flow, err error) error {
	s.resolve(ctx, f, domain.Outcome{Err: err})
	return err
}

// resolve is the single assignment of the flow outcome. It reports whether this call won.
func (s *Service) resolve(ctx context.Context, f *flow, out domain.Outcome) bool {
	won := false
	f.once.Do(func() {
		won = true
		f.stopTimer()

		out.FlowID = f.record.ID
		if out.PaymentID == "" {
			out.PaymentID = f.boundPayment()
		}
		if out.Err != nil {
			out.Status = domain.FlowStatusFailed
			out.Code = domain.FailureCode(out.Err)
		}

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()

		log := logger.WithPayment(s.log, out.PaymentID, out.TxID).With(zap.String("flow_id", out.FlowID))
		if _, err := s.repo.Resolve(pctx, s.db, domain.Resolution{
			FlowID:      out.FlowID,
			Status:      out.Status,
			PaymentID:   out.PaymentID,
			TxID:        out.TxID,
			FailureCode: out.Code,
			At:          s.clock.Now(),
		}); err != nil {
			log.Error("persist flow outcome failed", zap.Error(err))
		}
		if out.Status == domain.FlowStatusFailed && out.PaymentID != "" {
			s.afterFail(pctx, f.record, out)
		}
		if err := s.locker.Release(pctx, f.lockKey, f.lockToken); err != nil {
			log.Warn("release payment lock failed", zap.Error(err))
		}
		s.wallet.Detach(out.FlowID)

		s.mu.Lock()
		delete(s.flows, out.FlowID)
		s.mu.Unlock()

		f.outcome = out
		close(f.done)

		label := string(out.Status)
		if out.Code != "" {
			label = out.Code
		}
		s.metrics.RecordHandshakeOutcome(pctx, f.record.PaymentType, label)
		if out.Status == domain.FlowStatusCompleted {
			log.Info("payment flow completed")
		} else {
			log.Info("payment flow failed", zap.String("code", out.Code), zap.Error(out.Err))
		}
	})
	return won
}

// settleLate records a network completion that arrived after the flow had already resolved.
// The flow keeps its outcome; the settlement still becomes evidence for the ledger.
func (s *Service) settleLate(ctx context.Context, f *flow, payment paymentdomain.Payment, txid string) {
	log := logger.WithPayment(s.log, payment.Identifier, txid).With(zap.String("flow_id", f.record.ID))
	log.Warn("payment completed after flow resolution")

	err := s.repo.RecordSettlement(ctx, s.db, domain.Settlement{
		FlowID:      f.record.ID,
		ActorUID:    f.record.ActorUID,
		PaymentType: f.record.PaymentType,
		PaymentID:   payment.Identifier,
		TxID:        txid,
		Amount:      f.record.Amount,
		Memo:        f.record.Memo,
		Metadata:    f.record.Metadata,
		At:          s.clock.Now(),
	})
	if err != nil {
		log.Error("record late settlement failed", zap.Error(err))
		return
	}
	s.afterComplete(ctx, f.record, payment.Identifier, txid)
}

func (s *Service) afterComplete(ctx context.Context, record domain.Flow, paymentID, txid string) {
	if s.hooks == nil {
		return
	}
	now := s.clock.Now()
	record.PaymentID = paymentID
	record.TxID = txid
	record.Status = domain.FlowStatusCompleted
	record.SettledAt = &now
	if err := s.hooks.AfterComplete(ctx, record); err != nil {
		logger.WithPayment(s.log, paymentID, txid).Warn("post-completion hook failed, left for reconciliation",
			zap.String("flow_id", record.ID), zap.Error(err))
	}
}

func (s *Service) afterFail(ctx context.Context, record domain.Flow, out domain.Outcome) {
	if s.hooks == nil {
		return
	}
	record.PaymentID = out.PaymentID
	record.Status = domain.FlowStatusFailed
	record.FailureCode = out.Code
	if err := s.hooks.AfterFail(ctx, record); err != nil {
		logger.WithPayment(s.log, out.PaymentID, "").Warn("post-failure hook failed, left for reconciliation",
			zap.String("flow_id", record.ID), zap.Error(err))
	}
}

func (s *Service) cancelQuietly(ctx context.Context, paymentID string) {
	if _, err := s.client.CancelPayment(ctx, paymentID); err != nil {
		s.log.Warn("cancel payment failed, left for reconciliation", zap.String("payment_id", paymentID), zap.Error(err))
	}
}

func verifyPayment(record domain.Flow, payment paymentdomain.Payment) error {
	if payment.UserUID != "" && payment.UserUID != record.ActorUID {
		return fmt.Errorf("%w: payment belongs to another user", domain.ErrUnexpectedPayment)
	}
	if string(payment.Type()) != record.PaymentType {
		return fmt.Errorf("%w: payment type %q", domain.ErrUnexpectedPayment, payment.Type())
	}
	switch payment.Lifecycle {
	case paymentdomain.LifecycleCreated, paymentdomain.LifecycleApproved:
	default:
		return fmt.Errorf("%w: payment is %s", domain.ErrUnexpectedPayment, payment.Lifecycle)
	}
	if !payment.Amount.Equal(record.Amount) {
		return fmt.Errorf("%w: requested %s, payment carries %s",
			domain.ErrAmountMismatch, record.Amount.String(), payment.Amount.String())
	}
	return nil
}

func networkError(err error) error {
	if errors.Is(err, domain.ErrNetwork) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
}
