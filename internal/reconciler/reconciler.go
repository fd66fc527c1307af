// Package reconciler resolves payments left dangling by an earlier session. It runs when a
// user authenticates, before every new payment of that user, and from the recovery sweep.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/config"
	escrowdomain "github.com/smallbiznis/escrowd/internal/escrow/domain"
	handshakedomain "github.com/smallbiznis/escrowd/internal/handshake/domain"
	"github.com/smallbiznis/escrowd/internal/lock"
	"github.com/smallbiznis/escrowd/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/escrowd/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Action string

const (
	ActionNone      Action = "none"
	ActionCompleted Action = "completed"
	ActionCancelled Action = "cancelled"
	ActionExpired   Action = "expired"
	ActionFailed    Action = "failed"
	ActionSkipped   Action = "skipped"
)

const SkipFlowInProgress = "flow_in_progress"

type Item struct {
	PaymentID string                  `json:"payment_id,omitempty"`
	FlowID    string                  `json:"flow_id,omitempty"`
	Lifecycle paymentdomain.Lifecycle `json:"lifecycle,omitempty"`
	Action    Action                  `json:"action"`
	EscrowID  string                  `json:"escrow_id,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

type Report struct {
	ActorUID string `json:"uid,omitempty"`
	Skipped  string `json:"skipped,omitempty"`
	Items    []Item `json:"items"`
}

// Err joins the per-payment failures of a run.
func (r Report) Err() error {
	var err error
	for _, item := range r.Items {
		if item.Error != "" {
			err = errors.Join(err, fmt.Errorf("%s: %s", item.PaymentID, item.Error))
		}
	}
	return err
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Flows   handshakedomain.Repository
	Client  paymentdomain.Client
	Escrow  escrowdomain.Service
	Locker  lock.Locker
	Policy  *config.PaymentPolicyHolder
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Reconciler struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	flows   handshakedomain.Repository
	client  paymentdomain.Client
	escrow  escrowdomain.Service
	locker  lock.Locker
	policy  *config.PaymentPolicyHolder
	metrics *obsmetrics.Metrics
}

func New(p Params) *Reconciler {
	return &Reconciler{
		db:      p.DB,
		log:     p.Log.Named("reconciler"),
		clock:   p.Clock,
		flows:   p.Flows,
		client:  p.Client,
		escrow:  p.Escrow,
		locker:  p.Locker,
		policy:  p.Policy,
		metrics: p.Metrics,
	}
}

// NewPreflight exposes the reconciler as the check the handshake runs before a new payment.
func NewPreflight(r *Reconciler) handshakedomain.Preflight {
	return r
}

// ReconcileActor runs a reconciliation for a caller that already holds the actor's payment lock.
func (r *Reconciler) ReconcileActor(ctx context.Context, actorUID string, reported []string) {
	report := r.Reconcile(ctx, actorUID, reported)
	if err := report.Err(); err != nil {
		r.log.Warn("reconciliation left payments unresolved", zap.String("actor_uid", actorUID), zap.Error(err))
	}
}

// ReconcileLocked takes the actor's payment lock for the run. A live flow holds the lock,
// in which case the run is skipped and the reason recorded.
func (r *Reconciler) ReconcileLocked(ctx context.Context, actorUID string, reported []string) (Report, error) {
	actorUID = strings.TrimSpace(actorUID)
	policy := r.policy.Get()
	key := lock.ActorKey(actorUID)
	token, ok, err := r.locker.TryLock(ctx, key, policy.HandshakeTimeout+policy.LockTTLMargin)
	if err != nil {
		return Report{ActorUID: actorUID}, fmt.Errorf("acquire payment lock: %w", err)
	}
	if !ok {
		r.metrics.RecordReconcileAction(ctx, string(ActionSkipped))
		return Report{ActorUID: actorUID, Skipped: SkipFlowInProgress, Items: []Item{}}, nil
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			r.log.Warn("release payment lock failed", zap.String("actor_uid", actorUID), zap.Error(err))
		}
	}()
	return r.Reconcile(ctx, actorUID, reported), nil
}

// Reconcile resolves every payment the client reported plus the actor's dangling flows.
// Each payment is handled on its own; a failure is recorded on its item and never stops the run.
func (r *Reconciler) Reconcile(ctx context.Context, actorUID string, reported []string) Report {
	actorUID = strings.TrimSpace(actorUID)
	report := Report{ActorUID: actorUID, Items: []Item{}}
	if actorUID == "" {
		return report
	}
	log := r.log.With(zap.String("actor_uid", actorUID))

	flows, err := r.flows.ListDangling(ctx, r.db, actorUID, r.policy.Get().SweepBatchSize)
	if err != nil {
		log.Error("list dangling flows failed", zap.Error(err))
		report.Items = append(report.Items, Item{Action: ActionFailed, Error: err.Error()})
		return report
	}

	seen := make(map[string]struct{})
	for _, flow := range flows {
		if flow.PaymentID != "" {
			seen[flow.PaymentID] = struct{}{}
		}
		report.Items = append(report.Items, r.reconcileFlow(ctx, flow))
	}
	for _, paymentID := range reported {
		paymentID = strings.TrimSpace(paymentID)
		if paymentID == "" {
			continue
		}
		if _, dup := seen[paymentID]; dup {
			continue
		}
		seen[paymentID] = struct{}{}
		report.Items = append(report.Items, r.reconcileReported(ctx, actorUID, paymentID))
	}

	if len(report.Items) > 0 {
		log.Info("reconciliation finished", zap.Int("payments", len(report.Items)))
	}
	return report
}

// SweepStale reconciles flows whose deadline passed long ago, typically because the process
// that ran them stopped. Actors with a live flow are skipped until the next sweep.
func (r *Reconciler) SweepStale(ctx context.Context) (int, error) {
	policy := r.policy.Get()
	before := r.clock.Now().Add(-policy.StaleFlowAfter)
	flows, err := r.flows.ListStale(ctx, r.db, before, policy.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	var errs error
	for _, flow := range flows {
		if err := ctx.Err(); err != nil {
			return processed, errors.Join(errs, err)
		}
		key := lock.ActorKey(flow.ActorUID)
		token, ok, err := r.locker.TryLock(ctx, key, policy.HandshakeTimeout+policy.LockTTLMargin)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if !ok {
			continue
		}
		item := r.reconcileFlow(ctx, flow)
		if err := r.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			r.log.Warn("release payment lock failed", zap.String("actor_uid", flow.ActorUID), zap.Error(err))
		}
		processed++
		if item.Error != "" {
			errs = errors.Join(errs, fmt.Errorf("flow %s: %s", flow.ID, item.Error))
		}
	}
	return processed, errs
}

func (r *Reconciler) reconcileFlow(ctx context.Context, flow handshakedomain.Flow) Item {
	if flow.PaymentID == "" {
		// The wallet never reported a payment, so there is nothing on the network to resolve.
		item := Item{FlowID: flow.ID, Action: ActionExpired}
		if err := r.expire(ctx, flow, handshakedomain.ErrTimeout); err != nil {
			item.Action, item.Error = ActionFailed, err.Error()
		}
		return r.record(ctx, item)
	}
	return r.reconcilePayment(ctx, flow.ActorUID, flow.PaymentID, &flow)
}

func (r *Reconciler) reconcileReported(ctx context.Context, actorUID, paymentID string) Item {
	flow, err := r.flows.FindByPaymentID(ctx, r.db, paymentID)
	if err != nil {
		return r.record(ctx, Item{PaymentID: paymentID, Action: ActionFailed, Error: err.Error()})
	}
	if flow != nil {
		if flow.ActorUID != actorUID {
			return r.record(ctx, Item{PaymentID: paymentID, Action: ActionSkipped, Error: "payment belongs to another user"})
		}
		if flow.Settled() && flow.ReconciledAt != nil {
			return r.syncLedger(ctx, *flow, Item{PaymentID: paymentID, FlowID: flow.ID, Lifecycle: paymentdomain.LifecycleCompleted, Action: ActionNone})
		}
	}
	return r.reconcilePayment(ctx, actorUID, paymentID, flow)
}

func (r *Reconciler) reconcilePayment(ctx context.Context, actorUID, paymentID string, flow *handshakedomain.Flow) Item {
	item := Item{PaymentID: paymentID}
	if flow != nil {
		item.FlowID = flow.ID
	}
	log := logger.WithPayment(r.log, paymentID, "").With(zap.String("flow_id", item.FlowID))

	payment, err := r.client.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrNotFound) && flow != nil {
			item.Action = ActionExpired
			if err := r.expire(ctx, *flow, handshakedomain.ErrUnexpectedPayment); err != nil {
				item.Action, item.Error = ActionFailed, err.Error()
				return r.record(ctx, item)
			}
			if flow.PaymentType == string(paymentdomain.PaymentTypeTask) {
				r.voidLedger(ctx, paymentID, &item)
			}
			return r.record(ctx, item)
		}
		log.Warn("fetch dangling payment failed", zap.Error(err))
		item.Action, item.Error = ActionFailed, err.Error()
		return r.record(ctx, item)
	}
	item.Lifecycle = payment.Lifecycle

	if payment.Direction == paymentdomain.DirectionAppToUser {
		item.Action, item.Error = ActionSkipped, "payout is resumed by its release"
		return r.record(ctx, item)
	}
	if payment.UserUID != actorUID {
		item.Action, item.Error = ActionSkipped, "payment belongs to another user"
		return r.record(ctx, item)
	}

	switch payment.Lifecycle {
	case paymentdomain.LifecycleCompleted:
		item.Action = ActionNone
		settled, err := r.settle(ctx, payment, flow)
		if err != nil {
			item.Action, item.Error = ActionFailed, err.Error()
			return r.record(ctx, item)
		}
		return r.syncLedger(ctx, settled, item)

	case paymentdomain.LifecycleCancelled, paymentdomain.LifecycleExpired:
		item.Action = ActionNone
		if flow != nil {
			cause := paymentdomain.ErrUnexpectedPaymentStatus
			if payment.Status.UserCancelled {
				cause = handshakedomain.ErrUserCancelled
			}
			if err := r.expire(ctx, *flow, cause); err != nil {
				item.Action, item.Error = ActionFailed, err.Error()
				return r.record(ctx, item)
			}
		}
		if payment.Type() == paymentdomain.PaymentTypeTask {
			r.voidLedger(ctx, paymentID, &item)
		}
		return r.record(ctx, item)

	case paymentdomain.LifecycleBroadcast:
		expected := decimal.NullDecimal{}
		if flow != nil {
			expected = decimal.NewNullDecimal(flow.Amount)
		}
		completed, err := r.client.CompletePayment(ctx, paymentID, payment.TxID(), expected)
		if err != nil {
			log.Warn("complete dangling payment failed", zap.Error(err))
			item.Action, item.Error = ActionFailed, err.Error()
			if errors.Is(err, paymentdomain.ErrConflict) && flow != nil {
				// The chain already carries a different amount; nothing here can repair it.
				r.markReconciled(ctx, *flow)
			}
			return r.record(ctx, item)
		}
		item.Action = ActionCompleted
		log.Info("dangling payment completed", zap.String("txid", completed.TxID()))
		settled, err := r.settle(ctx, completed, flow)
		if err != nil {
			item.Error = err.Error()
			return r.record(ctx, item)
		}
		return r.syncLedger(ctx, settled, item)

	default:
		if _, err := r.client.CancelPayment(ctx, paymentID); err != nil {
			log.Warn("cancel dangling payment failed", zap.Error(err))
			item.Action, item.Error = ActionFailed, err.Error()
			return r.record(ctx, item)
		}
		item.Action = ActionCancelled
		log.Info("dangling payment cancelled")
		if flow != nil {
			if err := r.expire(ctx, *flow, handshakedomain.ErrTimeout); err != nil {
				item.Error = err.Error()
				return r.record(ctx, item)
			}
		}
		if payment.Type() == paymentdomain.PaymentTypeTask {
			r.voidLedger(ctx, paymentID, &item)
		}
		return r.record(ctx, item)
	}
}

// settle records the network completion against the local flow, creating one for a
// payment this instance never saw.
func (r *Reconciler) settle(ctx context.Context, payment paymentdomain.Payment, flow *handshakedomain.Flow) (handshakedomain.Flow, error) {
	settlement := handshakedomain.Settlement{
		FlowID:      ulid.Make().String(),
		ActorUID:    payment.UserUID,
		PaymentType: string(payment.Type()),
		PaymentID:   payment.Identifier,
		TxID:        payment.TxID(),
		Amount:      payment.Amount,
		Memo:        payment.Memo,
		Metadata:    payment.Metadata,
		At:          r.clock.Now(),
	}
	if flow != nil {
		settlement.FlowID = flow.ID
		settlement.ActorUID = flow.ActorUID
		settlement.PaymentType = flow.PaymentType
		settlement.Amount = flow.Amount
		settlement.Memo = flow.Memo
		settlement.Metadata = flow.Metadata
	}
	if err := r.flows.RecordSettlement(ctx, r.db, settlement); err != nil {
		return handshakedomain.Flow{}, err
	}
	settled, err := r.flows.FindByPaymentID(ctx, r.db, payment.Identifier)
	if err != nil {
		return handshakedomain.Flow{}, err
	}
	if settled == nil {
		return handshakedomain.Flow{}, fmt.Errorf("settled flow for %s not found", payment.Identifier)
	}
	return *settled, nil
}

func (r *Reconciler) syncLedger(ctx context.Context, flow handshakedomain.Flow, item Item) Item {
	if flow.PaymentType != string(paymentdomain.PaymentTypeTask) || r.escrow == nil {
		return r.record(ctx, item)
	}
	escrow, err := r.escrow.SyncFunding(ctx, flow)
	if err != nil {
		logger.WithPayment(r.log, flow.PaymentID, flow.TxID).Warn("escrow sync failed", zap.Error(err))
		item.Error = err.Error()
		return r.record(ctx, item)
	}
	item.EscrowID = escrow.ID.String()
	return r.record(ctx, item)
}

// voidLedger frees the task held by the pending escrow of a payment that will not complete.
func (r *Reconciler) voidLedger(ctx context.Context, paymentID string, item *Item) {
	if r.escrow == nil {
		return
	}
	escrow, voided, err := r.escrow.VoidFunding(ctx, paymentID)
	if err != nil {
		logger.WithPayment(r.log, paymentID, "").Warn("void escrow failed", zap.Error(err))
		item.Error = err.Error()
		return
	}
	if voided {
		item.EscrowID = escrow.ID.String()
	}
}

func (r *Reconciler) expire(ctx context.Context, flow handshakedomain.Flow, cause error) error {
	now := r.clock.Now()
	if flow.Status == handshakedomain.FlowStatusPending {
		_, err := r.flows.Resolve(ctx, r.db, handshakedomain.Resolution{
			FlowID:      flow.ID,
			Status:      handshakedomain.FlowStatusFailed,
			FailureCode: handshakedomain.FailureCode(cause),
			At:          now,
		})
		if err != nil {
			return err
		}
	}
	return r.flows.MarkReconciled(ctx, r.db, flow.ID, now)
}

func (r *Reconciler) markReconciled(ctx context.Context, flow handshakedomain.Flow) {
	if err := r.flows.MarkReconciled(ctx, r.db, flow.ID, r.clock.Now()); err != nil {
		r.log.Warn("mark flow reconciled failed", zap.String("flow_id", flow.ID), zap.Error(err))
	}
}

func (r *Reconciler) record(ctx context.Context, item Item) Item {
	r.metrics.RecordReconcileAction(ctx, string(item.Action))
	return item
}
