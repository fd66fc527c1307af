package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/config"
	"github.com/smallbiznis/escrowd/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/escrowd/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"github.com/smallbiznis/escrowd/internal/payout/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultReleaseMemo = "Task payment release"

type Params struct {
	fx.In

	Log     *zap.Logger
	Client  paymentdomain.Client
	Clock   clock.Clock
	Policy  *config.PaymentPolicyHolder
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Dispatcher struct {
	log     *zap.Logger
	client  paymentdomain.Client
	clock   clock.Clock
	policy  *config.PaymentPolicyHolder
	metrics *obsmetrics.Metrics
}

func New(p Params) domain.Dispatcher {
	return NewDispatcher(p)
}

func NewDispatcher(p Params) *Dispatcher {
	return &Dispatcher{
		log:     p.Log.Named("payout.dispatcher"),
		client:  p.Client,
		clock:   p.Clock,
		policy:  p.Policy,
		metrics: p.Metrics,
	}
}

// Dispatch runs create, submit and complete for one release. Each step is skipped when the
// network already shows it done, so a retry after any failure resumes where it stopped.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.ReleaseRequest) (domain.Result, error) {
	req.TaskID = strings.TrimSpace(req.TaskID)
	req.RecipientUID = strings.TrimSpace(req.RecipientUID)
	if req.TaskID == "" || req.RecipientUID == "" || !req.Amount.IsPositive() {
		return domain.Result{}, domain.ErrInvalidRequest
	}

	paymentID, err := d.ensurePayment(ctx, req)
	if err != nil {
		d.metrics.RecordPayoutOutcome(ctx, "create", "failed")
		return domain.Result{}, err
	}
	log := logger.WithPayment(d.log, paymentID, "").With(zap.String("task_id", req.TaskID))

	payment, err := d.client.GetPayment(ctx, paymentID)
	if err != nil {
		return domain.Result{}, err
	}
	if err := verifyPayout(req, payment); err != nil {
		log.Error("payout does not match release", zap.Error(err))
		return domain.Result{}, err
	}
	switch payment.Lifecycle {
	case paymentdomain.LifecycleCancelled, paymentdomain.LifecycleExpired:
		d.metrics.RecordPayoutOutcome(ctx, "resume", "cancelled")
		return domain.Result{}, fmt.Errorf("%w: payout %s is %s", domain.ErrPayoutCancelled, paymentID, payment.Lifecycle)
	case paymentdomain.LifecycleCompleted:
		return d.verified(ctx, payment)
	}

	txid := payment.TxID()
	if txid == "" {
		txid, err = d.submit(ctx, paymentID)
		if err != nil {
			log.Warn("payout submit failed, release stays retriable", zap.Error(err))
			d.metrics.RecordPayoutOutcome(ctx, "submit", "failed")
			return domain.Result{}, err
		}
	}
	log = log.With(zap.String("txid", txid))

	completed, err := d.client.CompletePayment(ctx, paymentID, txid, decimal.NewNullDecimal(req.Amount))
	if err != nil {
		log.Warn("payout complete failed, release stays retriable", zap.Error(err))
		d.metrics.RecordPayoutOutcome(ctx, "complete", "failed")
		return domain.Result{}, err
	}
	return d.verified(ctx, completed)
}

func (d *Dispatcher) ensurePayment(ctx context.Context, req domain.ReleaseRequest) (string, error) {
	if id := strings.TrimSpace(req.PaymentID); id != "" {
		return id, nil
	}

	id, err := d.findIncomplete(ctx, req)
	if err != nil {
		return "", err
	}
	if id == "" {
		memo := strings.TrimSpace(req.Memo)
		if memo == "" {
			memo = defaultReleaseMemo
		}
		id, err = d.client.CreateA2UPayment(ctx, paymentdomain.A2URequest{
			Amount:       req.Amount,
			RecipientUID: req.RecipientUID,
			Memo:         memo,
			Metadata: map[string]any{
				paymentdomain.MetadataType:      string(paymentdomain.PaymentTypeTaskRelease),
				paymentdomain.MetadataTaskID:    req.TaskID,
				paymentdomain.MetadataTimestamp: strconv.FormatInt(d.clock.Now().UnixMilli(), 10),
			},
		})
		if err != nil {
			return "", err
		}
		d.log.Info("payout created", zap.String("payment_id", id), zap.String("task_id", req.TaskID))
	} else {
		d.log.Info("payout resumed from network", zap.String("payment_id", id), zap.String("task_id", req.TaskID))
	}

	if req.OnCreated != nil {
		if err := req.OnCreated(ctx, id); err != nil {
			return "", fmt.Errorf("record payout %s: %w", id, err)
		}
	}
	return id, nil
}

// findIncomplete looks for a payout created by an attempt that failed before it was recorded.
func (d *Dispatcher) findIncomplete(ctx context.Context, req domain.ReleaseRequest) (string, error) {
	payments, err := d.client.IncompleteServerPayments(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range payments {
		if p.Type() == paymentdomain.PaymentTypeTaskRelease && p.TaskID() == req.TaskID && p.UserUID == req.RecipientUID {
			return p.Identifier, nil
		}
	}
	return "", nil
}

func (d *Dispatcher) submit(ctx context.Context, paymentID string) (string, error) {
	policy := d.policy.Get()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.SubmitBackoff
	b.MaxInterval = policy.SubmitMaxBackoff

	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		txid, err := d.client.SubmitPayment(ctx, paymentID)
		if err == nil {
			return txid, nil
		}
		if !errors.Is(err, paymentdomain.ErrNetwork) {
			return "", backoff.Permanent(err)
		}
		return "", err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.SubmitMaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.log.Warn("payout submit retry",
				zap.String("payment_id", paymentID),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
}

func (d *Dispatcher) verified(ctx context.Context, payment paymentdomain.Payment) (domain.Result, error) {
	if !payment.Status.DeveloperCompleted || payment.Transaction == nil || !payment.Transaction.Verified {
		d.metrics.RecordPayoutOutcome(ctx, "complete", "unverified")
		return domain.Result{}, fmt.Errorf("%w: payout %s", domain.ErrNotVerified, payment.Identifier)
	}
	d.metrics.RecordPayoutOutcome(ctx, "complete", "completed")
	logger.WithPayment(d.log, payment.Identifier, payment.TxID()).Info("payout completed")
	return domain.Result{PaymentID: payment.Identifier, TxID: payment.TxID()}, nil
}

func verifyPayout(req domain.ReleaseRequest, payment paymentdomain.Payment) error {
	if payment.UserUID != "" && payment.UserUID != req.RecipientUID {
		return fmt.Errorf("%w: recipient %s", domain.ErrPayoutMismatch, payment.UserUID)
	}
	if !payment.Amount.Equal(req.Amount) {
		return fmt.Errorf("%w: amount %s", domain.ErrPayoutMismatch, payment.Amount.String())
	}
	if taskID := payment.TaskID(); taskID != "" && taskID != req.TaskID {
		return fmt.Errorf("%w: task %s", domain.ErrPayoutMismatch, taskID)
	}
	return nil
}
