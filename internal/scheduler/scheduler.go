package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/config"
	escrowdomain "github.com/smallbiznis/escrowd/internal/escrow/domain"
	"github.com/smallbiznis/escrowd/internal/lock"
	obsmetrics "github.com/smallbiznis/escrowd/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobStaleFlows    = "stale_flows"
	JobResumePayouts = "resume_payouts"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

// StaleSweeper resolves handshake flows abandoned past their deadline.
type StaleSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Locker  lock.Locker
	Policy  *config.PaymentPolicyHolder
	Client  paymentdomain.Client
	Escrow  escrowdomain.Service
	Sweeper StaleSweeper
	Metrics *obsmetrics.SweepMetrics `optional:"true"`
	Config  Config                   `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	locker  lock.Locker
	policy  *config.PaymentPolicyHolder
	client  paymentdomain.Client
	escrow  escrowdomain.Service
	sweeper StaleSweeper
	metrics *obsmetrics.SweepMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Locker == nil || p.Policy == nil || p.Client == nil || p.Escrow == nil || p.Sweeper == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		locker:  p.Locker,
		policy:  p.Policy,
		client:  p.Client,
		escrow:  p.Escrow,
		sweeper: p.Sweeper,
		metrics: p.Metrics,
	}, nil
}

// runJob runs fn under the job's cluster-wide lock. A held lock means another replica is
// already sweeping, so the run is skipped.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	key := lock.JobKey(name)
	token, ok, err := s.locker.TryLock(parent, key, s.cfg.JobLockTTL)
	if err != nil {
		s.metrics.IncJobError(name, err)
		return fmt.Errorf("%s: %w", name, err)
	}
	if !ok {
		s.metrics.IncSkipped(obsmetrics.SweepSkipReasonLockHeld)
		s.log.Debug("scheduler.job.skipped", zap.String("job", name), zap.String("reason", obsmetrics.SweepSkipReasonLockHeld))
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(parent), key, token); err != nil {
			s.log.Warn("release job lock failed", zap.String("job", name), zap.Error(err))
		}
	}()

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	err = fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	s.metrics.AddProcessed(name, run.processedCount)
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out", zap.String("job", name), zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobStaleFlows, s.StaleFlowsJob},
		{JobResumePayouts, s.ResumePayoutsJob},
	}
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	interval := s.policy.Get().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(interval)

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// StaleFlowsJob expires handshake flows left pending by a process that died mid-flow.
func (s *Scheduler) StaleFlowsJob(ctx context.Context) error {
	ctx, run := s.startJobRun(ctx, JobStaleFlows)
	processed, err := s.sweeper.SweepStale(ctx)
	run.AddProcessed(processed)
	if err != nil {
		s.logJobError(ctx, run, "scheduler.stale_flows.failed", err)
	}
	return err
}

// ResumePayoutsJob finishes releases whose payout exists on the network but never reached
// the ledger.
func (s *Scheduler) ResumePayoutsJob(ctx context.Context) error {
	ctx, run := s.startJobRun(ctx, JobResumePayouts)

	payments, err := s.client.IncompleteServerPayments(ctx)
	if err != nil {
		s.logJobError(ctx, run, "scheduler.resume_payouts.list_failed", err)
		return err
	}

	var jobErr error
	seen := make(map[string]struct{}, len(payments))
	for _, payment := range payments {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		taskID := payment.TaskID()
		if payment.Type() != paymentdomain.PaymentTypeTaskRelease || taskID == "" {
			run.IncSkipped()
			continue
		}
		if _, dup := seen[taskID]; dup {
			continue
		}
		seen[taskID] = struct{}{}

		escrow, err := s.escrow.GetByTask(ctx, taskID)
		if errors.Is(err, escrowdomain.ErrNotFound) {
			s.logger(ctx).Warn("scheduler.resume_payouts.orphan",
				zap.String("payment_id", payment.Identifier),
				zap.String("task_id", taskID),
			)
			run.IncSkipped()
			continue
		}
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "scheduler.resume_payouts.lookup_failed", err, zap.String("task_id", taskID))
			continue
		}
		if escrow.Status != escrowdomain.StatusFunded {
			run.IncSkipped()
			continue
		}

		released, err := s.escrow.Release(ctx, escrow.ID)
		switch {
		case errors.Is(err, escrowdomain.ErrReleaseInProgress):
			run.IncSkipped()
		case err != nil:
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "scheduler.resume_payouts.release_failed", err,
				zap.String("task_id", taskID),
				zap.String("escrow_id", escrow.ID.String()),
				zap.String("payment_id", payment.Identifier),
			)
		default:
			run.AddProcessed(1)
			s.logger(ctx).Info("scheduler.resume_payouts.released",
				zap.String("task_id", taskID),
				zap.String("escrow_id", released.ID.String()),
				zap.String("release_txid", released.ReleaseTxID),
			)
		}
	}
	return jobErr
}
