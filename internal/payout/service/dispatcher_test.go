package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/config"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"github.com/smallbiznis/escrowd/internal/paymentnetwork/fake"
	"github.com/smallbiznis/escrowd/internal/payout/domain"
	"github.com/smallbiznis/escrowd/internal/payout/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDispatcher(network *fake.Network) *service.Dispatcher {
	policy := config.DefaultPaymentPolicy()
	policy.SubmitBackoff = time.Millisecond
	policy.SubmitMaxBackoff = 5 * time.Millisecond
	policy.SubmitMaxAttempts = 3
	return service.NewDispatcher(service.Params{
		Log:    zap.NewNop(),
		Client: network,
		Clock:  clock.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		Policy: config.NewStaticPaymentPolicyHolder(policy),
	})
}

func releaseRequest(recorded *[]string) domain.ReleaseRequest {
	return domain.ReleaseRequest{
		TaskID:       "t1",
		EscrowID:     "e1",
		RecipientUID: "worker",
		Amount:       decimal.NewFromInt(5),
		OnCreated: func(_ context.Context, paymentID string) error {
			*recorded = append(*recorded, paymentID)
			return nil
		},
	}
}

func TestDispatchCreatesSubmitsAndCompletes(t *testing.T) {
	network := fake.New()
	d := newDispatcher(network)
	var recorded []string

	result, err := d.Dispatch(context.Background(), releaseRequest(&recorded))
	require.NoError(t, err)
	assert.Equal(t, "a2u_1", result.PaymentID)
	assert.Equal(t, "tx_a2u_1", result.TxID)
	assert.Equal(t, []string{"a2u_1"}, recorded)

	payment := network.Payment("a2u_1")
	assert.Equal(t, paymentdomain.LifecycleCompleted, payment.Lifecycle)
	assert.Equal(t, paymentdomain.PaymentTypeTaskRelease, payment.Type())
	assert.Equal(t, "t1", payment.TaskID())
}

func TestDispatchResumesAfterSubmitFailure(t *testing.T) {
	network := fake.New()
	d := newDispatcher(network)
	var recorded []string
	ctx := context.Background()

	network.FailNext(fake.MethodSubmit, errors.New("signer unavailable"))
	_, err := d.Dispatch(ctx, releaseRequest(&recorded))
	require.Error(t, err)
	require.Equal(t, []string{"a2u_1"}, recorded)
	assert.Equal(t, 1, network.Count(fake.MethodSubmit, "a2u_1"))

	req := releaseRequest(&recorded)
	req.PaymentID = recorded[0]
	result, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "a2u_1", result.PaymentID)
	assert.Equal(t, 1, network.Total(fake.MethodCreateA2U))
	assert.Len(t, recorded, 1)
}

func TestDispatchRetriesTransientSubmitErrors(t *testing.T) {
	network := fake.New()
	d := newDispatcher(network)
	var recorded []string

	network.FailNext(fake.MethodSubmit, paymentdomain.ErrNetwork)
	network.FailNext(fake.MethodSubmit, paymentdomain.ErrNetwork)
	result, err := d.Dispatch(context.Background(), releaseRequest(&recorded))
	require.NoError(t, err)
	assert.Equal(t, "tx_a2u_1", result.TxID)
	assert.Equal(t, 3, network.Count(fake.MethodSubmit, "a2u_1"))
}

func TestDispatchGivesUpAfterMaxAttempts(t *testing.T) {
	network := fake.New()
	d := newDispatcher(network)
	var recorded []string

	for i := 0; i < 3; i++ {
		network.FailNext(fake.MethodSubmit, paymentdomain.ErrNetwork)
	}
	_, err := d.Dispatch(context.Background(), releaseRequest(&recorded))
	require.ErrorIs(t, err, paymentdomain.ErrNetwork)
	assert.Equal(t, 3, network.Count(fake.MethodSubmit, "a2u_1"))
	assert.Equal(t, 0, network.Count(fake.MethodComplete, "a2u_1"))
}

func TestDispatchFindsUnrecordedPayout(t *testing.T) {
	network := fake.New()
	d := newDispatcher(network)
	ctx := context.Background()

	failing := domain.ReleaseRequest{
		TaskID:       "t1",
		RecipientUID: "worker",
		Amount:       decimal.NewFromInt(5),
		OnCreated: func(context.Context, string) error {
			return errors.New("datastore down")
		},
	}
	_, err := d.Dispatch(ctx, failing)
	require.Error(t, err)

	var recorded []string
	result, err := d.Dispatch(ctx, releaseRequest(&recorded))
	require.NoError(t, err)
	assert.Equal(t, "a2u_1", result.PaymentID)
	assert.Equal(t, []string{"a2u_1"}, recorded)
	assert.Equal(t, 1, network.Total(fake.MethodCreateA2U))
}

func TestDispatchRejectsMismatchedPayout(t *testing.T) {
	network := fake.New()
	d := newDispatcher(network)
	ctx := context.Background()

	id, err := network.CreateA2UPayment(ctx, paymentdomain.A2URequest{
		Amount:       decimal.NewFromInt(7),
		RecipientUID: "worker",
		Memo:         "Task payment release",
		Metadata:     map[string]any{"type": "task_payment_release", "taskId": "t1"},
	})
	require.NoError(t, err)

	var recorded []string
	req := releaseRequest(&recorded)
	req.PaymentID = id
	_, err = d.Dispatch(ctx, req)
	require.ErrorIs(t, err, domain.ErrPayoutMismatch)
	assert.Equal(t, 0, network.Count(fake.MethodSubmit, id))
}

func TestDispatchReportsCancelledPayout(t *testing.T) {
	network := fake.New()
	d := newDispatcher(network)
	ctx := context.Background()

	var recorded []string
	network.FailNext(fake.MethodSubmit, errors.New("signer unavailable"))
	_, err := d.Dispatch(ctx, releaseRequest(&recorded))
	require.Error(t, err)
	_, err = network.CancelPayment(ctx, recorded[0])
	require.NoError(t, err)

	req := releaseRequest(&recorded)
	req.PaymentID = recorded[0]
	_, err = d.Dispatch(ctx, req)
	require.ErrorIs(t, err, domain.ErrPayoutCancelled)
}
