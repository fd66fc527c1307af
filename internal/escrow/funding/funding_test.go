package funding_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/config"
	"github.com/smallbiznis/escrowd/internal/escrow/domain"
	"github.com/smallbiznis/escrowd/internal/escrow/funding"
	"github.com/smallbiznis/escrowd/internal/escrow/repository"
	escrowservice "github.com/smallbiznis/escrowd/internal/escrow/service"
	handshakedomain "github.com/smallbiznis/escrowd/internal/handshake/domain"
	"github.com/smallbiznis/escrowd/internal/handshake/relay"
	handshakerepo "github.com/smallbiznis/escrowd/internal/handshake/repository"
	handshakeservice "github.com/smallbiznis/escrowd/internal/handshake/service"
	"github.com/smallbiznis/escrowd/internal/lock"
	"github.com/smallbiznis/escrowd/internal/paymentnetwork/fake"
	payoutservice "github.com/smallbiznis/escrowd/internal/payout/service"
	"github.com/smallbiznis/escrowd/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type rig struct {
	db      *gorm.DB
	network *fake.Network
	relay   *relay.Relay
	escrow  *escrowservice.Service
	starter *funding.Starter
	flows   *handshakeservice.Service
}

func newRig(t *testing.T) *rig {
	t.Helper()
	db := storetest.Open(t)
	storetest.InsertProfile(t, db, "creator", "uid-creator")
	storetest.InsertProfile(t, db, "worker", "uid-worker")
	storetest.InsertTask(t, db, "T1", "creator", "open")
	storetest.InsertBid(t, db, "B1", "T1", "worker", "5", "accepted")

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	network := fake.New()
	policy := config.NewStaticPaymentPolicyHolder(config.DefaultPaymentPolicy())
	locker := lock.NewStoreLocker(db, clk)
	escrowRepo := repository.Provide()
	flowRepo := handshakerepo.Provide()
	r := relay.New(zap.NewNop())

	escrow := escrowservice.NewService(escrowservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  escrowRepo,
		Flows: flowRepo,
		Dispatcher: payoutservice.NewDispatcher(payoutservice.Params{
			Log: zap.NewNop(), Client: network, Clock: clk, Policy: policy,
		}),
		Locker: locker,
		Policy: policy,
	})
	flows := handshakeservice.NewService(handshakeservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  clk,
		Repo:   flowRepo,
		Client: network,
		Wallet: r,
		Locker: locker,
		Policy: policy,
		Hooks:  funding.NewHooks(funding.HooksParams{Log: zap.NewNop(), Escrow: escrow}),
	})
	starter := funding.NewStarter(funding.StarterParams{
		DB: db, Clock: clk, Repo: escrowRepo, Escrow: escrow, Handshake: flows,
	})
	return &rig{db: db, network: network, relay: r, escrow: escrow, starter: starter, flows: flows}
}

func (r *rig) walletPayment(id string, amount int64) {
	r.network.UserPayment(id, "uid-creator", decimal.NewFromInt(amount), map[string]any{
		"type": "task_payment", "taskId": "T1", "bidId": "B1",
	})
}

func TestFundingFlowFundsEscrow(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	flow, err := r.starter.StartFunding(ctx, domain.FundingRequest{TaskID: "T1", BidID: "B1", ActorUID: "uid-creator"})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5).Equal(flow.Amount))
	assert.Equal(t, "T1", flow.MetadataString("taskId"))

	r.walletPayment("P1", 5)
	require.NoError(t, r.relay.ReadyForApproval(ctx, flow.ID, "P1"))

	pending, err := r.escrow.GetByTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)
	assert.Equal(t, "P1", pending.PaymentID)

	require.NoError(t, r.relay.ReadyForCompletion(ctx, flow.ID, "P1", "tx1"))
	outcome, err := r.flows.Await(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, handshakedomain.FlowStatusCompleted, outcome.Status)

	funded, err := r.escrow.GetByTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFunded, funded.Status)
	assert.Equal(t, "tx1", funded.TxID)
	assert.Equal(t, "in_progress", storetest.QueryString(t, r.db, `SELECT status FROM tasks WHERE id = 'T1'`))

	_, err = r.starter.StartFunding(ctx, domain.FundingRequest{TaskID: "T1", ActorUID: "uid-creator"})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestFundingConflictCancelsPaymentBeforeApproval(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	flow, err := r.starter.StartFunding(ctx, domain.FundingRequest{TaskID: "T1", ActorUID: "uid-creator"})
	require.NoError(t, err)

	_, err = r.escrow.Create(ctx, domain.CreateRequest{TaskID: "T1", Amount: decimal.NewFromInt(5), PaymentID: "P0"})
	require.NoError(t, err)

	r.walletPayment("P1", 5)
	err = r.relay.ReadyForApproval(ctx, flow.ID, "P1")
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 0, r.network.Count(fake.MethodApprove, "P1"))
	assert.Equal(t, 1, r.network.Count(fake.MethodCancel, "P1"))

	outcome, err := r.flows.Await(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, handshakedomain.FlowStatusFailed, outcome.Status)
}

func TestCancelledFundingFreesTaskForRetry(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	first, err := r.starter.StartFunding(ctx, domain.FundingRequest{TaskID: "T1", ActorUID: "uid-creator"})
	require.NoError(t, err)
	r.walletPayment("P1", 5)
	require.NoError(t, r.relay.ReadyForApproval(ctx, first.ID, "P1"))
	require.NoError(t, r.relay.Cancel(ctx, first.ID, "P1"))

	outcome, err := r.flows.Await(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, handshakedomain.FlowStatusFailed, outcome.Status)
	assert.Equal(t, "voided", storetest.QueryString(t, r.db, `SELECT status FROM escrow_payments WHERE payment_id = 'P1'`))
	_, err = r.escrow.GetByTask(ctx, "T1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	second, err := r.starter.StartFunding(ctx, domain.FundingRequest{TaskID: "T1", ActorUID: "uid-creator"})
	require.NoError(t, err)
	r.walletPayment("P2", 5)
	require.NoError(t, r.relay.ReadyForApproval(ctx, second.ID, "P2"))
	require.NoError(t, r.relay.ReadyForCompletion(ctx, second.ID, "P2", "tx2"))

	funded, err := r.escrow.GetByTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFunded, funded.Status)
	assert.Equal(t, "P2", funded.PaymentID)
	assert.Equal(t, "in_progress", storetest.QueryString(t, r.db, `SELECT status FROM tasks WHERE id = 'T1'`))
}

func TestFailedFundingLeavesOtherEscrowAlone(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	flow, err := r.starter.StartFunding(ctx, domain.FundingRequest{TaskID: "T1", ActorUID: "uid-creator"})
	require.NoError(t, err)
	held, err := r.escrow.Create(ctx, domain.CreateRequest{TaskID: "T1", Amount: decimal.NewFromInt(5), PaymentID: "P0"})
	require.NoError(t, err)

	r.walletPayment("P1", 5)
	require.ErrorIs(t, r.relay.ReadyForApproval(ctx, flow.ID, "P1"), domain.ErrConflict)

	still, err := r.escrow.GetByTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, held.ID, still.ID)
	assert.Equal(t, domain.StatusPending, still.Status)
}

func TestFundingRequiresTaskCreator(t *testing.T) {
	r := newRig(t)

	_, err := r.starter.StartFunding(context.Background(), domain.FundingRequest{TaskID: "T1", ActorUID: "uid-worker"})
	require.ErrorIs(t, err, domain.ErrNotTaskCreator)
}

func TestFundingRequiresAcceptedBid(t *testing.T) {
	r := newRig(t)
	storetest.InsertTask(t, r.db, "T2", "creator", "open")
	storetest.InsertBid(t, r.db, "B2", "T2", "worker", "5", "pending")

	_, err := r.starter.StartFunding(context.Background(), domain.FundingRequest{TaskID: "T2", ActorUID: "uid-creator"})
	require.ErrorIs(t, err, domain.ErrBidNotFound)
}
