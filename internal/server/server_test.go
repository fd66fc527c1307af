package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/config"
	"github.com/smallbiznis/escrowd/internal/escrow/funding"
	escrowrepo "github.com/smallbiznis/escrowd/internal/escrow/repository"
	escrowservice "github.com/smallbiznis/escrowd/internal/escrow/service"
	"github.com/smallbiznis/escrowd/internal/handshake/relay"
	handshakerepo "github.com/smallbiznis/escrowd/internal/handshake/repository"
	handshakeservice "github.com/smallbiznis/escrowd/internal/handshake/service"
	identityrepo "github.com/smallbiznis/escrowd/internal/identity/repository"
	identityservice "github.com/smallbiznis/escrowd/internal/identity/service"
	"github.com/smallbiznis/escrowd/internal/lock"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"github.com/smallbiznis/escrowd/internal/paymentnetwork/fake"
	payoutservice "github.com/smallbiznis/escrowd/internal/payout/service"
	"github.com/smallbiznis/escrowd/internal/ratelimit"
	"github.com/smallbiznis/escrowd/internal/reconciler"
	"github.com/smallbiznis/escrowd/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testOrigin = "https://app.example.com"

type testApp struct {
	db      *gorm.DB
	network *fake.Network
	engine  *gin.Engine
}

func newTestApp(t *testing.T, opts ...func(*ServerParams)) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := storetest.Open(t)
	storetest.InsertProfile(t, db, "creator", "uid-creator")
	storetest.InsertProfile(t, db, "worker", "uid-worker")
	storetest.InsertTask(t, db, "T1", "creator", "open")
	storetest.InsertBid(t, db, "B1", "T1", "worker", "5", "pending")
	storetest.InsertBid(t, db, "B2", "T1", "worker", "7", "pending")

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	network := fake.New()
	policy := config.DefaultPaymentPolicy()
	policy.SubmitBackoff = time.Millisecond
	policy.SubmitMaxBackoff = time.Millisecond
	holder := config.NewStaticPaymentPolicyHolder(policy)
	locker := lock.NewStoreLocker(db, clk)
	flowRepo := handshakerepo.Provide()
	escrowRepo := escrowrepo.Provide()
	r := relay.New(zap.NewNop())

	escrow := escrowservice.NewService(escrowservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  escrowRepo,
		Flows: flowRepo,
		Dispatcher: payoutservice.NewDispatcher(payoutservice.Params{
			Log: zap.NewNop(), Client: network, Clock: clk, Policy: holder,
		}),
		Locker: locker,
		Policy: holder,
	})
	rec := reconciler.New(reconciler.Params{
		DB: db, Log: zap.NewNop(), Clock: clk, Flows: flowRepo, Client: network,
		Escrow: escrow, Locker: locker, Policy: holder,
	})
	handshake := handshakeservice.NewService(handshakeservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     clk,
		Repo:      flowRepo,
		Client:    network,
		Wallet:    r,
		Locker:    locker,
		Policy:    holder,
		Hooks:     funding.NewHooks(funding.HooksParams{Log: zap.NewNop(), Escrow: escrow}),
		Preflight: reconciler.NewPreflight(rec),
	})
	identity := identityservice.NewService(identityservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: identityrepo.Provide(),
		Client: network, Reconciler: rec,
	})

	engine := gin.New()
	engine.Use(CORS(testOrigin))
	engine.Use(ErrorHandlingMiddleware())
	params := ServerParams{
		Gin:       engine,
		Log:       zap.NewNop(),
		Policy:    holder,
		Network:   network,
		Handshake: handshake,
		Relay:     r,
		Identity:  identity,
		Escrow:    escrow,
		Funding: funding.NewStarter(funding.StarterParams{
			DB: db, Clock: clk, Repo: escrowRepo, Escrow: escrow, Handshake: handshake,
		}),
	}
	for _, opt := range opts {
		opt(&params)
	}
	NewServer(params)
	return &testApp{db: db, network: network, engine: engine}
}

func (a *testApp) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	out, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data: %v", body)
	return out
}

func errorType(body map[string]any) string {
	payload, _ := body["error"].(map[string]any)
	kind, _ := payload["type"].(string)
	return kind
}

func TestEscrowFundingAndReleaseOverHTTP(t *testing.T) {
	app := newTestApp(t)

	status, body := app.do(t, http.MethodPost, "/tasks/T1/bids/B1/accept", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "accepted", data(t, body)["status"])

	status, body = app.do(t, http.MethodPost, "/tasks/T1/escrow", gin.H{"uid": "uid-creator"})
	require.Equal(t, http.StatusCreated, status, body)
	flowID := data(t, body)["flow_id"].(string)
	assert.Equal(t, "5", data(t, body)["amount"])

	app.network.UserPayment("P1", "uid-creator", decimal.NewFromInt(5), map[string]any{
		"type": "task_payment", "taskId": "T1", "bidId": "B1",
	})
	status, body = app.do(t, http.MethodPost, "/payment-flows/"+flowID+"/ready-for-approval", gin.H{"payment_id": "P1"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = app.do(t, http.MethodPost, "/payment-flows/"+flowID+"/ready-for-completion", gin.H{"payment_id": "P1", "txid": "tx1"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "completed", data(t, body)["status"])

	status, body = app.do(t, http.MethodGet, "/tasks/T1/escrow", nil)
	require.Equal(t, http.StatusOK, status, body)
	escrow := data(t, body)
	assert.Equal(t, "funded", escrow["status"])
	escrowID := escrow["id"].(string)

	status, body = app.do(t, http.MethodPost, "/escrows/"+escrowID+"/release", nil)
	require.Equal(t, http.StatusConflict, status, body)
	assert.Equal(t, "submission_not_approved", errorType(body))

	storetest.InsertSubmission(t, app.db, "S1", "T1", "worker", "approved")
	status, body = app.do(t, http.MethodPost, "/escrows/"+escrowID+"/release", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "released", data(t, body)["status"])
	assert.Equal(t, "uid-worker", app.network.Payment("a2u_1").UserUID)
}

func TestPaymentFlowAmountMismatchIsRejected(t *testing.T) {
	app := newTestApp(t)

	status, body := app.do(t, http.MethodPost, "/payment-flows", gin.H{
		"uid": "u1", "amount": "1", "memo": "Pay 1 Pi", "metadata": gin.H{"type": "test_payment"},
	})
	require.Equal(t, http.StatusCreated, status, body)
	flowID := data(t, body)["flow_id"].(string)

	app.network.UserPayment("P9", "u1", decimal.NewFromInt(2), map[string]any{"type": "test_payment"})
	status, body = app.do(t, http.MethodPost, "/payment-flows/"+flowID+"/ready-for-approval", gin.H{"payment_id": "P9"})
	require.Equal(t, http.StatusUnprocessableEntity, status, body)
	assert.Equal(t, "amount_mismatch", errorType(body))
	assert.Zero(t, app.network.Count(fake.MethodApprove, "P9"))

	status, body = app.do(t, http.MethodGet, "/payment-flows/"+flowID+"?wait=1", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "failed", data(t, body)["status"])
	assert.Equal(t, "amount_mismatch", data(t, body)["error"])
}

func TestPaymentFlowUserCancel(t *testing.T) {
	app := newTestApp(t)

	status, body := app.do(t, http.MethodPost, "/payment-flows", gin.H{
		"uid": "u1", "amount": 1, "memo": "Pay 1 Pi", "metadata": gin.H{"type": "test_payment"},
	})
	require.Equal(t, http.StatusCreated, status, body)
	flowID := data(t, body)["flow_id"].(string)

	status, body = app.do(t, http.MethodPost, "/payment-flows", gin.H{
		"uid": "u1", "amount": 1, "memo": "again", "metadata": gin.H{"type": "test_payment"},
	})
	require.Equal(t, http.StatusConflict, status, body)
	assert.Equal(t, "payment_already_in_progress", errorType(body))

	status, body = app.do(t, http.MethodPost, "/payment-flows/"+flowID+"/error", gin.H{"kind": "user_cancelled"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "user_cancelled", data(t, body)["error"])

	status, body = app.do(t, http.MethodPost, "/payment-flows/"+flowID+"/cancel", gin.H{})
	require.Equal(t, http.StatusNotFound, status, body)
	assert.Equal(t, "flow_not_found", errorType(body))
}

func TestPaymentFlowStartIsRateLimitedPerActor(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewLimiter(ratelimit.NewTokenBucket(client), config.RateLimitConfig{
		Enabled: true, AuthRate: 1, AuthBurst: 5, FlowStartRate: 0.001, FlowStartBurst: 1,
	})
	require.NoError(t, err)

	app := newTestApp(t, func(p *ServerParams) { p.Limiter = limiter })

	status, body := app.do(t, http.MethodPost, "/payment-flows", gin.H{
		"uid": "u1", "amount": 1, "memo": "Pay 1 Pi", "metadata": gin.H{"type": "test_payment"},
	})
	require.Equal(t, http.StatusCreated, status, body)

	status, body = app.do(t, http.MethodPost, "/payment-flows", gin.H{
		"uid": "u1", "amount": 1, "memo": "again", "metadata": gin.H{"type": "test_payment"},
	})
	require.Equal(t, http.StatusTooManyRequests, status, body)
	assert.Equal(t, "rate_limited", errorType(body))

	status, body = app.do(t, http.MethodPost, "/payment-flows", gin.H{
		"uid": "u2", "amount": 1, "memo": "Pay 1 Pi", "metadata": gin.H{"type": "test_payment"},
	})
	require.Equal(t, http.StatusCreated, status, body)
}

func TestAuthenticatePi(t *testing.T) {
	app := newTestApp(t)
	app.network.AddUser("token-1", paymentdomain.User{UID: "u1", Username: "alice"})

	status, body := app.do(t, http.MethodPost, "/auth/pi", gin.H{"access_token": "token-1"})
	require.Equal(t, http.StatusOK, status, body)
	profile := data(t, body)["profile"].(map[string]any)
	assert.Equal(t, "u1", profile["uid"])
	assert.Equal(t, "alice", profile["username"])

	status, body = app.do(t, http.MethodPost, "/auth/pi", gin.H{"access_token": "stolen"})
	require.Equal(t, http.StatusUnauthorized, status, body)
	assert.Equal(t, "invalid_access_token", errorType(body))

	status, _ = app.do(t, http.MethodPost, "/auth/pi", gin.H{})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestNetworkProxyRoutes(t *testing.T) {
	app := newTestApp(t)

	status, body := app.do(t, http.MethodPost, "/a2u-payments/create", gin.H{
		"amount": "2.5", "memo": "refund", "uid": "uid-worker", "metadata": gin.H{"type": "task_payment_release"},
	})
	require.Equal(t, http.StatusOK, status, body)
	paymentID := data(t, body)["payment_id"].(string)

	status, body = app.do(t, http.MethodPost, "/a2u-payments/"+paymentID+"/submit", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "tx_"+paymentID, data(t, body)["txid"])

	status, body = app.do(t, http.MethodGet, "/payments/missing", nil)
	require.Equal(t, http.StatusNotFound, status, body)
	assert.Equal(t, "payment_not_found", errorType(body))

	status, _ = app.do(t, http.MethodPost, "/a2u-payments/create", gin.H{"amount": "0", "uid": "uid-worker"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestEscrowIDMustParse(t *testing.T) {
	app := newTestApp(t)

	status, body := app.do(t, http.MethodGet, "/escrows/not-a-number", nil)
	require.Equal(t, http.StatusNotFound, status, body)

	status, body = app.do(t, http.MethodGet, "/escrows/12345", nil)
	require.Equal(t, http.StatusNotFound, status, body)
	assert.Equal(t, "escrow_not_found", errorType(body))
}

func TestCORSAllowsConfiguredOriginOnly(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodOptions, "/payment-flows", nil)
	req.Header.Set("Origin", testOrigin)
	rec := httptest.NewRecorder()
	app.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/payment-flows", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	app.engine.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMapErrorHidesInternalDetails(t *testing.T) {
	status, payload := mapError(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", payload.Type)
	assert.NotContains(t, payload.Message, assert.AnError.Error())
}
