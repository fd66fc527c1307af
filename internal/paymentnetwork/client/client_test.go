package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/escrowd/internal/config"
	"github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSigner struct {
	mu       sync.Mutex
	requests []domain.TransferRequest
}

func (s *fakeSigner) Address() string { return "GAPP" }

func (s *fakeSigner) SubmitTransfer(_ context.Context, req domain.TransferRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return "tx_" + req.PaymentID, nil
}

type piFake struct {
	mu          sync.Mutex
	payments    map[string]map[string]any
	approveCode int
	authHeaders []string
	created     []map[string]any
}

func newPiFake() *piFake {
	return &piFake{payments: map[string]map[string]any{}, approveCode: http.StatusOK}
}

func (f *piFake) put(id string, amount float64, status map[string]bool, tx map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	statusAny := map[string]any{}
	for k, v := range status {
		statusAny[k] = v
	}
	payment := map[string]any{
		"identifier":   id,
		"user_uid":     "uid-1",
		"amount":       amount,
		"memo":         "memo",
		"metadata":     map[string]any{"type": "task_payment", "taskId": "t-1"},
		"from_address": "GAPP",
		"to_address":   "GUSER",
		"direction":    "app_to_user",
		"network":      "Pi Testnet",
		"status":       statusAny,
		"transaction":  nil,
	}
	if tx != nil {
		payment["transaction"] = tx
	}
	f.payments[id] = payment
}

func (f *piFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))

	path := strings.TrimPrefix(r.URL.Path, "/v2")
	switch {
	case path == "/me":
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"uid": "uid-1", "username": "alice"})
		return
	case path == "/payments/incomplete_server_payments":
		list := []any{}
		for _, p := range f.payments {
			list = append(list, p)
		}
		writeJSON(w, map[string]any{"incomplete_server_payments": list})
		return
	case path == "/payments" && r.Method == http.MethodPost:
		var body map[string]map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.created = append(f.created, body["payment"])
		writeJSON(w, map[string]any{"identifier": "a2u_1", "status": map[string]any{}})
		return
	}

	parts := strings.Split(strings.TrimPrefix(path, "/payments/"), "/")
	payment, ok := f.payments[parts[0]]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"error": "payment_not_found"})
		return
	}
	status := payment["status"].(map[string]any)
	if len(parts) == 2 {
		switch parts[1] {
		case "approve":
			if f.approveCode != http.StatusOK {
				w.WriteHeader(f.approveCode)
				writeJSON(w, map[string]string{"error": "already_approved"})
				return
			}
			status["developer_approved"] = true
		case "complete":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			status["developer_completed"] = true
			status["transaction_verified"] = true
			payment["transaction"] = map[string]any{"txid": body["txid"], "verified": true}
		case "cancel":
			status["cancelled"] = true
		}
	}
	writeJSON(w, payment)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, fake *piFake, signer domain.Signer) domain.Client {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	return New(Params{
		Cfg:    config.Config{Pi: config.PiConfig{APIKey: "server-key", BaseURL: server.URL + "/v2"}},
		Log:    zap.NewNop(),
		Signer: signer,
	})
}

func TestGetPaymentDerivesLifecycle(t *testing.T) {
	fake := newPiFake()
	fake.put("p1", 3.5, map[string]bool{"developer_approved": true}, map[string]any{"txid": "tx1"})
	client := newTestClient(t, fake, nil)

	payment, err := client.GetPayment(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleBroadcast, payment.Lifecycle)
	assert.True(t, payment.Amount.Equal(decimal.RequireFromString("3.5")))
	assert.Equal(t, "t-1", payment.TaskID())
	assert.Equal(t, "Key server-key", fake.authHeaders[0])
}

func TestGetPaymentNotFound(t *testing.T) {
	client := newTestClient(t, newPiFake(), nil)

	_, err := client.GetPayment(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApproveIsIdempotent(t *testing.T) {
	fake := newPiFake()
	fake.put("p1", 1, map[string]bool{"developer_approved": true}, nil)
	fake.approveCode = http.StatusBadRequest
	client := newTestClient(t, fake, nil)

	payment, err := client.ApprovePayment(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleApproved, payment.Lifecycle)
}

func TestApproveFailsWhenNotApproved(t *testing.T) {
	fake := newPiFake()
	fake.put("p1", 1, nil, nil)
	fake.approveCode = http.StatusBadRequest
	client := newTestClient(t, fake, nil)

	_, err := client.ApprovePayment(context.Background(), "p1")
	require.ErrorIs(t, err, domain.ErrUnexpectedPaymentStatus)
}

func TestCompleteChecksExpectedAmount(t *testing.T) {
	fake := newPiFake()
	fake.put("p1", 2, map[string]bool{"developer_approved": true}, map[string]any{"txid": "tx1"})
	client := newTestClient(t, fake, nil)

	expected := decimal.NewNullDecimal(decimal.NewFromInt(3))
	_, err := client.CompletePayment(context.Background(), "p1", "tx1", expected)
	require.ErrorIs(t, err, domain.ErrConflict)

	expected = decimal.NewNullDecimal(decimal.NewFromInt(2))
	payment, err := client.CompletePayment(context.Background(), "p1", "tx1", expected)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleCompleted, payment.Lifecycle)
	assert.True(t, payment.Settled())

	again, err := client.CompletePayment(context.Background(), "p1", "tx1", expected)
	require.NoError(t, err)
	assert.Equal(t, "tx1", again.TxID())
}

func TestCompleteRequiresTxID(t *testing.T) {
	client := newTestClient(t, newPiFake(), nil)
	_, err := client.CompletePayment(context.Background(), "p1", " ", decimal.NullDecimal{})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCancelPayment(t *testing.T) {
	fake := newPiFake()
	fake.put("p1", 1, nil, nil)
	client := newTestClient(t, fake, nil)

	payment, err := client.CancelPayment(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleExpired, payment.Lifecycle)
}

func TestCreateA2UPaymentSendsPaymentEnvelope(t *testing.T) {
	fake := newPiFake()
	client := newTestClient(t, fake, nil)

	id, err := client.CreateA2UPayment(context.Background(), domain.A2URequest{
		Amount:       decimal.RequireFromString("4.25"),
		RecipientUID: "uid-9",
		Memo:         "Task payment release",
		Metadata:     map[string]any{"type": "task_payment_release", "taskId": "t-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a2u_1", id)
	require.Len(t, fake.created, 1)
	assert.Equal(t, "uid-9", fake.created[0]["uid"])
	assert.Equal(t, 4.25, fake.created[0]["amount"])

	_, err = client.CreateA2UPayment(context.Background(), domain.A2URequest{Amount: decimal.Zero, RecipientUID: "uid-9"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestSubmitPaymentUsesSignerOnce(t *testing.T) {
	fake := newPiFake()
	fake.put("a2u_1", 4, map[string]bool{"developer_approved": true}, nil)
	fake.put("a2u_2", 4, map[string]bool{"developer_approved": true}, map[string]any{"txid": "existing"})
	signer := &fakeSigner{}
	client := newTestClient(t, fake, signer)

	txid, err := client.SubmitPayment(context.Background(), "a2u_1")
	require.NoError(t, err)
	assert.Equal(t, "tx_a2u_1", txid)
	require.Len(t, signer.requests, 1)
	assert.Equal(t, "GUSER", signer.requests[0].ToAddress)

	txid, err = client.SubmitPayment(context.Background(), "a2u_2")
	require.NoError(t, err)
	assert.Equal(t, "existing", txid)
	assert.Len(t, signer.requests, 1)
}

func TestIncompleteServerPayments(t *testing.T) {
	fake := newPiFake()
	fake.put("a2u_1", 4, map[string]bool{"developer_approved": true}, nil)
	client := newTestClient(t, fake, nil)

	payments, err := client.IncompleteServerPayments(context.Background())
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, domain.LifecycleApproved, payments[0].Lifecycle)
}

func TestVerifyUser(t *testing.T) {
	client := newTestClient(t, newPiFake(), nil)

	user, err := client.VerifyUser(context.Background(), "good-token")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", user.UID)

	_, err = client.VerifyUser(context.Background(), "bad-token")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	client := New(Params{
		Cfg: config.Config{Pi: config.PiConfig{APIKey: "k", BaseURL: "http://127.0.0.1:1"}},
		Log: zap.NewNop(),
	})
	_, err := client.GetPayment(context.Background(), "p1")
	require.ErrorIs(t, err, domain.ErrNetwork)
}
