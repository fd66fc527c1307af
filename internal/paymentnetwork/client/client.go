package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/escrowd/internal/config"
	obsmetrics "github.com/smallbiznis/escrowd/internal/observability/metrics"
	"github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const requestTimeout = 20 * time.Second

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Signer     domain.Signer
	Metrics    *obsmetrics.Metrics `optional:"true"`
	HTTPClient *http.Client        `optional:"true"`
}

type piClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	signer  domain.Signer
	metrics *obsmetrics.Metrics
	log     *zap.Logger
}

func New(p Params) domain.Client {
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &piClient{
		baseURL: strings.TrimRight(p.Cfg.Pi.BaseURL, "/"),
		apiKey:  strings.TrimSpace(p.Cfg.Pi.APIKey),
		client:  client,
		signer:  p.Signer,
		metrics: p.Metrics,
		log:     p.Log.Named("paymentnetwork.client"),
	}
}

type apiErrorResponse struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

type createPaymentBody struct {
	Payment createPaymentFields `json:"payment"`
}

type createPaymentFields struct {
	Amount   json.Number    `json:"amount"`
	Memo     string         `json:"memo"`
	Metadata map[string]any `json:"metadata"`
	UID      string         `json:"uid"`
}

type incompleteServerPaymentsResponse struct {
	Payments []domain.Payment `json:"incomplete_server_payments"`
}

func (c *piClient) GetPayment(ctx context.Context, paymentID string) (domain.Payment, error) {
	path, err := paymentPath(paymentID, "")
	if err != nil {
		return domain.Payment{}, err
	}
	return c.doPayment(ctx, http.MethodGet, path, "/payments/:id", nil)
}

func (c *piClient) ApprovePayment(ctx context.Context, paymentID string) (domain.Payment, error) {
	path, err := paymentPath(paymentID, "approve")
	if err != nil {
		return domain.Payment{}, err
	}
	payment, err := c.doPayment(ctx, http.MethodPost, path, "/payments/:id/approve", nil)
	if err == nil {
		return payment, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Payment{}, err
	}

	current, getErr := c.GetPayment(ctx, paymentID)
	if getErr == nil && current.Status.DeveloperApproved && !current.Lifecycle.Terminal() {
		c.log.Debug("approval already recorded", zap.String("payment_id", paymentID), zap.Error(err))
		return current, nil
	}
	return domain.Payment{}, err
}

func (c *piClient) CompletePayment(
	ctx context.Context,
	paymentID string,
	txid string,
	expected decimal.NullDecimal,
) (domain.Payment, error) {
	txid = strings.TrimSpace(txid)
	if txid == "" {
		return domain.Payment{}, fmt.Errorf("%w: txid is required", domain.ErrInvalidRequest)
	}
	path, err := paymentPath(paymentID, "complete")
	if err != nil {
		return domain.Payment{}, err
	}

	if expected.Valid {
		current, err := c.GetPayment(ctx, paymentID)
		if err != nil {
			return domain.Payment{}, err
		}
		if !current.Amount.Equal(expected.Decimal) {
			return domain.Payment{}, fmt.Errorf(
				"%w: amount %s does not match expected %s",
				domain.ErrConflict, current.Amount.String(), expected.Decimal.String(),
			)
		}
		if current.Lifecycle == domain.LifecycleCompleted && current.TxID() == txid {
			return current, nil
		}
	}

	payment, err := c.doPayment(ctx, http.MethodPost, path, "/payments/:id/complete", map[string]string{"txid": txid})
	if err == nil {
		return payment, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Payment{}, err
	}

	current, getErr := c.GetPayment(ctx, paymentID)
	if getErr == nil && current.Lifecycle == domain.LifecycleCompleted && current.TxID() == txid {
		c.log.Debug("completion already recorded", zap.String("payment_id", paymentID))
		return current, nil
	}
	return domain.Payment{}, err
}

func (c *piClient) CancelPayment(ctx context.Context, paymentID string) (domain.Payment, error) {
	path, err := paymentPath(paymentID, "cancel")
	if err != nil {
		return domain.Payment{}, err
	}
	payment, err := c.doPayment(ctx, http.MethodPost, path, "/payments/:id/cancel", nil)
	if err == nil {
		return payment, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Payment{}, err
	}

	current, getErr := c.GetPayment(ctx, paymentID)
	if getErr == nil && (current.Lifecycle == domain.LifecycleCancelled || current.Lifecycle == domain.LifecycleExpired) {
		return current, nil
	}
	return domain.Payment{}, err
}

func (c *piClient) CreateA2UPayment(ctx context.Context, req domain.A2URequest) (string, error) {
	uid := strings.TrimSpace(req.RecipientUID)
	if uid == "" {
		return "", fmt.Errorf("%w: recipient uid is required", domain.ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	body := createPaymentBody{Payment: createPaymentFields{
		Amount:   json.Number(req.Amount.String()),
		Memo:     req.Memo,
		Metadata: metadata,
		UID:      uid,
	}}

	payment, err := c.doPayment(ctx, http.MethodPost, "/payments", "/payments", body)
	if err != nil {
		return "", err
	}
	if payment.Identifier == "" {
		return "", fmt.Errorf("%w: payment created without identifier", domain.ErrNetwork)
	}
	return payment.Identifier, nil
}

// SubmitPayment broadcasts the on-chain transfer for an A2U payment and returns the txid.
// A payment that already carries a transaction is returned as is.
func (c *piClient) SubmitPayment(ctx context.Context, paymentID string) (string, error) {
	if c.signer == nil {
		return "", fmt.Errorf("%w: no wallet signer configured", domain.ErrInvalidConfig)
	}
	payment, err := c.GetPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if txid := payment.TxID(); txid != "" {
		return txid, nil
	}
	if payment.Direction != "" && payment.Direction != domain.DirectionAppToUser {
		return "", fmt.Errorf("%w: direction %s", domain.ErrUnexpectedPaymentStatus, payment.Direction)
	}
	if payment.Lifecycle.Terminal() {
		return "", fmt.Errorf("%w: payment is %s", domain.ErrUnexpectedPaymentStatus, payment.Lifecycle)
	}

	txid, err := c.signer.SubmitTransfer(ctx, domain.TransferRequest{
		PaymentID:   payment.Identifier,
		FromAddress: payment.FromAddress,
		ToAddress:   payment.ToAddress,
		Network:     payment.Network,
		Amount:      payment.Amount,
	})
	if err != nil {
		return "", err
	}
	return txid, nil
}

func (c *piClient) IncompleteServerPayments(ctx context.Context) ([]domain.Payment, error) {
	var resp incompleteServerPaymentsResponse
	if err := c.do(ctx, http.MethodGet, "/payments/incomplete_server_payments", "/payments/incomplete_server_payments", nil, "", &resp); err != nil {
		return nil, err
	}
	for i := range resp.Payments {
		resp.Payments[i].Normalize()
	}
	return resp.Payments, nil
}

// VerifyUser resolves a wallet access token to the user it belongs to.
func (c *piClient) VerifyUser(ctx context.Context, accessToken string) (domain.User, error) {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		return domain.User{}, domain.ErrUnauthorized
	}
	var user domain.User
	if err := c.do(ctx, http.MethodGet, "/me", "/me", nil, "Bearer "+token, &user); err != nil {
		return domain.User{}, err
	}
	if user.UID == "" {
		return domain.User{}, domain.ErrUnauthorized
	}
	return user, nil
}

func (c *piClient) doPayment(ctx context.Context, method, path, endpoint string, body any) (domain.Payment, error) {
	var payment domain.Payment
	if err := c.do(ctx, method, path, endpoint, body, "", &payment); err != nil {
		return domain.Payment{}, err
	}
	payment.Normalize()
	return payment, nil
}

func (c *piClient) do(ctx context.Context, method, path, endpoint string, body any, authorization string, out any) error {
	if c.apiKey == "" && authorization == "" {
		return domain.ErrInvalidConfig
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if authorization == "" {
		authorization = "Key " + c.apiKey
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.ObserveNetworkCall(ctx, endpoint, 0, time.Since(start))
		return fmt.Errorf("%w: %s %s: %v", domain.ErrNetwork, method, endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveNetworkCall(ctx, endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrNetwork, endpoint, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var apiErr apiErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &apiErr)

	var kind error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		kind = domain.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = domain.ErrUnauthorized
	case resp.StatusCode == http.StatusConflict:
		kind = domain.ErrConflict
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		kind = domain.ErrNetwork
	default:
		kind = domain.ErrUnexpectedPaymentStatus
	}
	return domain.NewAPIError(resp.StatusCode, strings.TrimSpace(apiErr.Error), strings.TrimSpace(apiErr.ErrorMessage), kind)
}

func paymentPath(paymentID, action string) (string, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return "", fmt.Errorf("%w: payment id is required", domain.ErrInvalidRequest)
	}
	path := "/payments/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path, nil
}
