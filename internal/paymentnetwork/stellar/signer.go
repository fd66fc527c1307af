package stellar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/config"
	"github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultBaseFee     int64 = 100000
	txValidity               = 180 * time.Second
	lookbackRecords          = 50
	maxMemoTextBytes         = 28
	stroopsPerUnitExp        = 7
	horizonHTTPTimeout       = 30 * time.Second
	appName                  = "escrowd"
)

var (
	ErrInvalidSeed         = errors.New("invalid_wallet_seed")
	ErrInvalidAddress      = errors.New("invalid_wallet_address")
	ErrNetworkMismatch     = errors.New("payment_network_mismatch")
	ErrSourceMismatch      = errors.New("payment_source_mismatch")
	ErrInvalidAmount       = errors.New("invalid_transfer_amount")
	ErrTransactionRejected = errors.New("transaction_rejected")
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	HTTPClient *http.Client `optional:"true"`
}

type Signer struct {
	keys       *keypair.Full
	horizonURL string
	passphrase string
	client     *http.Client
	clock      clock.Clock
	log        *zap.Logger
}

func New(p Params) (domain.Signer, error) {
	return newSigner(p)
}

func newSigner(p Params) (*Signer, error) {
	keys, err := parseSeed(p.Cfg.Pi.WalletSeed)
	if err != nil {
		return nil, fmt.Errorf("%w: PI_WALLET_PRIVATE_SEED", domain.ErrInvalidConfig)
	}
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: horizonHTTPTimeout}
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Signer{
		keys:       keys,
		horizonURL: strings.TrimRight(p.Cfg.Pi.HorizonURL, "/"),
		passphrase: p.Cfg.Pi.NetworkPassphrase,
		client:     client,
		clock:      clk,
		log:        p.Log.Named("paymentnetwork.stellar"),
	}, nil
}

// parseSeed rejects public addresses; only a secret seed can sign.
func parseSeed(seed string) (*keypair.Full, error) {
	keys, err := keypair.ParseFull(strings.TrimSpace(seed))
	if err != nil {
		return nil, ErrInvalidSeed
	}
	return keys, nil
}

func (s *Signer) Address() string {
	return s.keys.Address()
}

// SubmitTransfer signs and broadcasts the on-chain transfer for an A2U payment.
// The payment id travels as the memo, so a transfer that already landed is found
// and its hash returned instead of paying twice.
func (s *Signer) SubmitTransfer(ctx context.Context, req domain.TransferRequest) (string, error) {
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" || len(paymentID) > maxMemoTextBytes {
		return "", fmt.Errorf("%w: payment id", domain.ErrInvalidRequest)
	}
	if req.Network != "" && req.Network != s.passphrase {
		return "", ErrNetworkMismatch
	}
	if req.FromAddress != "" && req.FromAddress != s.keys.Address() {
		return "", ErrSourceMismatch
	}
	destination := strings.TrimSpace(req.ToAddress)
	if !strkey.IsValidEd25519PublicKey(destination) {
		return "", ErrInvalidAddress
	}
	stroops, err := toStroops(req.Amount)
	if err != nil {
		return "", err
	}

	log := s.log.With(zap.String("payment_id", paymentID))
	horizon := s.horizon(ctx)

	if hash, found, err := s.findSubmitted(horizon, paymentID); err != nil {
		return "", err
	} else if found {
		log.Info("transfer already on ledger", zap.String("txid", hash))
		return hash, nil
	}

	account, err := horizon.AccountDetail(horizonclient.AccountRequest{AccountID: s.keys.Address()})
	if err != nil {
		return "", lookupError("account", err)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		BaseFee:              s.baseFee(horizon),
		Memo:                 txnbuild.MemoText(paymentID),
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimebounds(0, s.clock.Now().Add(txValidity).Unix()),
		},
		Operations: []txnbuild.Operation{&txnbuild.Payment{
			Destination: destination,
			Amount:      amount.StringFromInt64(stroops),
			Asset:       txnbuild.NativeAsset{},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: build transfer: %v", domain.ErrInvalidRequest, err)
	}
	tx, err = tx.Sign(s.passphrase, s.keys)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	txid, err := tx.HashHex(s.passphrase)
	if err != nil {
		return "", fmt.Errorf("hash transfer: %w", err)
	}

	submitted, err := horizon.SubmitTransactionWithOptions(tx, horizonclient.SubmitTxOpts{SkipMemoRequiredCheck: true})
	if err != nil {
		err = submitError(err)
		log.Warn("transfer submit failed", zap.String("txid", txid), zap.Error(err))
		return "", err
	}
	if submitted.Hash != "" && submitted.Hash != txid {
		log.Warn("horizon reported a different hash", zap.String("txid", txid), zap.String("reported", submitted.Hash))
		txid = submitted.Hash
	}
	log.Info("transfer submitted", zap.String("txid", txid))
	return txid, nil
}

func toStroops(value decimal.Decimal) (int64, error) {
	if !value.IsPositive() {
		return 0, ErrInvalidAmount
	}
	stroops := value.Shift(stroopsPerUnitExp)
	if !stroops.IsInteger() || !stroops.LessThan(decimal.NewFromInt(1<<62)) {
		return 0, ErrInvalidAmount
	}
	return stroops.IntPart(), nil
}

func (s *Signer) horizon(ctx context.Context) *horizonclient.Client {
	return &horizonclient.Client{
		HorizonURL: s.horizonURL,
		HTTP:       contextHTTP{ctx: ctx, client: s.client},
		AppName:    appName,
	}
}

func (s *Signer) baseFee(horizon *horizonclient.Client) int64 {
	stats, err := horizon.FeeStats()
	if err != nil {
		s.log.Debug("fee stats unavailable, using default", zap.Error(err))
		return defaultBaseFee
	}
	if stats.LastLedgerBaseFee <= 0 {
		return defaultBaseFee
	}
	return stats.LastLedgerBaseFee
}

func (s *Signer) findSubmitted(horizon *horizonclient.Client, memo string) (string, bool, error) {
	page, err := horizon.Transactions(horizonclient.TransactionRequest{
		ForAccount: s.keys.Address(),
		Order:      horizonclient.OrderDesc,
		Limit:      lookbackRecords,
	})
	if err != nil {
		return "", false, lookupError("transactions", err)
	}
	for _, record := range page.Embedded.Records {
		if record.Successful && record.MemoType == "text" && record.Memo == memo {
			return record.Hash, true, nil
		}
	}
	return "", false, nil
}

// lookupError maps a failed horizon read: unreachable or 5xx is retryable, any other
// status means the wallet or horizon URL is misconfigured.
func lookupError(resource string, err error) error {
	herr := horizonclient.GetError(err)
	switch {
	case herr == nil || herr.Response == nil:
		return fmt.Errorf("%w: horizon %s: %v", domain.ErrNetwork, resource, err)
	case herr.Response.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: horizon %s returned %d", domain.ErrNetwork, resource, herr.Response.StatusCode)
	default:
		return fmt.Errorf("%w: horizon %s returned %d", domain.ErrInvalidConfig, resource, herr.Response.StatusCode)
	}
}

// submitError keeps a moved sequence retryable; the next attempt reloads the account.
func submitError(err error) error {
	herr := horizonclient.GetError(err)
	if herr == nil || herr.Response == nil {
		return fmt.Errorf("%w: horizon submit: %v", domain.ErrNetwork, err)
	}
	if herr.Response.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: horizon submit returned %d", domain.ErrNetwork, herr.Response.StatusCode)
	}
	codes, cerr := herr.ResultCodes()
	if cerr != nil {
		return fmt.Errorf("%w: %s", ErrTransactionRejected, herr.Problem.Title)
	}
	if codes.TransactionCode == "tx_bad_seq" {
		return fmt.Errorf("%w: sequence moved during submit", domain.ErrNetwork)
	}
	return fmt.Errorf("%w: %s %v", ErrTransactionRejected, codes.TransactionCode, codes.OperationCodes)
}

// contextHTTP runs horizon requests under the caller's context instead of the client's own timeout.
type contextHTTP struct {
	ctx    context.Context
	client *http.Client
}

func (h contextHTTP) Do(req *http.Request) (*http.Response, error) {
	return h.client.Do(req.WithContext(h.ctx))
}

func (h contextHTTP) Get(target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return h.client.Do(req)
}

func (h contextHTTP) PostForm(target string, data url.Values) (*http.Response, error) {
	return h.post(target, "application/x-www-form-urlencoded", strings.NewReader(data.Encode()))
}

func (h contextHTTP) post(target, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(h.ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return h.client.Do(req)
}

var _ horizonclient.HTTP = contextHTTP{}
