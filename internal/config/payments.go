package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PaymentPolicy holds the tunable timing of payment flows. It is hot-reloaded
// from payments.yml when the file changes.
type PaymentPolicy struct {
	HandshakeTimeout  time.Duration `mapstructure:"handshakeTimeout"`
	CallbackTimeout   time.Duration `mapstructure:"callbackTimeout"`
	LockTTLMargin     time.Duration `mapstructure:"lockTTLMargin"`
	ReleaseLockTTL    time.Duration `mapstructure:"releaseLockTTL"`
	SubmitMaxAttempts int           `mapstructure:"submitMaxAttempts"`
	SubmitBackoff     time.Duration `mapstructure:"submitBackoff"`
	SubmitMaxBackoff  time.Duration `mapstructure:"submitMaxBackoff"`
	SweepInterval     time.Duration `mapstructure:"sweepInterval"`
	StaleFlowAfter    time.Duration `mapstructure:"staleFlowAfter"`
	SweepBatchSize    int           `mapstructure:"sweepBatchSize"`
}

func DefaultPaymentPolicy() PaymentPolicy {
	return PaymentPolicy{
		HandshakeTimeout:  60 * time.Second,
		CallbackTimeout:   25 * time.Second,
		LockTTLMargin:     15 * time.Second,
		ReleaseLockTTL:    2 * time.Minute,
		SubmitMaxAttempts: 4,
		SubmitBackoff:     500 * time.Millisecond,
		SubmitMaxBackoff:  8 * time.Second,
		SweepInterval:     time.Minute,
		StaleFlowAfter:    5 * time.Minute,
		SweepBatchSize:    50,
	}
}

type PaymentPolicyHolder struct {
	current atomic.Value // holds PaymentPolicy
}

// NewStaticPaymentPolicyHolder returns a holder that never reloads.
func NewStaticPaymentPolicyHolder(policy PaymentPolicy) *PaymentPolicyHolder {
	holder := &PaymentPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewPaymentPolicyHolder(log *zap.Logger) (*PaymentPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("payments")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/escrowd/config")
	v.AddConfigPath("/etc/escrowd")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ESCROWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return loadPaymentPolicy(v, log)
}

func loadPaymentPolicy(v *viper.Viper, log *zap.Logger) (*PaymentPolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.payments")

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		found = false
	}

	policy, err := decodePaymentPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPaymentPolicyHolder(policy)
	if !found {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePaymentPolicy(v)
		if err != nil {
			log.Warn("payment policy reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("payment policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func decodePaymentPolicy(v *viper.Viper) (PaymentPolicy, error) {
	policy := DefaultPaymentPolicy()
	if v.IsSet("payments") {
		if err := v.UnmarshalKey("payments", &policy); err != nil {
			return PaymentPolicy{}, err
		}
	}
	if err := validatePaymentPolicy(policy); err != nil {
		return PaymentPolicy{}, err
	}
	return policy, nil
}

// ReleaseBudget bounds a payout dispatch so it ends before the release lock can expire.
func (p PaymentPolicy) ReleaseBudget() time.Duration {
	return p.ReleaseLockTTL - p.LockTTLMargin
}

func (h *PaymentPolicyHolder) Get() PaymentPolicy {
	if h == nil {
		return DefaultPaymentPolicy()
	}
	return h.current.Load().(PaymentPolicy)
}

func validatePaymentPolicy(p PaymentPolicy) error {
	if p.HandshakeTimeout <= 0 {
		return errors.New("payments.handshakeTimeout must be positive")
	}
	if p.CallbackTimeout <= 0 {
		return errors.New("payments.callbackTimeout must be positive")
	}
	if p.SubmitMaxAttempts < 1 {
		return errors.New("payments.submitMaxAttempts must be at least 1")
	}
	if p.SubmitBackoff <= 0 || p.SubmitMaxBackoff < p.SubmitBackoff {
		return errors.New("payments.submitBackoff must be positive and not exceed submitMaxBackoff")
	}
	if p.LockTTLMargin < 0 {
		return errors.New("payments.lockTTLMargin must not be negative")
	}
	if p.ReleaseBudget() <= time.Duration(p.SubmitMaxAttempts-1)*p.SubmitMaxBackoff {
		return errors.New("payments.releaseLockTTL must outlast the submit retries plus lockTTLMargin")
	}
	if p.SweepInterval <= 0 {
		return errors.New("payments.sweepInterval must be positive")
	}
	return nil
}
