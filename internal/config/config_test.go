package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidateReportsMissingRequiredSettings(t *testing.T) {
	cfg := Config{DBType: "postgres"}

	err := cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{"PI_API_KEY", "PI_WALLET_PRIVATE_SEED", "PI_SANDBOX", "DATASTORE_URL", "DATASTORE_KEY"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidateRejectsUnparseableSandbox(t *testing.T) {
	cfg := Config{
		DBType:       "postgres",
		DatastoreURL: "postgres://localhost/escrow",
		DatastoreKey: "secret",
		Pi:           PiConfig{APIKey: "key", WalletSeed: "seed", SandboxSetting: "maybe"},
	}
	require.ErrorContains(t, cfg.Validate(), `PI_SANDBOX "maybe" is not a boolean`)

	cfg.Pi.SandboxSetting = "off"
	require.NoError(t, cfg.Validate())
}

func TestLoadWithoutSandboxFailsValidation(t *testing.T) {
	t.Setenv("PI_SANDBOX", "")
	t.Setenv("PI_API_KEY", "key")
	t.Setenv("PI_WALLET_PRIVATE_SEED", "seed")
	t.Setenv("DATASTORE_URL", "postgres://db/escrow")
	t.Setenv("DATASTORE_KEY", "secret")

	cfg := Load()
	assert.False(t, cfg.Pi.Sandbox)
	require.ErrorContains(t, cfg.Validate(), "PI_SANDBOX is required")
}

func TestValidateRejectsUnknownDatabaseType(t *testing.T) {
	cfg := Config{
		DBType:       "oracle",
		DatastoreURL: "postgres://localhost/escrow",
		DatastoreKey: "secret",
		Pi:           PiConfig{APIKey: "key", WalletSeed: "seed", SandboxSetting: "false"},
	}
	require.ErrorContains(t, cfg.Validate(), "DATABASE_TYPE")
}

func TestLoadSandboxSelectsTestnet(t *testing.T) {
	t.Setenv("PI_SANDBOX", "true")
	t.Setenv("PI_API_KEY", " key ")
	t.Setenv("PI_WALLET_PRIVATE_SEED", "seed")
	t.Setenv("DATASTORE_URL", "postgres://db/escrow")
	t.Setenv("DATASTORE_KEY", "secret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("CORS_ALLOWED_ORIGIN", "https://app.example.com/")

	cfg := Load()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "key", cfg.Pi.APIKey)
	assert.True(t, cfg.Pi.Sandbox)
	assert.Equal(t, PiTestnetPassphrase, cfg.Pi.NetworkPassphrase)
	assert.Equal(t, defaultHorizonTestnetURL, cfg.Pi.HorizonURL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "https://app.example.com", cfg.CORSAllowedOrigin)
}

func TestPaymentPolicyDefaultsWithoutFile(t *testing.T) {
	v := viper.New()
	v.SetConfigName("payments")
	v.SetConfigType("yml")
	v.AddConfigPath(t.TempDir())

	holder, err := loadPaymentPolicy(v, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultPaymentPolicy(), holder.Get())
	assert.Equal(t, 60*time.Second, holder.Get().HandshakeTimeout)
}

func TestPaymentPolicyOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("payments:\n  handshakeTimeout: 90s\n  submitMaxAttempts: 6\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payments.yml"), content, 0o600))

	v := viper.New()
	v.SetConfigName("payments")
	v.SetConfigType("yml")
	v.AddConfigPath(dir)

	holder, err := loadPaymentPolicy(v, zap.NewNop())
	require.NoError(t, err)

	policy := holder.Get()
	assert.Equal(t, 90*time.Second, policy.HandshakeTimeout)
	assert.Equal(t, 6, policy.SubmitMaxAttempts)
	assert.Equal(t, DefaultPaymentPolicy().SubmitBackoff, policy.SubmitBackoff)
}

func TestPaymentPolicyRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("payments:\n  submitMaxAttempts: 0\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payments.yml"), content, 0o600))

	v := viper.New()
	v.SetConfigName("payments")
	v.SetConfigType("yml")
	v.AddConfigPath(dir)

	_, err := loadPaymentPolicy(v, zap.NewNop())
	require.Error(t, err)
}

func TestValidateRateLimitNeedsRedis(t *testing.T) {
	cfg := Config{
		DBType:       "postgres",
		DatastoreURL: "postgres://localhost/escrow",
		DatastoreKey: "secret",
		Pi:           PiConfig{APIKey: "key", WalletSeed: "seed", SandboxSetting: "false"},
		RateLimit:    RateLimitConfig{Enabled: true},
	}
	require.ErrorContains(t, cfg.Validate(), "REDIS_ADDR")

	cfg.Redis.Addr = "localhost:6379"
	require.NoError(t, cfg.Validate())
}

func TestPaymentPolicyRejectsReleaseLockShorterThanRetries(t *testing.T) {
	policy := DefaultPaymentPolicy()
	assert.Equal(t, 105*time.Second, policy.ReleaseBudget())
	require.NoError(t, validatePaymentPolicy(policy))

	policy.ReleaseLockTTL = 30 * time.Second
	require.ErrorContains(t, validatePaymentPolicy(policy), "releaseLockTTL")
}
