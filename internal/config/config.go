package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	defaultPiBaseURL         = "https://api.minepi.com/v2"
	defaultHorizonMainnetURL = "https://api.mainnet.minepi.com"
	defaultHorizonTestnetURL = "https://api.testnet.minepi.com"

	PiMainnetPassphrase = "Pi Network"
	PiTestnetPassphrase = "Pi Testnet"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DatastoreURL      string
	DatastoreKey      string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Pi        PiConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig

	CORSAllowedOrigin string
	SchedulerEnabled  bool
	SchedulerJobs     []string
}

// PiConfig carries payment network credentials. WalletSeed is only read by the A2U signer.
type PiConfig struct {
	APIKey            string
	WalletSeed        string
	Sandbox           bool
	// SandboxSetting is PI_SANDBOX as supplied; Validate requires a boolean.
	SandboxSetting    string
	BaseURL           string
	HorizonURL        string
	NetworkPassphrase string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig rates are tokens per second. Limiting needs REDIS_ADDR.
type RateLimitConfig struct {
	Enabled        bool
	AuthRate       float64
	AuthBurst      int
	FlowStartRate  float64
	FlowStartBurst int
}

type KafkaConfig struct {
	Brokers     []string
	EscrowTopic string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	sandboxSetting := strings.TrimSpace(os.Getenv("PI_SANDBOX"))
	sandbox, _ := parseBool(sandboxSetting)
	horizonURL := defaultHorizonMainnetURL
	passphrase := PiMainnetPassphrase
	if sandbox {
		horizonURL = defaultHorizonTestnetURL
		passphrase = PiTestnetPassphrase
	}

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "escrowd"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DatastoreURL:      strings.TrimSpace(getenv("DATASTORE_URL", "")),
		DatastoreKey:      strings.TrimSpace(getenv("DATASTORE_KEY", "")),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Pi: PiConfig{
			APIKey:            strings.TrimSpace(getenv("PI_API_KEY", "")),
			WalletSeed:        strings.TrimSpace(getenv("PI_WALLET_PRIVATE_SEED", "")),
			Sandbox:           sandbox,
			SandboxSetting:    sandboxSetting,
			BaseURL:           strings.TrimRight(getenv("PI_API_BASE_URL", defaultPiBaseURL), "/"),
			HorizonURL:        strings.TrimRight(getenv("PI_HORIZON_URL", horizonURL), "/"),
			NetworkPassphrase: passphrase,
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:     splitList(getenv("KAFKA_BROKERS", "")),
			EscrowTopic: getenv("KAFKA_ESCROW_TOPIC", "escrow.events"),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("RATE_LIMIT_ENABLED", false),
			AuthRate:       getenvFloat("RATE_LIMIT_AUTH_RATE", 1),
			AuthBurst:      getenvInt("RATE_LIMIT_AUTH_BURST", 10),
			FlowStartRate:  getenvFloat("RATE_LIMIT_FLOW_START_RATE", 0.2),
			FlowStartBurst: getenvInt("RATE_LIMIT_FLOW_START_BURST", 3),
		},
		CORSAllowedOrigin: strings.TrimRight(getenv("CORS_ALLOWED_ORIGIN", "http://localhost:5173"), "/"),
		SchedulerEnabled:  getenvBool("SCHEDULER_ENABLED", true),
		SchedulerJobs:     splitList(getenv("SCHEDULER_JOBS", "")),
	}

	return cfg
}

// Validate reports every missing required setting at once.
func (c Config) Validate() error {
	var errs []error
	required := []struct {
		key   string
		value string
	}{
		{"PI_API_KEY", c.Pi.APIKey},
		{"PI_WALLET_PRIVATE_SEED", c.Pi.WalletSeed},
		{"DATASTORE_URL", c.DatastoreURL},
		{"DATASTORE_KEY", c.DatastoreKey},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}
	// Mainnet and sandbox are never assumed; the operator names the network.
	if strings.TrimSpace(c.Pi.SandboxSetting) == "" {
		errs = append(errs, errors.New("PI_SANDBOX is required"))
	} else if _, ok := parseBool(c.Pi.SandboxSetting); !ok {
		errs = append(errs, fmt.Errorf("PI_SANDBOX %q is not a boolean", c.Pi.SandboxSetting))
	}
	if c.RateLimit.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required when RATE_LIMIT_ENABLED is set"))
	}
	switch c.DBType {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_TYPE %q", c.DBType))
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Provide loads and validates configuration; a missing value aborts startup.
func Provide() (Config, error) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value, ok := parseBool(os.Getenv(key))
	if !ok {
		return def
	}
	return value
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
