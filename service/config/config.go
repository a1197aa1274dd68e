package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/flexrp/service/payment"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration loaded from environment variables
// (optionally layered over a YAML file named by CONFIG_FILE).
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string `yaml:"server_addr" env:"SERVER_ADDR" env-default:":8080"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR" env-default:":9090"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME" env-default:"flexrp"`

	// Storage configuration. DATABASE_URL wins over SQLITE_PATH.
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`

	// Ledger configuration
	XRPLRPCURL        string        `yaml:"xrpl_rpc_url" env:"XRPL_RPC_URL" env-default:"https://s.altnet.rippletest.net:51234"`
	MerchantAddresses []string      `yaml:"merchant_addresses" env:"MERCHANT_ADDRESSES" env-separator:","`
	MerchantTag       string        `yaml:"merchant_destination_tag" env:"MERCHANT_DESTINATION_TAG"`
	MinPaymentAmount  string        `yaml:"min_payment_amount" env:"MIN_PAYMENT_AMOUNT" env-default:"0.0001"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" env-default:"5s"`
	LedgerTimeout     time.Duration `yaml:"ledger_timeout" env:"LEDGER_TIMEOUT" env-default:"10s"`
	LedgerPageLimit   int           `yaml:"ledger_page_limit" env:"LEDGER_PAGE_LIMIT" env-default:"200"`
	LedgerMaxPages    int           `yaml:"ledger_max_pages" env:"LEDGER_MAX_PAGES" env-default:"5"`

	// Rate configuration
	FiatCurrency        string        `yaml:"fiat_currency" env:"FIAT_CURRENCY" env-default:"USD"`
	RateProviders       []string      `yaml:"rate_providers" env:"RATE_PROVIDERS" env-separator:"," env-default:"coinmarketcap,coingecko"`
	CoinMarketCapAPIKey string        `yaml:"coinmarketcap_api_key" env:"COINMARKETCAP_API_KEY"`
	CoinGeckoAPIKey     string        `yaml:"coingecko_api_key" env:"COINGECKO_API_KEY"`
	RateMaxAge          time.Duration `yaml:"rate_max_age" env:"RATE_MAX_AGE" env-default:"300s"`
	RateGraceFactor     int           `yaml:"rate_grace_factor" env:"RATE_GRACE_FACTOR" env-default:"5"`
	RateTimeout         time.Duration `yaml:"rate_timeout" env:"RATE_TIMEOUT" env-default:"5s"`
	BreakerFailures     int           `yaml:"breaker_failures" env:"BREAKER_FAILURES" env-default:"5"`
	BreakerCooldown     time.Duration `yaml:"breaker_cooldown" env:"BREAKER_COOLDOWN" env-default:"60s"`
	RedisAddr           string        `yaml:"redis_addr" env:"REDIS_ADDR"`

	// Ingestion configuration
	RetryAttempts  int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS" env-default:"3"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY" env-default:"1s"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY" env-default:"30s"`
	DedupCapacity  int           `yaml:"dedup_capacity" env:"DEDUP_CAPACITY" env-default:"10000"`

	// Notification configuration
	NotifySink   string   `yaml:"notify_sink" env:"NOTIFY_SINK" env-default:"nats"`
	NotifyBuffer int      `yaml:"notify_buffer" env:"NOTIFY_BUFFER" env-default:"256"`
	NATSURL      string   `yaml:"nats_url" env:"NATS_URL" env-default:"nats://localhost:4222"`
	KafkaBrokers []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	KafkaTopic   string   `yaml:"kafka_topic" env:"KAFKA_TOPIC" env-default:"settlements"`

	// Tracing configuration. Empty endpoint disables export.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`

	// Temporal configuration
	TemporalHost      string        `yaml:"temporal_host" env:"TEMPORAL_HOST" env-default:"localhost:7233"`
	TemporalNamespace string        `yaml:"temporal_namespace" env:"TEMPORAL_NAMESPACE" env-default:"default"`
	TemporalTaskQueue string        `yaml:"temporal_task_queue" env:"TEMPORAL_TASK_QUEUE" env-default:"flexrp-replay"`
	ReplayInterval    time.Duration `yaml:"replay_interval" env:"REPLAY_INTERVAL" env-default:"15m"`
	ReplayBatchSize   int           `yaml:"replay_batch_size" env:"REPLAY_BATCH_SIZE" env-default:"100"`
}

// Load reads configuration from environment variables and validates all fields.
// If CONFIG_FILE is set, the YAML file is read first and the environment
// overrides it. Returns an error listing every problem found.
func Load() (*Config, error) {
	cfg := &Config{}

	var err error
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		err = cleanenv.ReadConfig(path, cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read configuration: %w", payment.ErrInvalidConfig, err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" && c.SQLitePath == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL or SQLITE_PATH is required"))
	}

	if c.XRPLRPCURL == "" {
		errs = append(errs, fmt.Errorf("XRPL_RPC_URL is required"))
	}

	seen := make(map[string]bool)
	for _, addr := range c.MerchantAddresses {
		if !strings.HasPrefix(addr, "r") || len(addr) < 25 || len(addr) > 35 {
			errs = append(errs, fmt.Errorf("MERCHANT_ADDRESSES: %q is not a classic XRPL address", addr))
		}
		if seen[addr] {
			errs = append(errs, fmt.Errorf("MERCHANT_ADDRESSES: %q listed twice", addr))
		}
		seen[addr] = true
	}

	if c.MerchantTag != "" {
		if _, err := strconv.ParseUint(c.MerchantTag, 10, 32); err != nil {
			errs = append(errs, fmt.Errorf("MERCHANT_DESTINATION_TAG: invalid tag %q: %w", c.MerchantTag, err))
		}
	}

	if d, err := decimal.NewFromString(c.MinPaymentAmount); err != nil {
		errs = append(errs, fmt.Errorf("MIN_PAYMENT_AMOUNT: invalid amount %q: %w", c.MinPaymentAmount, err))
	} else if d.IsNegative() {
		errs = append(errs, fmt.Errorf("MIN_PAYMENT_AMOUNT cannot be negative"))
	}

	if len(c.FiatCurrency) != 3 {
		errs = append(errs, fmt.Errorf("FIAT_CURRENCY must be a 3-letter code, got %q", c.FiatCurrency))
	}

	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be at least 1 second"))
	}

	if c.LedgerPageLimit <= 0 || c.LedgerMaxPages <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_PAGE_LIMIT and LEDGER_MAX_PAGES must be positive"))
	}

	if len(c.RateProviders) == 0 {
		errs = append(errs, fmt.Errorf("RATE_PROVIDERS must name at least one provider"))
	}
	for _, p := range c.RateProviders {
		switch p {
		case "coinmarketcap":
			if c.CoinMarketCapAPIKey == "" {
				errs = append(errs, fmt.Errorf("COINMARKETCAP_API_KEY is required when coinmarketcap is enabled"))
			}
		case "coingecko":
		default:
			errs = append(errs, fmt.Errorf("RATE_PROVIDERS: unknown provider %q", p))
		}
	}

	if c.RateMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("RATE_MAX_AGE must be positive"))
	}
	if c.RateGraceFactor < 1 {
		errs = append(errs, fmt.Errorf("RATE_GRACE_FACTOR must be at least 1"))
	}
	if c.BreakerFailures < 1 {
		errs = append(errs, fmt.Errorf("BREAKER_FAILURES must be at least 1"))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be at least 1"))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY (%v) cannot be less than RETRY_BASE_DELAY (%v)",
			c.RetryMaxDelay, c.RetryBaseDelay))
	}
	if c.DedupCapacity < 1 {
		errs = append(errs, fmt.Errorf("DEDUP_CAPACITY must be at least 1"))
	}

	switch c.NotifySink {
	case "nats", "none":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required when NOTIFY_SINK=kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("NOTIFY_SINK must be one of nats, kafka, none, got %q", c.NotifySink))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_HOST is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_NAMESPACE is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_TASK_QUEUE is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", payment.ErrInvalidConfig, errors.Join(errs...))
	}

	return nil
}

// ValidateWorker adds the checks only the ingestion worker needs on top of
// Validate. The API server runs without merchant addresses.
func (c *Config) ValidateWorker() error {
	if len(c.MerchantAddresses) == 0 {
		return fmt.Errorf("%w: MERCHANT_ADDRESSES is required to run the worker", payment.ErrInvalidConfig)
	}
	return nil
}

// MinPayment returns the dust threshold. Only valid after Validate succeeded.
func (c *Config) MinPayment() decimal.Decimal {
	d, _ := decimal.NewFromString(c.MinPaymentAmount)
	return d
}

// DestinationTag returns the required destination tag, or nil when merchants
// accept untagged payments.
func (c *Config) DestinationTag() *uint32 {
	if c.MerchantTag == "" {
		return nil
	}
	v, err := strconv.ParseUint(c.MerchantTag, 10, 32)
	if err != nil {
		return nil
	}
	tag := uint32(v)
	return &tag
}

func (c *Config) normalize() {
	c.FiatCurrency = strings.ToUpper(strings.TrimSpace(c.FiatCurrency))
	c.MerchantAddresses = trimAll(c.MerchantAddresses)
	c.KafkaBrokers = trimAll(c.KafkaBrokers)
	providers := trimAll(c.RateProviders)
	for i := range providers {
		providers[i] = strings.ToLower(providers[i])
	}
	c.RateProviders = providers
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
