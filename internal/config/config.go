package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// AppConfig is the full runtime configuration. Values come from defaults,
// then the optional file named by VOLT_CONFIG, then the environment.
type AppConfig struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Events     EventsConfig     `mapstructure:"events"`
}

type ServiceConfig struct {
	HTTPPort        int           `mapstructure:"httpPort"`
	HMACSecret      string        `mapstructure:"hmacSecret"`
	HMACClockSkew   time.Duration `mapstructure:"hmacClockSkew"`
	ChallengeTTL    time.Duration `mapstructure:"challengeTtl"`
	ReviewStorePath string        `mapstructure:"reviewStorePath"`
}

type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpcUrl"`
	PrivateKey     string        `mapstructure:"privateKey"`
	ReceiptPoll    time.Duration `mapstructure:"receiptPoll"`
	ConfirmTimeout time.Duration `mapstructure:"confirmTimeout"`
	// FakeChain swaps the JSON-RPC client for the in-memory escrow.
	FakeChain bool `mapstructure:"fakeChain"`
}

type MirrorConfig struct {
	BaseURL     string        `mapstructure:"baseUrl"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
}

type LedgerConfig struct {
	FractionSize     string        `mapstructure:"fractionSize"`
	VUSDToken        string        `mapstructure:"vusdToken"`
	VUSDDecimals     int           `mapstructure:"vusdDecimals"`
	ReservationLease time.Duration `mapstructure:"reservationLease"`
}

// RetryConfig shapes the backoff between mirror-node polls.
type RetryConfig struct {
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
	Multiplier     int           `mapstructure:"multiplier"`
}

type SettlementConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	ClaimLease time.Duration `mapstructure:"claimLease"`
	BatchSize  int           `mapstructure:"batchSize"`
	Enabled    bool          `mapstructure:"enabled"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

type EventsConfig struct {
	Stream  string        `mapstructure:"stream"`
	MaxLen  int64         `mapstructure:"maxLen"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func Default() *AppConfig {
	return &AppConfig{
		Service: ServiceConfig{
			HTTPPort:        3000,
			HMACClockSkew:   60 * time.Second,
			ChallengeTTL:    5 * time.Minute,
			ReviewStorePath: filepath.Join(os.TempDir(), "voltsettle-review.json"),
		},
		Chain: ChainConfig{
			RPCURL:         "https://testnet.hashio.io/api",
			ReceiptPoll:    time.Second,
			ConfirmTimeout: 2 * time.Minute,
		},
		Mirror: MirrorConfig{
			BaseURL:     "https://testnet.mirrornode.hedera.com",
			Timeout:     10 * time.Second,
			MaxAttempts: 10,
		},
		Ledger: LedgerConfig{
			FractionSize:     "10",
			VUSDDecimals:     6,
			ReservationLease: 10 * time.Minute,
		},
		Retry: RetryConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
		},
		Settlement: SettlementConfig{
			Interval:   time.Hour,
			ClaimLease: 5 * time.Minute,
			BatchSize:  100,
			Enabled:    true,
		},
		Events: EventsConfig{
			Stream:  "voltsettle:events",
			MaxLen:  100_000,
			Timeout: 2 * time.Second,
		},
	}
}

// Load aggregates configuration from disk and environment and validates it.
func Load() (*AppConfig, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that adjust the result from
// command-line flags first.
func Read() (*AppConfig, error) {
	cfg := Default()
	if path := envOr("VOLT_CONFIG", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *AppConfig) error {
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return v.Unmarshal(cfg)
}

func applyEnv(cfg *AppConfig) {
	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.HMACSecret = envOr("HMAC_SECRET", cfg.Service.HMACSecret)
	cfg.Service.HMACClockSkew = envOrSeconds("HMAC_CLOCK_SKEW_SECONDS", cfg.Service.HMACClockSkew)
	cfg.Service.ChallengeTTL = envOrSeconds("CHALLENGE_TTL_SECONDS", cfg.Service.ChallengeTTL)
	cfg.Service.ReviewStorePath = envOr("REVIEW_STORE_PATH", cfg.Service.ReviewStorePath)

	cfg.Chain.RPCURL = envOr("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.PrivateKey = envOr("CHAIN_PRIVATE_KEY", cfg.Chain.PrivateKey)
	cfg.Chain.FakeChain = envOrBool("CHAIN_FAKE", cfg.Chain.FakeChain)

	cfg.Mirror.BaseURL = envOr("MIRROR_BASE_URL", cfg.Mirror.BaseURL)
	cfg.Mirror.MaxAttempts = envOrInt("MIRROR_MAX_ATTEMPTS", cfg.Mirror.MaxAttempts)

	cfg.Ledger.VUSDToken = envOr("VUSD_TOKEN_ID", cfg.Ledger.VUSDToken)
	cfg.Ledger.FractionSize = envOr("ITOKEN_FRACTION_SIZE", cfg.Ledger.FractionSize)

	cfg.Settlement.Interval = envOrSeconds("SETTLEMENT_INTERVAL_SECONDS", cfg.Settlement.Interval)
	cfg.Settlement.Enabled = envOrBool("SETTLEMENT_ENABLED", cfg.Settlement.Enabled)

	cfg.Postgres.DSN = envOr("POSTGRES_DSN", cfg.Postgres.DSN)
	cfg.Redis.Addr = envOr("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Events.Stream = envOr("EVENTS_STREAM", cfg.Events.Stream)
}

// Validate checks the values every command depends on.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.httpPort %d out of range", c.Service.HTTPPort))
	}
	if _, err := c.FractionSize(); err != nil {
		errs = append(errs, err)
	}
	if !c.Chain.FakeChain {
		if c.Chain.PrivateKey == "" {
			errs = append(errs, errors.New("chain.privateKey is required unless chain.fakeChain is set"))
		}
		if c.Ledger.VUSDToken == "" {
			errs = append(errs, errors.New("ledger.vusdToken is required unless chain.fakeChain is set"))
		}
	}
	if c.Ledger.VUSDDecimals < 0 || c.Ledger.VUSDDecimals > 18 {
		errs = append(errs, fmt.Errorf("ledger.vusdDecimals %d out of range", c.Ledger.VUSDDecimals))
	}
	return errors.Join(errs...)
}

// FractionSize is the vUSD value of one iToken.
func (c *AppConfig) FractionSize() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Ledger.FractionSize)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("ledger.fractionSize %q must be a positive number", c.Ledger.FractionSize)
	}
	return d, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrSeconds(key string, fallback time.Duration) time.Duration {
	secs := envOrInt(key, -1)
	if secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func envOrBool(key string, fallback bool) bool {
	switch envOr(key, "") {
	case "1", "true", "TRUE", "yes":
		return true
	case "0", "false", "FALSE", "no":
		return false
	}
	return fallback
}
