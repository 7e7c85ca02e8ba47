package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds environment-driven settings for the whale engine.
type Config struct {
	// Database
	DBPath string `mapstructure:"db_path"`
	// DBVolumeEncrypted asserts that DBPath sits on an encrypted volume.
	// Wallet addresses and cursors are stored in clear.
	DBVolumeEncrypted bool `mapstructure:"db_volume_encrypted"`

	// Credential vault. Secrets are resolved separately, see ResolveMasterSecrets.
	MasterSecretSSMParam string `mapstructure:"master_secret_ssm_param"`

	// Exchange
	ExchangeBaseURL   string        `mapstructure:"exchange_base_url"`
	ExchangeWSURL     string        `mapstructure:"exchange_ws_url"`
	Testnet           bool          `mapstructure:"testnet"`
	ExchangeTimeout   time.Duration `mapstructure:"exchange_timeout"`
	ExchangeRateLimit float64       `mapstructure:"exchange_rate_limit"` // requests per second
	ExchangeRateBurst int           `mapstructure:"exchange_rate_burst"`
	MarketSlippage    float64       `mapstructure:"market_slippage"`
	EnableWS          bool          `mapstructure:"enable_ws"`

	// Monitoring
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	DefaultThresholdUSD string        `mapstructure:"default_threshold_usd"`
	WatchlistPath       string        `mapstructure:"watchlist_path"`
	OrderAlerts         bool          `mapstructure:"order_alerts"`

	// Execution
	ExecutorWorkers int `mapstructure:"executor_workers"`
	ExecutorQueue   int `mapstructure:"executor_queue"`

	// Dry-run simulation
	DryRun            bool    `mapstructure:"dry_run"`
	DryRunBalance     string  `mapstructure:"dry_run_balance"`
	DryRunFeeRate     string  `mapstructure:"dry_run_fee_rate"`
	DryRunSlippageBps float64 `mapstructure:"dry_run_slippage_bps"`
	DryRunLatencyMin  int     `mapstructure:"dry_run_gateway_latency_min_ms"`
	DryRunLatencyMax  int     `mapstructure:"dry_run_gateway_latency_max_ms"`

	// HTTP API
	HTTPAddr  string `mapstructure:"http_addr"`
	JWTSecret string `mapstructure:"jwt_secret"`

	// Notifications
	TelegramBotToken string `mapstructure:"telegram_bot_token"`

	// Localization
	Language string `mapstructure:"language"` // "en" or "ru"

	Log LogConfig `mapstructure:",squash"`

	v *viper.Viper
}

// LogConfig defines the logger options.
type LogConfig struct {
	Level       string `mapstructure:"log_level"`   // debug, info, warn, error
	Format      string `mapstructure:"log_format"`  // json or console
	OutputFile  string `mapstructure:"log_file"`    // rotated file output (optional)
	Environment string `mapstructure:"environment"` // dev or prod
}

var defaults = map[string]any{
	"db_path":                        "./data/whale.db",
	"db_volume_encrypted":            false,
	"master_secret_ssm_param":        "",
	"exchange_base_url":              "",
	"exchange_ws_url":                "",
	"testnet":                        false,
	"exchange_timeout":               "10s",
	"exchange_rate_limit":            10.0,
	"exchange_rate_burst":            20,
	"market_slippage":                0.01,
	"enable_ws":                      true,
	"poll_interval":                  "30s",
	"default_threshold_usd":          "100000",
	"watchlist_path":                 "",
	"order_alerts":                   true,
	"executor_workers":               4,
	"executor_queue":                 100,
	"dry_run":                        false,
	"dry_run_balance":                "10000",
	"dry_run_fee_rate":               "0.00035",
	"dry_run_slippage_bps":           5.0,
	"dry_run_gateway_latency_min_ms": 0,
	"dry_run_gateway_latency_max_ms": 0,
	"http_addr":                      ":8080",
	"jwt_secret":                     "dev-secret",
	"telegram_bot_token":             "",
	"language":                       "en",
	"log_level":                      "info",
	"log_format":                     "console",
	"log_file":                       "",
	"environment":                    "dev",
}

// Load reads .env (if present), an optional config.yaml and the environment
// into Config. Environment variables win over the file.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.v = v
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.ExchangeTimeout <= 0 {
		return fmt.Errorf("EXCHANGE_TIMEOUT must be positive, got %s", c.ExchangeTimeout)
	}
	if c.MarketSlippage <= 0 || c.MarketSlippage >= 0.5 {
		return fmt.Errorf("MARKET_SLIPPAGE must be in (0, 0.5), got %v", c.MarketSlippage)
	}
	if _, err := c.DefaultThreshold(); err != nil {
		return err
	}
	if c.DryRun {
		if _, err := decimal.NewFromString(c.DryRunBalance); err != nil {
			return fmt.Errorf("DRY_RUN_BALANCE: %w", err)
		}
		if _, err := decimal.NewFromString(c.DryRunFeeRate); err != nil {
			return fmt.Errorf("DRY_RUN_FEE_RATE: %w", err)
		}
	}
	return nil
}

// DefaultThreshold parses DEFAULT_THRESHOLD_USD.
func (c *Config) DefaultThreshold() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(c.DefaultThresholdUSD))
	if err != nil {
		return decimal.Zero, fmt.Errorf("DEFAULT_THRESHOLD_USD: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("DEFAULT_THRESHOLD_USD must not be negative")
	}
	return d, nil
}

// DryRunMoney returns the parsed paper account balance and fee rate.
func (c *Config) DryRunMoney() (balance, feeRate decimal.Decimal) {
	balance, _ = decimal.NewFromString(c.DryRunBalance)
	feeRate, _ = decimal.NewFromString(c.DryRunFeeRate)
	return balance, feeRate
}

// String renders the config for logs without secrets.
func (c *Config) String() string {
	return fmt.Sprintf("db=%s testnet=%v dry_run=%v poll=%s threshold=%s http=%s ws=%v lang=%s telegram=%v",
		c.DBPath, c.Testnet, c.DryRun, c.PollInterval, c.DefaultThresholdUSD, c.HTTPAddr, c.EnableWS, c.Language,
		c.TelegramBotToken != "")
}
