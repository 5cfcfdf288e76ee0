package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AnchorDateLayout is the format of data.anchor_date.
const AnchorDateLayout = "2006-01-02"

// Config represents the complete application configuration
type Config struct {
	Data     DataConfig     `mapstructure:"data"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DataConfig locates the on-disk caches and the strategy table
type DataConfig struct {
	Dir           string `mapstructure:"dir"`
	StrategyTable string `mapstructure:"strategy_table"`
	AnchorDate    string `mapstructure:"anchor_date"`
}

// RemoteConfig holds the market-data proxy configuration
type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// ExchangeConfig holds the trading venue configuration
type ExchangeConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	SecretKey   string        `mapstructure:"secret_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	QuoteCoin   string        `mapstructure:"quote_coin"`
	MinOrderUSD float64       `mapstructure:"min_order_usd"`
	OrderPause  time.Duration `mapstructure:"order_pause"`
}

// TradingConfig holds sizing and loop cadence
type TradingConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Balance     float64       `mapstructure:"balance"`
	MaxLeverage float64       `mapstructure:"max_leverage"`
	PriceMaxAge time.Duration `mapstructure:"price_max_age"`
	// Coins overrides the traded universe; empty means every symbol in the strategy table.
	Coins []string `mapstructure:"coins"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds the SQLite database configuration
type StorageConfig struct {
	DBPath    string `mapstructure:"db_path"`
	MaxOrders int    `mapstructure:"max_orders"`
}

// AuditConfig selects the audit table backend
type AuditConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	ToFile bool   `mapstructure:"to_file"`
}

// Audit backends.
const (
	BackendCSV    = "csv"
	BackendSQLite = "sqlite"
)

// Load reads configuration from file, a .env file in the working directory, and environment variables
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	// QUANTPILOT_EXCHANGE_SECRET_KEY overrides exchange.secret_key
	v.SetEnvPrefix("QUANTPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.resolvePaths()
	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
// Every key needs a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.strategy_table", "")
	v.SetDefault("data.anchor_date", "2025-11-01")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.max_retries", 3)
	v.SetDefault("remote.retry_delay_base", "2s")

	v.SetDefault("exchange.base_url", "https://mock-api.roostoo.com")
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.secret_key", "")
	v.SetDefault("exchange.timeout", "30s")
	v.SetDefault("exchange.quote_coin", "USD")
	v.SetDefault("exchange.min_order_usd", 2.0)
	v.SetDefault("exchange.order_pause", "2s")

	v.SetDefault("trading.interval", "5m")
	v.SetDefault("trading.balance", 100000.0)
	v.SetDefault("trading.max_leverage", 0.99)
	v.SetDefault("trading.price_max_age", "30m")
	v.SetDefault("trading.coins", []string{})

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.max_orders", 10000)

	v.SetDefault("audit.backend", BackendCSV)
	v.SetDefault("audit.dir", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9108")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.to_file", true)
}

// resolvePaths fills paths left empty relative to data.dir.
func (c *Config) resolvePaths() {
	if c.Data.StrategyTable == "" {
		c.Data.StrategyTable = filepath.Join(c.Data.Dir, "strategies.csv")
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.Data.Dir, "quantpilot.db")
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(c.Data.Dir, "monitor")
	}
}

// LastPricesPath is the live price fallback file.
func (c *Config) LastPricesPath() string {
	return filepath.Join(c.Data.Dir, "last_prices.csv")
}

// LogDir is the daily log file directory, or "" when file logging is off.
func (c *Config) LogDir() string {
	if !c.Logging.ToFile {
		return ""
	}
	return filepath.Join(c.Data.Dir, "logs")
}

// AnchorTime parses data.anchor_date as a UTC midnight.
func (c *Config) AnchorTime() (time.Time, error) {
	t, err := time.Parse(AnchorDateLayout, c.Data.AnchorDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("data.anchor_date must be YYYY-MM-DD: %w", err)
	}
	return t.UTC(), nil
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if _, err := c.AnchorTime(); err != nil {
		return err
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Remote.MaxRetries < 1 {
		return fmt.Errorf("remote.max_retries must be at least 1")
	}

	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
		return fmt.Errorf("exchange.api_key and exchange.secret_key are required")
	}
	if c.Exchange.QuoteCoin == "" {
		return fmt.Errorf("exchange.quote_coin is required")
	}
	if c.Exchange.MinOrderUSD < 0 {
		return fmt.Errorf("exchange.min_order_usd must not be negative")
	}
	if c.Exchange.OrderPause < 0 {
		return fmt.Errorf("exchange.order_pause must not be negative")
	}

	if c.Trading.Interval < 1*time.Minute {
		return fmt.Errorf("trading.interval must be at least 1 minute")
	}
	if c.Trading.Balance <= 0 {
		return fmt.Errorf("trading.balance must be positive")
	}
	if c.Trading.MaxLeverage <= 0 {
		return fmt.Errorf("trading.max_leverage must be positive")
	}
	if c.Trading.PriceMaxAge <= 0 {
		return fmt.Errorf("trading.price_max_age must be positive")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Storage.MaxOrders < 1 {
		return fmt.Errorf("storage.max_orders must be at least 1")
	}

	if c.Audit.Backend != BackendCSV && c.Audit.Backend != BackendSQLite {
		return fmt.Errorf("audit.backend must be one of: %s, %s", BackendCSV, BackendSQLite)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
