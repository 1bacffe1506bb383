package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"loanwarden/internal/logging"
)

// RequiredContracts lists the logical contract names that must be mapped
// to addresses before the service can start.
var RequiredContracts = []string{"settings", "oracle", "ll", "cb", "usdc", "czcore"}

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Indexer     IndexerConfig     `mapstructure:"indexer"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Contracts   map[string]string `mapstructure:"contracts"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the ledger store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the poll loop and the two periodic cycles.
type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	ParamsInterval  time.Duration `mapstructure:"params_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// IndexerConfig covers the GraphQL event indexer.
type IndexerConfig struct {
	URL            string        `mapstructure:"url"`
	PageLimit      int           `mapstructure:"page_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ChainConfig covers protocol RPC access and transaction signing.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	PrivateKey     string        `mapstructure:"private_key"`
	FeeCapWei      string        `mapstructure:"fee_cap_wei"`
	GasLimit       uint64        `mapstructure:"gas_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LiquidationConfig tunes the executor.
type LiquidationConfig struct {
	// Amount is the fixed per-loan liquidation size in protocol units.
	// Placeholder policy inherited from the settlement desk; outstanding-
	// based sizing plugs in through engine.AmountPolicy.
	Amount         string        `mapstructure:"amount"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryWait      time.Duration `mapstructure:"retry_wait"`
	AllowanceFloor string        `mapstructure:"allowance_floor"`
	AllowanceTopUp string        `mapstructure:"allowance_topup"`
}

// AlertingConfig defines liquidation alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOANWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "loanwarden")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.poll_interval", "1m")
	v.SetDefault("scheduler.sweep_interval", "1h")
	v.SetDefault("scheduler.params_interval", "24h")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c6f616e))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("indexer.url", "https://starknet-archive.hasura.app/v1/graphql")
	v.SetDefault("indexer.page_limit", 500)
	v.SetDefault("indexer.request_timeout", "10s")
	v.SetDefault("indexer.user_agent", "loanwarden/1.0")

	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.fee_cap_wei", "10000000000000000")
	v.SetDefault("chain.gas_limit", uint64(400000))

	v.SetDefault("liquidation.amount", "120000")
	v.SetDefault("liquidation.retry_attempts", 3)
	v.SetDefault("liquidation.retry_wait", "10s")
	v.SetDefault("liquidation.allowance_floor", "10000000")
	v.SetDefault("liquidation.allowance_topup", "10000000")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks. A missing required contract address is
// fatal here so the process never starts half-wired.
func (c *Config) Validate() error {
	for _, name := range RequiredContracts {
		if strings.TrimSpace(c.Contracts[name]) == "" {
			return fmt.Errorf("contracts.%s address is required", name)
		}
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be greater than zero")
	}
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler.sweep_interval must be greater than zero")
	}
	if c.Scheduler.ParamsInterval <= 0 {
		return fmt.Errorf("scheduler.params_interval must be greater than zero")
	}
	if c.Indexer.PageLimit <= 0 {
		return fmt.Errorf("indexer.page_limit must be greater than zero")
	}
	if c.Liquidation.RetryAttempts <= 0 {
		return fmt.Errorf("liquidation.retry_attempts must be greater than zero")
	}
	if amount, err := decimal.NewFromString(c.Liquidation.Amount); err != nil || !amount.IsPositive() {
		return fmt.Errorf("liquidation.amount must be a positive decimal")
	}
	if _, err := decimal.NewFromString(c.Liquidation.AllowanceFloor); err != nil {
		return fmt.Errorf("liquidation.allowance_floor must be a decimal: %w", err)
	}
	if _, err := decimal.NewFromString(c.Liquidation.AllowanceTopUp); err != nil {
		return fmt.Errorf("liquidation.allowance_topup must be a decimal: %w", err)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// Contract returns the configured address for a logical contract name.
func (c *Config) Contract(name string) string {
	return c.Contracts[name]
}

// LiquidationAmount parses the configured fixed liquidation size.
func (c *Config) LiquidationAmount() decimal.Decimal {
	amount, _ := decimal.NewFromString(c.Liquidation.Amount)
	return amount
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
