// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Paper      bool             `mapstructure:"paper"` // global default; per-strategy `live` overrides
	DryRun     bool             `mapstructure:"dry_run"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	API        APIConfig        `mapstructure:"api"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
}

// WalletConfig holds the wallet used for signing exchange requests.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds exchange endpoints and optional pre-derived L2 credentials.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	ProxyURL     string `mapstructure:"proxy_url"` // optional trading proxy
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// DatabaseConfig sets where trading state is persisted (SQLite).
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig tunes the background task cadence of the event engine.
//
//   - PeriodicTickInterval: heartbeat ticks synthesized per subscribed market.
//   - MaintenanceInterval: subscription refresh + resolved-position cleanup.
//   - TickFlushInterval: how often buffered tick rows are written to storage.
//   - HealthTimeout: force a WS reconnect after this long without a message.
type EngineConfig struct {
	PeriodicTickInterval time.Duration `mapstructure:"periodic_tick_interval"`
	MaintenanceInterval  time.Duration `mapstructure:"maintenance_interval"`
	TickFlushInterval    time.Duration `mapstructure:"tick_flush_interval"`
	HealthTimeout        time.Duration `mapstructure:"health_timeout"`
	TickBufferSize       int           `mapstructure:"tick_buffer_size"`
	DedupeCacheSize      int           `mapstructure:"dedupe_cache_size"`
}

// ExecutionConfig tunes the live order-placement state machine.
type ExecutionConfig struct {
	MaxRetries              int           `mapstructure:"max_retries"`
	RetryBackoff            time.Duration `mapstructure:"retry_backoff"`
	MaxPriceMoveOnRetry     float64       `mapstructure:"max_price_move_on_retry"` // abort retry beyond this fraction
	OrderStatusTimeout      time.Duration `mapstructure:"order_status_timeout"`
	OrderStatusPollInterval time.Duration `mapstructure:"order_status_poll_interval"`
	DuplicateOrderWindow    time.Duration `mapstructure:"duplicate_order_window"`
	MinOrderNotional        float64       `mapstructure:"min_order_notional"`
}

// CatalogConfig controls market discovery via the Gamma API.
type CatalogConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Categories        []string      `mapstructure:"categories"`
	MaxHoursToClose   float64       `mapstructure:"max_hours_to_close"`
	MinMinutesToClose float64       `mapstructure:"min_minutes_to_close"`
}

// StrategyConfig is one per-strategy YAML block. The recognized keys cover
// both the polled strategies and the streaming imbalance executor.
type StrategyConfig struct {
	Name    string `mapstructure:"name"`
	Enabled bool   `mapstructure:"enabled"`
	Live    bool   `mapstructure:"live"` // false = paper-simulated

	AllocatedUSD float64 `mapstructure:"allocated_usd"`

	// Entry zone and book filters.
	MinImbalance  float64 `mapstructure:"min_imbalance"`
	YesPriceMin   float64 `mapstructure:"yes_price_min"`
	YesPriceMax   float64 `mapstructure:"yes_price_max"`
	MaxSpread     float64 `mapstructure:"max_spread"`
	MaxExitSpread float64 `mapstructure:"max_exit_spread"`

	// Market filters.
	Categories        []string `mapstructure:"categories"`
	Formats           []string `mapstructure:"formats"`
	MarketTypes       []string `mapstructure:"market_types"`
	MaxHoursToClose   float64  `mapstructure:"max_hours_to_close"`
	MinMinutesToClose float64  `mapstructure:"min_minutes_to_close"`

	// Sizing and limits.
	MaxPositions    int     `mapstructure:"max_positions"`
	FixedSizeUSD    float64 `mapstructure:"fixed_size_usd"`
	SizePct         float64 `mapstructure:"size_pct"`
	MaxPositionUSD  float64 `mapstructure:"max_position_usd"`
	CooldownMinutes float64 `mapstructure:"cooldown_minutes"`

	// Freshness and fees.
	MaxSignalAgeSeconds float64 `mapstructure:"max_signal_age_seconds"`
	MaxPriceDeviation   float64 `mapstructure:"max_price_deviation"`
	MaxFeeRateBps       float64 `mapstructure:"max_fee_rate_bps"`

	// Order construction.
	OrderType            string  `mapstructure:"order_type"` // market, limit, spread
	LimitOffsetBps       float64 `mapstructure:"limit_offset_bps"`
	SpreadTimeoutSeconds float64 `mapstructure:"spread_timeout_seconds"`

	// Extreme-price guard opt-out (longshot strategies trade below 0.05).
	AllowExtremePrices bool `mapstructure:"allow_extreme_prices"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelegramConfig enables trade/kill notifications when both fields are set.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE, DATABASE_URL, TRADING_PROXY_URL,
// TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID. POLY_STRATEGIES is a comma-separated
// whitelist restricting which configured strategies run.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.Path = url
	}
	if url := os.Getenv("TRADING_PROXY_URL"); url != "" {
		cfg.API.ProxyURL = url
	}
	if tok := os.Getenv("TELEGRAM_BOT_TOKEN"); tok != "" {
		cfg.Telegram.BotToken = tok
	}
	if chat := os.Getenv("TELEGRAM_CHAT_ID"); chat != "" {
		cfg.Telegram.ChatID = chat
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}
	if list := os.Getenv("POLY_STRATEGIES"); list != "" {
		cfg.Strategies = filterStrategies(cfg.Strategies, list)
	}

	return &cfg, nil
}

// filterStrategies keeps only strategies named in the comma-separated whitelist.
func filterStrategies(strategies []StrategyConfig, whitelist string) []StrategyConfig {
	allowed := make(map[string]bool)
	for _, name := range strings.Split(whitelist, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			allowed[strings.ToLower(name)] = true
		}
	}

	var out []StrategyConfig
	for _, s := range strategies {
		if allowed[strings.ToLower(s.Name)] {
			out = append(out, s)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.PeriodicTickInterval == 0 {
		cfg.Engine.PeriodicTickInterval = 5 * time.Second
	}
	if cfg.Engine.MaintenanceInterval == 0 {
		cfg.Engine.MaintenanceInterval = 60 * time.Second
	}
	if cfg.Engine.TickFlushInterval == 0 {
		cfg.Engine.TickFlushInterval = 10 * time.Second
	}
	if cfg.Engine.HealthTimeout == 0 {
		cfg.Engine.HealthTimeout = 120 * time.Second
	}
	if cfg.Engine.TickBufferSize == 0 {
		cfg.Engine.TickBufferSize = 2000
	}
	if cfg.Engine.DedupeCacheSize == 0 {
		cfg.Engine.DedupeCacheSize = 4096
	}
	if cfg.Execution.MaxRetries == 0 {
		cfg.Execution.MaxRetries = 3
	}
	if cfg.Execution.RetryBackoff == 0 {
		cfg.Execution.RetryBackoff = time.Second
	}
	if cfg.Execution.MaxPriceMoveOnRetry == 0 {
		cfg.Execution.MaxPriceMoveOnRetry = 0.03
	}
	if cfg.Execution.OrderStatusTimeout == 0 {
		cfg.Execution.OrderStatusTimeout = 30 * time.Second
	}
	if cfg.Execution.OrderStatusPollInterval == 0 {
		cfg.Execution.OrderStatusPollInterval = 2 * time.Second
	}
	if cfg.Execution.DuplicateOrderWindow == 0 {
		cfg.Execution.DuplicateOrderWindow = 10 * time.Minute
	}
	if cfg.Execution.MinOrderNotional == 0 {
		cfg.Execution.MinOrderNotional = 1.05
	}
	if cfg.Catalog.PollInterval == 0 {
		cfg.Catalog.PollInterval = 60 * time.Second
	}
	if cfg.Catalog.MaxHoursToClose == 0 {
		cfg.Catalog.MaxHoursToClose = 48
	}

	for i := range cfg.Strategies {
		s := &cfg.Strategies[i]
		if s.MaxSignalAgeSeconds == 0 {
			s.MaxSignalAgeSeconds = 30
		}
		if s.MaxPriceDeviation == 0 {
			s.MaxPriceDeviation = 0.05
		}
		if s.MaxFeeRateBps == 0 {
			s.MaxFeeRateBps = 200
		}
		if s.MaxSpread == 0 {
			s.MaxSpread = 0.05
		}
		if s.MaxExitSpread == 0 {
			s.MaxExitSpread = 0.10
		}
		if s.MaxPositions == 0 {
			s.MaxPositions = 5
		}
		if s.MaxPositionUSD == 0 {
			s.MaxPositionUSD = 100
		}
		if s.OrderType == "" {
			s.OrderType = "limit"
		}
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.WSMarketURL == "" {
		return fmt.Errorf("api.ws_market_url is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required (set DATABASE_URL)")
	}

	anyLive := false
	names := make(map[string]bool)
	for _, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("strategies[].name is required")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate strategy name %q", s.Name)
		}
		names[s.Name] = true
		if s.Enabled && s.AllocatedUSD <= 0 {
			return fmt.Errorf("strategy %q: allocated_usd must be > 0", s.Name)
		}
		if s.MinImbalance < 0 || s.MinImbalance > 1 {
			return fmt.Errorf("strategy %q: min_imbalance must be in [0, 1]", s.Name)
		}
		if s.Live {
			anyLive = true
		}
	}

	if anyLive {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet.private_key is required for live strategies (set POLY_PRIVATE_KEY)")
		}
		if c.Wallet.ChainID == 0 {
			return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
		}
		switch c.Wallet.SignatureType {
		case 0, 1, 2:
		default:
			return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
		}
	}

	return nil
}
