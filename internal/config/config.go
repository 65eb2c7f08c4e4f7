// Package config defines all configuration for the trading core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via VT_* environment variables.
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
	DryRun     bool             `mapstructure:"dry_run"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Bus        BusConfig        `mapstructure:"bus"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Options    OptionsConfig    `mapstructure:"options"`
	Adapter    AdapterConfig    `mapstructure:"adapter"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Sentiment  ServiceConfig    `mapstructure:"sentiment"`
	Forecast   ServiceConfig    `mapstructure:"forecast"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// RedisConfig locates the Redis instance backing both the bus and the
// state store. Password is usually supplied via VT_REDIS_PASSWORD.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BusConfig tunes the stream bus.
//
//   - Prefix: namespace prepended to every stream key (isolates deployments
//     sharing one Redis).
//   - BlockTimeout: how long a group read blocks before yielding a keep-alive.
//   - StateTTL / PortfolioTTL: expiry applied to per-strategy state keys and
//     shared portfolio keys respectively.
type BusConfig struct {
	Prefix       string        `mapstructure:"prefix"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
	StateTTL     time.Duration `mapstructure:"state_ttl"`
	PortfolioTTL time.Duration `mapstructure:"portfolio_ttl"`
}

// EngineConfig controls the strategy engine consume loop. Consumer names
// within the group are generated per subscriber.
type EngineConfig struct {
	Group string `mapstructure:"group"`
}

// RiskConfig sets the hard limits enforced by the pre-order check and the
// periodic portfolio sweep.
//
//   - MaxDrawdownPct: current drawdown at or above this vetoes all new risk.
//   - MaxPositionRatio: cap on position notional / total equity.
//   - MinPositionRatio: floor on the same ratio; 0 disables the floor so a
//     flat portfolio can place its first trade.
//   - MaxSinglePositionPct: post-trade concentration cap per symbol.
//   - MaxGrossLeverage: post-trade cap on gross notional / equity.
//   - CheckInterval: period of the background portfolio risk sweep.
//   - MacroInterval: period of the macro state broadcast.
type RiskConfig struct {
	MaxDrawdownPct       float64       `mapstructure:"max_drawdown_pct"`
	MaxPositionRatio     float64       `mapstructure:"max_position_ratio"`
	MinPositionRatio     float64       `mapstructure:"min_position_ratio"`
	MaxSinglePositionPct float64       `mapstructure:"max_single_position_pct"`
	MaxGrossLeverage     float64       `mapstructure:"max_gross_leverage"`
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	MacroInterval        time.Duration `mapstructure:"macro_interval"`
}

// OptionsConfig tunes option pricing defaults.
//
//   - RiskFreeRate: annualized rate used in Black-Scholes.
//   - AssumedVol: fallback volatility when a position has no cached greeks
//     and no quoted IV.
type OptionsConfig struct {
	RiskFreeRate float64 `mapstructure:"risk_free_rate"`
	AssumedVol   float64 `mapstructure:"assumed_vol"`
}

// AdapterConfig controls the market data adapters.
type AdapterConfig struct {
	Symbols          []string      `mapstructure:"symbols"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	SurfaceInterval  time.Duration `mapstructure:"surface_interval"`
	ForecastInterval time.Duration `mapstructure:"forecast_interval"`
	ForecastHorizon  string        `mapstructure:"forecast_horizon"`
	OptionExpiries   []string      `mapstructure:"option_expiries"`
	StrikesPerExpiry int           `mapstructure:"strikes_per_expiry"`
}

// ExchangeConfig holds the spot exchange REST endpoint and credentials.
// Empty credentials with dry_run enabled switch the client to the
// built-in simulator.
type ExchangeConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	ApiKey    string        `mapstructure:"api_key"`
	Secret    string        `mapstructure:"secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RetryMax  int           `mapstructure:"retry_max"`
	RateLimit float64       `mapstructure:"rate_limit"`
}

// ServiceConfig describes one auxiliary HTTP service reachable through the
// endpoint pool (sentiment, volatility forecast).
type ServiceConfig struct {
	Endpoints        []string      `mapstructure:"endpoints"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// StrategyConfig declares one strategy instance to load at startup.
// Params are passed through to the strategy untyped; each strategy
// documents its own keys.
type StrategyConfig struct {
	ID      string         `mapstructure:"id"`
	Type    string         `mapstructure:"type"`
	Symbol  string         `mapstructure:"symbol"`
	Enabled bool           `mapstructure:"enabled"`
	Params  map[string]any `mapstructure:"params"`
}

// APIConfig controls the status/stream HTTP server.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	StreamTopics   []string `mapstructure:"stream_topics"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: VT_REDIS_PASSWORD, VT_EXCHANGE_API_KEY,
// VT_EXCHANGE_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if pw := os.Getenv("VT_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if key := os.Getenv("VT_EXCHANGE_API_KEY"); key != "" {
		cfg.Exchange.ApiKey = key
	}
	if secret := os.Getenv("VT_EXCHANGE_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if os.Getenv("VT_DRY_RUN") == "true" || os.Getenv("VT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("bus.prefix", "voltrader")
	v.SetDefault("bus.block_timeout", 5*time.Second)
	v.SetDefault("bus.state_ttl", 7*24*time.Hour)
	v.SetDefault("bus.portfolio_ttl", 30*24*time.Hour)
	v.SetDefault("engine.group", "strategy_engine")
	v.SetDefault("risk.max_drawdown_pct", 0.20)
	v.SetDefault("risk.max_position_ratio", 0.80)
	v.SetDefault("risk.min_position_ratio", 0.0)
	v.SetDefault("risk.max_single_position_pct", 0.30)
	v.SetDefault("risk.max_gross_leverage", 2.0)
	v.SetDefault("risk.check_interval", 30*time.Second)
	v.SetDefault("risk.macro_interval", 60*time.Second)
	v.SetDefault("options.risk_free_rate", 0.05)
	v.SetDefault("options.assumed_vol", 0.6)
	v.SetDefault("adapter.tick_interval", 5*time.Second)
	v.SetDefault("adapter.surface_interval", 30*time.Second)
	v.SetDefault("adapter.forecast_interval", 60*time.Second)
	v.SetDefault("adapter.forecast_horizon", "24h")
	v.SetDefault("adapter.strikes_per_expiry", 5)
	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("exchange.retry_max", 3)
	v.SetDefault("sentiment.timeout", 10*time.Second)
	v.SetDefault("sentiment.failure_threshold", 3)
	v.SetDefault("sentiment.cooldown", 60*time.Second)
	v.SetDefault("forecast.timeout", 10*time.Second)
	v.SetDefault("forecast.failure_threshold", 3)
	v.SetDefault("forecast.cooldown", 60*time.Second)
	v.SetDefault("api.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Bus.Prefix == "" {
		return fmt.Errorf("bus.prefix is required")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0, 1)")
	}
	if c.Risk.MaxPositionRatio <= 0 || c.Risk.MaxPositionRatio > 1 {
		return fmt.Errorf("risk.max_position_ratio must be in (0, 1]")
	}
	if c.Risk.MinPositionRatio < 0 || c.Risk.MinPositionRatio >= c.Risk.MaxPositionRatio {
		return fmt.Errorf("risk.min_position_ratio must be in [0, max_position_ratio)")
	}
	if c.Risk.MaxSinglePositionPct <= 0 || c.Risk.MaxSinglePositionPct > 1 {
		return fmt.Errorf("risk.max_single_position_pct must be in (0, 1]")
	}
	if c.Risk.MaxGrossLeverage <= 0 {
		return fmt.Errorf("risk.max_gross_leverage must be > 0")
	}
	if c.Options.AssumedVol <= 0 {
		return fmt.Errorf("options.assumed_vol must be > 0")
	}
	if !c.DryRun && c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required unless dry_run is set")
	}
	seen := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.ID == "" || s.Type == "" {
			return fmt.Errorf("every strategy needs an id and a type")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
