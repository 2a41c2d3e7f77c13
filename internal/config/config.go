// Package config defines all configuration for the arbitrage signal engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARBSIGNAL_* environment variables,
// mirroring the teacher's viper-based config.Load/Validate split.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"arbsignal/internal/confidence"
	"arbsignal/internal/consensus"
	"arbsignal/internal/intelligence"
	"arbsignal/internal/market"
	"arbsignal/internal/mode"
	"arbsignal/internal/oracle"
	"arbsignal/internal/signal"
	"arbsignal/internal/validator"
)

// Config is the top-level configuration, mapping directly to the YAML file.
type Config struct {
	Mode string `mapstructure:"mode"`

	Venues   VenuesConfig   `mapstructure:"venues"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Market   MarketConfig   `mapstructure:"market"`
	Consensus consensus.Config `mapstructure:"consensus"`

	Signal     signal.Config     `mapstructure:"signal"`
	Validator  validator.Config  `mapstructure:"validator"`
	Confidence confidence.Config `mapstructure:"confidence"`
	Ensemble   intelligence.EnsembleConfig `mapstructure:"ensemble"`
	Breaker    mode.Config       `mapstructure:"breaker"`

	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// VenuesConfig holds the websocket endpoints for each spot feed adapter.
type VenuesConfig struct {
	BinanceURL  string `mapstructure:"binance_url"`
	CoinbaseURL string `mapstructure:"coinbase_url"`
	KrakenURL   string `mapstructure:"kraken_url"`
	Symbol      string `mapstructure:"symbol"`
}

// OracleConfig wraps the RPC endpoint and contract address alongside the
// oracle package's poll tunables.
type OracleConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	AggregatorAddr string        `mapstructure:"aggregator_address"`
	Poll           oracle.Config `mapstructure:"poll"`
}

// MarketConfig wraps the Gamma-style discovery endpoint alongside the
// market package's orderbook tunables.
type MarketConfig struct {
	GammaBaseURL  string        `mapstructure:"gamma_base_url"`
	ClobBaseURL   string        `mapstructure:"clob_base_url"`
	SlugPrefix    string        `mapstructure:"slug_prefix"`
	DiscoveryPoll time.Duration `mapstructure:"discovery_poll"`
	Book          market.Config `mapstructure:"book"`
}

// StoreConfig sets where signals are persisted (ndjson files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls slog's level and handler format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARBSIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if url := os.Getenv("ARBSIGNAL_ORACLE_RPC_URL"); url != "" {
		cfg.Oracle.RPCURL = url
	}
	if m := os.Getenv("ARBSIGNAL_MODE"); m != "" {
		cfg.Mode = m
	}

	return &cfg, nil
}

// Default returns a complete configuration seeded from each component
// package's own defaults, so a YAML file only needs to override what
// differs from them.
func Default() Config {
	return Config{
		Mode: "shadow",
		Venues: VenuesConfig{
			BinanceURL:  "wss://stream.binance.com:9443/ws/btcusdt@aggTrade",
			CoinbaseURL: "wss://ws-feed.exchange.coinbase.com",
			KrakenURL:   "wss://ws.kraken.com/v2",
			Symbol:      "BTCUSDT",
		},
		Oracle: OracleConfig{
			Poll: oracle.DefaultConfig(),
		},
		Market: MarketConfig{
			DiscoveryPoll: 30 * time.Second,
			ClobBaseURL:   "https://clob.polymarket.com",
			Book:          market.DefaultConfig(),
		},
		Consensus: consensus.Config{
			PriceTolerance: 0.0015,
			StaleAfter:     10 * time.Second,
			ATRHistorySize: 1000,
		},
		Signal:     signal.DefaultConfig(),
		Validator:  validator.DefaultConfig(),
		Confidence: confidence.DefaultConfig(),
		Ensemble:   intelligence.DefaultEnsembleConfig(),
		Breaker:    mode.DefaultConfig(),
		Store: StoreConfig{
			DataDir: "./data/signals",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Port:    8090,
		},
	}
}

// Validate checks required fields and recognised enum values.
func (c *Config) Validate() error {
	switch c.Mode {
	case "shadow", "alert", "automated":
	default:
		return fmt.Errorf("mode must be one of shadow|alert|automated, got %q", c.Mode)
	}
	if c.Oracle.RPCURL == "" {
		return fmt.Errorf("oracle.rpc_url is required")
	}
	if c.Oracle.AggregatorAddr == "" {
		return fmt.Errorf("oracle.aggregator_address is required")
	}
	if c.Market.GammaBaseURL == "" {
		return fmt.Errorf("market.gamma_base_url is required")
	}
	if c.Consensus.PriceTolerance <= 0 {
		return fmt.Errorf("consensus.price_tolerance must be > 0")
	}
	return nil
}
