package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode    string   `mapstructure:"mode"`
	Symbols []string `mapstructure:"symbols"`

	Capital         float64 `mapstructure:"capital"`
	RiskPerTradePct float64 `mapstructure:"risk_per_trade_pct"`
	LotSize         int64   `mapstructure:"lot_size"`

	Risk    RiskConfig    `mapstructure:"risk"`
	Bus     BusConfig     `mapstructure:"bus"`
	Monitor MonitorConfig `mapstructure:"monitoring"`
	Store   StoreConfig   `mapstructure:"store"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Gateway GatewayConfig `mapstructure:"gateway"`

	MetricsAddr string         `mapstructure:"metrics_addr"`
	Pushover    PushoverConfig `mapstructure:"pushover"`
	Ledger      LedgerConfig   `mapstructure:"ledger"`
}

type RiskConfig struct {
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions"`
	MaxCapitalAtRiskPct    float64 `mapstructure:"max_capital_at_risk_pct"`
	MaxDailyLossPct        float64 `mapstructure:"max_daily_loss_pct"`
	MaxConsecutiveLosses   int     `mapstructure:"max_consecutive_losses"`
}

type BusConfig struct {
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

type MonitorConfig struct {
	Interval              time.Duration `mapstructure:"interval"`
	PartialBookFraction   float64       `mapstructure:"partial_book_fraction"`
	PartialBookTriggerPct float64       `mapstructure:"partial_book_trigger_pct"`
	TrailDistancePct      float64       `mapstructure:"trail_distance_pct"`
	MaxHoldDuration       time.Duration `mapstructure:"max_hold_duration"`
	RetryAttempts         int           `mapstructure:"retry_attempts"`
	RetryBackoff          time.Duration `mapstructure:"retry_backoff"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Host   string `mapstructure:"host"`
	Port   string `mapstructure:"port"`
	User   string `mapstructure:"user"`
	Pass   string `mapstructure:"pass"`
	Name   string `mapstructure:"name"`
}

type FeedConfig struct {
	Kind     string `mapstructure:"kind"`
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

type GatewayConfig struct {
	SlippagePct   float64 `mapstructure:"slippage_pct"`
	MarginLimit   float64 `mapstructure:"margin_limit"`
	RejectionRate float64 `mapstructure:"rejection_rate"`
	RejectionSeed int64   `mapstructure:"rejection_seed"`
}

type PushoverConfig struct {
	User   string `mapstructure:"user"`
	Token  string `mapstructure:"token"`
	Device string `mapstructure:"device"`
}

type LedgerConfig struct {
	Enabled   bool  `mapstructure:"enabled"`
	AppId     int64 `mapstructure:"app_id"`
	AccountId int64 `mapstructure:"account_id"`
}

// LoadConfig reads config.yaml from the given directory, overlaid with
// TRADEFLOW_* environment variables. Every knob has a working default so an
// empty file starts a paper session against the in-memory store.
func LoadConfig(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("TRADEFLOW")
	v.AutomaticEnv()

	v.SetDefault("mode", "dev")
	v.SetDefault("symbols", []string{"NIFTY"})
	v.SetDefault("capital", 100000.0)
	v.SetDefault("risk_per_trade_pct", 2.0)
	v.SetDefault("lot_size", 1)

	v.SetDefault("risk.max_concurrent_positions", 3)
	v.SetDefault("risk.max_capital_at_risk_pct", 10.0)
	v.SetDefault("risk.max_daily_loss_pct", 5.0)
	v.SetDefault("risk.max_consecutive_losses", 4)

	v.SetDefault("bus.handler_timeout", 30*time.Second)
	v.SetDefault("bus.shutdown_grace", 5*time.Second)

	v.SetDefault("monitoring.interval", 5*time.Second)
	v.SetDefault("monitoring.partial_book_fraction", 0.6)
	v.SetDefault("monitoring.partial_book_trigger_pct", 45.0)
	v.SetDefault("monitoring.trail_distance_pct", 10.0)
	v.SetDefault("monitoring.max_hold_duration", 6*time.Hour)
	v.SetDefault("monitoring.retry_attempts", 3)
	v.SetDefault("monitoring.retry_backoff", 100*time.Millisecond)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", "5432")
	v.SetDefault("store.user", "tradeflow")
	v.SetDefault("store.pass", "")
	v.SetDefault("store.name", "tradeflow")

	v.SetDefault("feed.kind", "stream")
	v.SetDefault("feed.url", "ws://localhost:9001/quotes")
	v.SetDefault("feed.database", "data/ticks.duckdb")

	v.SetDefault("gateway.slippage_pct", 0.0)
	v.SetDefault("gateway.margin_limit", 0.0)
	v.SetDefault("gateway.rejection_rate", 0.0)
	v.SetDefault("gateway.rejection_seed", 1)

	v.SetDefault("metrics_addr", ":9102")

	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.app_id", 1)
	v.SetDefault("ledger.account_id", 1)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}
