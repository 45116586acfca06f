// Package config provides configuration management for the sandbox engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	sberrors "sandbox-exchange/internal/errors"
)

// Config holds process-level configuration. Engine parameters that must be
// changeable without restart live in the ledger config table instead; the
// values here only seed that table on first start.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// DatabaseConfig holds ledger database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    bool   `mapstructure:"file"`
	Path    string `mapstructure:"path"`
}

// OracleConfig holds price oracle configuration.
type OracleConfig struct {
	Provider    string `mapstructure:"provider"` // "kite", "static"
	APIKey      string `mapstructure:"api_key"`
	AccessToken string `mapstructure:"access_token"`
	// Instruments to stream live, as EXCHANGE:SYMBOL keys. Instruments
	// not listed still resolve over REST on demand.
	Instruments []string `mapstructure:"instruments"`
}

// AuthConfig holds API key verification configuration.
// Keys map api_key -> user_id.
type AuthConfig struct {
	Keys map[string]string `mapstructure:"keys"`
}

// EngineConfig holds the seed values for ledger-resident engine parameters.
type EngineConfig struct {
	StartingCapital    string `mapstructure:"starting_capital"`
	OrderCheckInterval int    `mapstructure:"order_check_interval"` // seconds
	MTMInterval        int    `mapstructure:"mtm_interval"`         // seconds, 0 disables
	ResetDay           string `mapstructure:"reset_day"`
	ResetTime          string `mapstructure:"reset_time"`
	SquareOffEquity    string `mapstructure:"squareoff_time_equity"`
	SquareOffCurrency  string `mapstructure:"squareoff_time_currency"`
	SquareOffCommodity string `mapstructure:"squareoff_time_commodity"`
	SquareOffAgri      string `mapstructure:"squareoff_time_agri"`
	LeverageEquityMIS  string `mapstructure:"leverage_equity_mis"`
	LeverageFutures    string `mapstructure:"leverage_futures"`
	SettlementDays     int    `mapstructure:"settlement_days"`
	QueueMaxRetries    int    `mapstructure:"queue_max_retries"`
	QueuePollInterval  int    `mapstructure:"queue_poll_interval"` // seconds
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/sandbox-exchange"
	}
	return filepath.Join(home, ".config", "sandbox-exchange")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(DefaultConfigDir(), "sandbox.db"),
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    true,
		},
		Oracle: OracleConfig{
			Provider: "static",
		},
		Engine: EngineConfig{
			StartingCapital:    "10000000",
			OrderCheckInterval: 5,
			MTMInterval:        5,
			ResetDay:           "Sunday",
			ResetTime:          "00:00",
			SquareOffEquity:    "15:15",
			SquareOffCurrency:  "16:45",
			SquareOffCommodity: "23:15",
			SquareOffAgri:      "17:00",
			LeverageEquityMIS:  "5",
			LeverageFutures:    "10",
			SettlementDays:     1,
			QueueMaxRetries:    3,
			QueuePollInterval:  2,
		},
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("SANDBOX")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
		// No config file is fine; defaults plus env apply.
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return sberrors.Wrap(sberrors.ErrConfigInvalid, "database.path must not be empty")
	}
	if c.Engine.OrderCheckInterval <= 0 {
		return sberrors.Wrap(sberrors.ErrConfigInvalid, "engine.order_check_interval must be positive")
	}
	if c.Engine.MTMInterval < 0 {
		return sberrors.Wrap(sberrors.ErrConfigInvalid, "engine.mtm_interval must not be negative")
	}
	if c.Engine.QueueMaxRetries < 0 {
		return sberrors.Wrap(sberrors.ErrConfigInvalid, "engine.queue_max_retries must not be negative")
	}
	if c.Engine.SettlementDays < 0 {
		return sberrors.Wrap(sberrors.ErrConfigInvalid, "engine.settlement_days must not be negative")
	}
	if c.Oracle.Provider != "static" && c.Oracle.Provider != "kite" {
		return sberrors.Wrap(sberrors.ErrConfigInvalid, "oracle.provider must be static or kite")
	}
	return nil
}
