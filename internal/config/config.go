// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradelock/escrowd/internal/currency"
	"github.com/tradelock/escrowd/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow coordination
	EscrowAccount string        // The coordinator's own custodial account address
	FeeAccount    string        // Fee treasury account (defaults to EscrowAccount)
	EscrowFee     string        // Flat fee retained per escrow, covers the reservation call
	SettleWindow  time.Duration // Abandoned escrows settle to the seller after this
	ScanInterval  time.Duration // How often the timeout scanner runs

	// Asset ledger
	AssetLedgerURL     string // Base URL of the external asset ledger service
	AssetLedgerTimeout time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (empty disables tracing)
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultEscrowFee     = "0.01"
	DefaultSettleWindow  = 24 * time.Hour
	DefaultScanInterval  = 30 * time.Second
	DefaultLedgerTimeout = 10 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		EscrowAccount:      os.Getenv("ESCROW_ACCOUNT"),
		FeeAccount:         os.Getenv("FEE_ACCOUNT"),
		EscrowFee:          getEnv("ESCROW_FEE", DefaultEscrowFee),
		SettleWindow:       getEnvDuration("SETTLE_WINDOW", DefaultSettleWindow),
		ScanInterval:       getEnvDuration("SCAN_INTERVAL", DefaultScanInterval),
		AssetLedgerURL:     os.Getenv("ASSET_LEDGER_URL"),
		AssetLedgerTimeout: getEnvDuration("ASSET_LEDGER_TIMEOUT", DefaultLedgerTimeout),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.FeeAccount == "" {
		cfg.FeeAccount = cfg.EscrowAccount
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowAccount == "" {
		return fmt.Errorf("ESCROW_ACCOUNT is required")
	}
	if !validation.IsValidAddress(c.EscrowAccount) {
		return fmt.Errorf("ESCROW_ACCOUNT must be a valid account address")
	}
	if c.FeeAccount != "" && !validation.IsValidAddress(c.FeeAccount) {
		return fmt.Errorf("FEE_ACCOUNT must be a valid account address")
	}
	if !currency.IsPositive(c.EscrowFee) {
		return fmt.Errorf("ESCROW_FEE must be a positive amount")
	}
	if c.AssetLedgerURL == "" {
		return fmt.Errorf("ASSET_LEDGER_URL is required")
	}
	if c.SettleWindow <= 0 {
		return fmt.Errorf("SETTLE_WINDOW must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
