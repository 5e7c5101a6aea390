// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Hex-encoded signing key for release transactions
	EscrowContract string // On-chain escrow contract address
	TokenContract  string // Stablecoin (ERC-20) contract address

	// Fiat rail provider
	RailBaseURL string
	RailAPIKey  string

	// Custody defaults
	DefaultCustodyPercent float64
	DefaultCustodyDays    int
	CommissionPercent     float64
	CommissionBeneficiary string

	// Release routing (minor USD units)
	HighValueThresholdUSD  int64
	EnterpriseThresholdUSD int64
	FXRateUSD              string // USD per unit of platform currency
	Currency               string

	// Automation intervals
	DepositInterval   time.Duration
	CustodyInterval   time.Duration
	PayoutInterval    time.Duration
	ChainSyncInterval time.Duration
	ReconcileInterval time.Duration

	// Security
	JWTSecret   string
	AdminSecret string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultRPCURL                 = "https://sepolia.arbitrum.io/rpc"
	DefaultChainID                = 421614
	DefaultCurrency               = "MXN"
	DefaultFXRateUSD              = "0.055"
	DefaultCustodyPercent         = 100.0
	DefaultCustodyDays            = 1
	DefaultCommissionPercent      = 0.0
	DefaultHighValueThresholdUSD  = 1000000  // $10,000.00
	DefaultEnterpriseThresholdUSD = 10000000 // $100,000.00
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:                 getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:             os.Getenv("PRIVATE_KEY"),
		EscrowContract:         os.Getenv("ESCROW_CONTRACT"),
		TokenContract:          os.Getenv("TOKEN_CONTRACT"),
		RailBaseURL:            os.Getenv("RAIL_BASE_URL"),
		RailAPIKey:             os.Getenv("RAIL_API_KEY"),
		DefaultCustodyPercent:  getEnvFloat("DEFAULT_CUSTODY_PERCENT", DefaultCustodyPercent),
		DefaultCustodyDays:     int(getEnvInt64("DEFAULT_CUSTODY_DAYS", DefaultCustodyDays)),
		CommissionPercent:      getEnvFloat("COMMISSION_PERCENT", DefaultCommissionPercent),
		CommissionBeneficiary:  os.Getenv("COMMISSION_BENEFICIARY"),
		HighValueThresholdUSD:  getEnvInt64("HIGH_VALUE_THRESHOLD_USD", DefaultHighValueThresholdUSD),
		EnterpriseThresholdUSD: getEnvInt64("ENTERPRISE_THRESHOLD_USD", DefaultEnterpriseThresholdUSD),
		FXRateUSD:              getEnv("FX_RATE_USD", DefaultFXRateUSD),
		Currency:               getEnv("CURRENCY", DefaultCurrency),
		DepositInterval:        getEnvDuration("DEPOSIT_INTERVAL", 5*time.Minute),
		CustodyInterval:        getEnvDuration("CUSTODY_INTERVAL", 10*time.Minute),
		PayoutInterval:         getEnvDuration("PAYOUT_INTERVAL", 10*time.Minute),
		ChainSyncInterval:      getEnvDuration("CHAIN_SYNC_INTERVAL", time.Hour),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.HighValueThresholdUSD <= 0 || c.EnterpriseThresholdUSD <= c.HighValueThresholdUSD {
		return fmt.Errorf("ENTERPRISE_THRESHOLD_USD must be greater than HIGH_VALUE_THRESHOLD_USD (both positive)")
	}

	if c.DefaultCustodyPercent < 0 || c.DefaultCustodyPercent > 100 {
		return fmt.Errorf("DEFAULT_CUSTODY_PERCENT must be between 0 and 100")
	}

	if c.PrivateKey != "" {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
