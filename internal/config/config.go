// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/mbd888/mpescrow/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL       string // enables Idempotency-Key handling when set
	IdempotencyTTL time.Duration

	// Custody
	CustodyMode    string // "memory" or "erc20"
	CustodyAddress string // memory mode only; erc20 derives it from PrivateKey
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Hex-encoded, with or without 0x
	TokenContract  string
	ClockSource    string // "system" or "block"

	// Ledger
	ChannelDomainSalt string
	AuditInterval     time.Duration
	AuditEveryOp      bool
	AuditAllowSurplus bool

	// Memory-mode token faucet for local development
	DevFundAccounts []string
	DevFundAmount   string

	// Security
	AuthMaxSkew  time.Duration
	RateLimitRPM int
	CORSOrigins  []string // empty allows any origin without credentials

	// Event delivery
	WebhookURLs   []string
	WebhookSecret string

	// Observability
	OTLPEndpoint string
}

const (
	CustodyMemory = "memory"
	CustodyERC20  = "erc20"

	ClockSystem = "system"
	ClockBlock  = "block"
)

// Base Sepolia defaults
const (
	DefaultRPCURL         = "https://sepolia.base.org"
	DefaultChainID        = 84532                                        // Base Sepolia
	DefaultTokenContract  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultCustodyAddress = "0x00000000000000000000000000000000000e5c70"
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultRateLimit      = 600
	DefaultAuditInterval  = time.Minute
	DefaultAuthMaxSkew    = 5 * time.Minute
	DefaultIdempotencyTTL = 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		IdempotencyTTL:    getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		CustodyMode:       strings.ToLower(getEnv("CUSTODY_MODE", CustodyMemory)),
		CustodyAddress:    getEnv("CUSTODY_ADDRESS", DefaultCustodyAddress),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"),
		TokenContract:     getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		ClockSource:       strings.ToLower(getEnv("CLOCK_SOURCE", ClockSystem)),
		ChannelDomainSalt: os.Getenv("CHANNEL_DOMAIN_SALT"),
		AuditInterval:     getEnvDuration("AUDIT_INTERVAL", DefaultAuditInterval),
		AuditEveryOp:      getEnvBool("AUDIT_EVERY_OP", false),
		AuditAllowSurplus: getEnvBool("AUDIT_ALLOW_SURPLUS", false),
		DevFundAccounts:   getEnvList("DEV_FUND_ACCOUNTS"),
		DevFundAmount:     getEnv("DEV_FUND_AMOUNT", "1000000"),
		AuthMaxSkew:       getEnvDuration("AUTH_MAX_SKEW", DefaultAuthMaxSkew),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:       getEnvList("CORS_ORIGINS"),
		WebhookURLs:       getEnvList("WEBHOOK_URLS"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects missing and inconsistent settings
func (c *Config) Validate() error {
	switch c.CustodyMode {
	case CustodyMemory:
		if !validation.IsValidEthAddress(c.CustodyAddress) {
			return fmt.Errorf("CUSTODY_ADDRESS must be a valid Ethereum address")
		}
		if c.IsProduction() {
			return fmt.Errorf("CUSTODY_MODE=memory is not allowed in production")
		}
		if c.ClockSource == ClockBlock {
			return fmt.Errorf("CLOCK_SOURCE=block requires CUSTODY_MODE=erc20")
		}
	case CustodyERC20:
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required when CUSTODY_MODE=erc20")
		}
		// Allow both with and without 0x prefix
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 || !validation.IsValidHex(key) {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when CUSTODY_MODE=erc20")
		}
		if !validation.IsValidEthAddress(c.TokenContract) {
			return fmt.Errorf("TOKEN_CONTRACT must be a valid Ethereum address")
		}
		if len(c.DevFundAccounts) > 0 {
			return fmt.Errorf("DEV_FUND_ACCOUNTS only applies to CUSTODY_MODE=memory")
		}
	default:
		return fmt.Errorf("CUSTODY_MODE must be %q or %q, got %q", CustodyMemory, CustodyERC20, c.CustodyMode)
	}

	if c.ClockSource != ClockSystem && c.ClockSource != ClockBlock {
		return fmt.Errorf("CLOCK_SOURCE must be %q or %q, got %q", ClockSystem, ClockBlock, c.ClockSource)
	}
	if s := strings.TrimPrefix(c.ChannelDomainSalt, "0x"); s != "" && (len(s) != 64 || !validation.IsValidHex(s)) {
		return fmt.Errorf("CHANNEL_DOMAIN_SALT must be 32 bytes of hex")
	}
	if c.AuditInterval < 0 {
		return fmt.Errorf("AUDIT_INTERVAL must not be negative")
	}
	if c.AuthMaxSkew <= 0 {
		return fmt.Errorf("AUTH_MAX_SKEW must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	for _, a := range c.DevFundAccounts {
		if !validation.IsValidEthAddress(a) {
			return fmt.Errorf("DEV_FUND_ACCOUNTS: %q is not a valid address", a)
		}
	}
	if len(c.DevFundAccounts) > 0 {
		if _, err := amount.ParsePositive(c.DevFundAmount); err != nil {
			return fmt.Errorf("DEV_FUND_AMOUNT: %w", err)
		}
	}
	for _, raw := range c.WebhookURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("WEBHOOK_URLS: %q is not an http(s) URL", raw)
		}
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, strings.ToLower(v))
		}
	}
	return out
}
