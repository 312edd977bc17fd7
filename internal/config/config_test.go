package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CUSTODY_MODE", "")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, CustodyMemory, cfg.CustodyMode)
	assert.Equal(t, DefaultCustodyAddress, cfg.CustodyAddress)
	assert.Equal(t, ClockSystem, cfg.ClockSource)
	assert.Equal(t, DefaultAuditInterval, cfg.AuditInterval)
	assert.Equal(t, DefaultAuthMaxSkew, cfg.AuthMaxSkew)
	assert.Equal(t, DefaultIdempotencyTTL, cfg.IdempotencyTTL)
	assert.False(t, cfg.AuditEveryOp)
}

func TestLoad_ERC20(t *testing.T) {
	t.Setenv("CUSTODY_MODE", "ERC20")
	t.Setenv("PRIVATE_KEY", "0x"+testKey)
	t.Setenv("CLOCK_SOURCE", "block")
	t.Setenv("AUDIT_INTERVAL", "30s")
	t.Setenv("AUDIT_EVERY_OP", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, CustodyERC20, cfg.CustodyMode)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultTokenContract, cfg.TokenContract)
	assert.Equal(t, 30*time.Second, cfg.AuditInterval)
	assert.True(t, cfg.AuditEveryOp)
}

func TestLoad_DevFundAccounts(t *testing.T) {
	t.Setenv("CUSTODY_MODE", "memory")
	t.Setenv("DEV_FUND_ACCOUNTS", " 0x1234567890123456789012345678901234567890 ,0xABCDEF0123456789ABCDEF0123456789ABCDEF01,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"0x1234567890123456789012345678901234567890",
		"0xabcdef0123456789abcdef0123456789abcdef01",
	}, cfg.DevFundAccounts)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:            DefaultEnv,
			LogFormat:      "json",
			CustodyMode:    CustodyMemory,
			CustodyAddress: DefaultCustodyAddress,
			ClockSource:    ClockSystem,
			AuditInterval:  time.Minute,
			AuthMaxSkew:    time.Minute,
			RateLimitRPM:   60,
			DevFundAmount:  "100",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid memory", func(*Config) {}, ""},
		{"valid erc20", func(c *Config) {
			c.CustodyMode, c.PrivateKey, c.RPCURL, c.TokenContract = CustodyERC20, testKey, DefaultRPCURL, DefaultTokenContract
		}, ""},
		{"unknown custody", func(c *Config) { c.CustodyMode = "vault" }, "CUSTODY_MODE"},
		{"memory in production", func(c *Config) { c.Env = "production" }, "not allowed in production"},
		{"block clock needs chain", func(c *Config) { c.ClockSource = ClockBlock }, "requires CUSTODY_MODE=erc20"},
		{"bad clock", func(c *Config) { c.ClockSource = "ntp" }, "CLOCK_SOURCE"},
		{"erc20 missing key", func(c *Config) {
			c.CustodyMode, c.RPCURL, c.TokenContract = CustodyERC20, DefaultRPCURL, DefaultTokenContract
		}, "PRIVATE_KEY is required"},
		{"erc20 short key", func(c *Config) {
			c.CustodyMode, c.PrivateKey, c.RPCURL, c.TokenContract = CustodyERC20, "tooshort", DefaultRPCURL, DefaultTokenContract
		}, "64 hex characters"},
		{"erc20 bad token", func(c *Config) {
			c.CustodyMode, c.PrivateKey, c.RPCURL, c.TokenContract = CustodyERC20, testKey, DefaultRPCURL, "usdc"
		}, "TOKEN_CONTRACT"},
		{"bad salt", func(c *Config) { c.ChannelDomainSalt = "0x1234" }, "CHANNEL_DOMAIN_SALT"},
		{"negative audit interval", func(c *Config) { c.AuditInterval = -time.Second }, "AUDIT_INTERVAL"},
		{"zero skew", func(c *Config) { c.AuthMaxSkew = 0 }, "AUTH_MAX_SKEW"},
		{"zero rate limit", func(c *Config) { c.RateLimitRPM = 0 }, "RATE_LIMIT_RPM"},
		{"bad fund account", func(c *Config) { c.DevFundAccounts = []string{"alice"} }, "DEV_FUND_ACCOUNTS"},
		{"bad fund amount", func(c *Config) {
			c.DevFundAccounts, c.DevFundAmount = []string{DefaultCustodyAddress}, "0"
		}, "DEV_FUND_AMOUNT"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"valid webhook", func(c *Config) { c.WebhookURLs = []string{"https://hooks.example.com/ledger"} }, ""},
		{"bad webhook", func(c *Config) { c.WebhookURLs = []string{"ftp://hooks.example.com"} }, "WEBHOOK_URLS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	c := &Config{Env: "production"}
	assert.True(t, c.IsProduction())
	assert.False(t, c.IsDevelopment())

	t.Setenv("X_BOOL", "nope")
	assert.True(t, getEnvBool("X_BOOL", true))
	t.Setenv("X_DUR", "5")
	assert.Equal(t, time.Second, getEnvDuration("X_DUR", time.Second))
}
