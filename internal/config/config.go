// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// CORSAllowedOrigins is empty to allow any origin.
	CORSAllowedOrigins []string

	// Database (optional, events are kept in memory if not set)
	DatabaseURL string

	// Chain settings
	RPCURL       string
	ChainID      int64
	PrivateKey   string // relayer key, hex with or without 0x
	HTLCContract string

	// Settlement
	ConfirmationTimeout time.Duration
	RelayTimeout        time.Duration // whole claim; 0 derives from ConfirmationTimeout
	RecentCapacity      int

	// Claim rate limit per client IP; 0 disables
	RelayRateLimit int
	RelayRateBurst int

	// Dashboard
	DashboardMaxLogs         int
	DashboardRefreshInterval time.Duration

	// Indexer
	IndexerEnabled      bool
	IndexerStartBlock   uint64
	IndexerPollInterval time.Duration
	IndexerBatchSize    uint64

	// Tracing (empty disables export)
	OTLPEndpoint string
}

// Local development defaults (hardhat node)
const (
	DefaultRPCURL              = "http://127.0.0.1:8545"
	DefaultChainID             = 31337
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultSubmitBudget        = 30 * time.Second
	DefaultRecentCapacity      = 10
	DefaultRelayRateLimit      = 30
	DefaultRelayRateBurst      = 5
	DefaultDashboardMaxLogs    = 200
	DefaultDashboardRefresh    = 2 * time.Second
	DefaultIndexerPoll         = 5 * time.Second
	DefaultIndexerBatchSize    = 2000
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            p.int64("CHAIN_ID", DefaultChainID),
		PrivateKey:         getEnv("LSP_PRIVATE_KEY", os.Getenv("PRIVATE_KEY")),
		HTLCContract:       os.Getenv("HTLC_CONTRACT"),

		ConfirmationTimeout: p.duration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		RelayTimeout:        p.duration("RELAY_TIMEOUT", 0),
		RecentCapacity:      int(p.int64("RECENT_CAPACITY", DefaultRecentCapacity)),
		RelayRateLimit:      int(p.int64("RELAY_RATE_LIMIT", DefaultRelayRateLimit)),
		RelayRateBurst:      int(p.int64("RELAY_RATE_BURST", DefaultRelayRateBurst)),

		DashboardMaxLogs:         int(p.int64("DASHBOARD_MAX_LOGS", DefaultDashboardMaxLogs)),
		DashboardRefreshInterval: p.duration("DASHBOARD_REFRESH_INTERVAL", DefaultDashboardRefresh),

		IndexerEnabled:      p.bool("INDEXER_ENABLED", true),
		IndexerStartBlock:   p.uint64("INDEXER_START_BLOCK", 0),
		IndexerPollInterval: p.duration("INDEXER_POLL_INTERVAL", DefaultIndexerPoll),
		IndexerBatchSize:    p.uint64("INDEXER_BATCH_SIZE", DefaultIndexerBatchSize),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("LSP_PRIVATE_KEY (or PRIVATE_KEY) is required")
	}
	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 || !isHex(key) {
		return fmt.Errorf("LSP_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	if c.HTLCContract == "" {
		return fmt.Errorf("HTLC_CONTRACT is required")
	}
	addr := strings.TrimPrefix(c.HTLCContract, "0x")
	if len(addr) != 40 || !isHex(addr) || !strings.HasPrefix(c.HTLCContract, "0x") {
		return fmt.Errorf("HTLC_CONTRACT must be a 0x-prefixed 20-byte address")
	}

	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT must be positive")
	}
	if c.RelayTimeout < 0 {
		return fmt.Errorf("RELAY_TIMEOUT must not be negative")
	}
	if c.RelayTimeout > 0 && c.RelayTimeout <= c.ConfirmationTimeout {
		return fmt.Errorf("RELAY_TIMEOUT must exceed CONFIRMATION_TIMEOUT")
	}
	if c.RecentCapacity <= 0 {
		return fmt.Errorf("RECENT_CAPACITY must be positive")
	}
	if c.RelayRateLimit < 0 {
		return fmt.Errorf("RELAY_RATE_LIMIT must not be negative")
	}
	if c.RelayRateLimit > 0 && c.RelayRateBurst <= 0 {
		return fmt.Errorf("RELAY_RATE_BURST must be positive when rate limiting is on")
	}
	if c.DashboardMaxLogs <= 0 {
		return fmt.Errorf("DASHBOARD_MAX_LOGS must be positive")
	}
	if c.IndexerEnabled && c.IndexerBatchSize == 0 {
		return fmt.Errorf("INDEXER_BATCH_SIZE must be positive")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
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

// ClaimTimeout is the longest a single claim may run.
func (c *Config) ClaimTimeout() time.Duration {
	if c.RelayTimeout > 0 {
		return c.RelayTimeout
	}
	return c.ConfirmationTimeout + DefaultSubmitBudget
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// parser collects malformed values instead of silently using defaults.
type parser struct {
	errs []error
}

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s: invalid value %q: %w", key, value, err))
}

func (p *parser) int64(key string, def int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return i
}

func (p *parser) uint64(key string, def uint64) uint64 {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	i, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return i
}

func (p *parser) bool(key string, def bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return b
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func (p *parser) duration(key string, def time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return d
}
