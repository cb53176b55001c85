package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Rate limit store constants
const (
	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

type Config struct {
	// Broker server settings
	ServerAddr string
	BaseURL    string

	// Caller authentication (broker)
	BrokerJWTSecret string

	// Database (broker: used-code markers, audit events)
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseDSN    string

	// Provider (bank API) settings
	ProviderAuthURL  string
	ProviderTokenURL string
	ProviderAPIURL   string
	ProviderClientID string
	// ProviderClientSecret lives only in the broker's environment.
	// The client-side library never sees it.
	ProviderClientSecret string
	ProviderScopes       []string

	// Deep-link callback settings
	RedirectURI    string
	AllowedSchemes []string
	CallbackHost   string

	// Broker endpoint as seen from the client library
	BrokerURL           string
	BrokerTimeout       time.Duration
	BrokerMaxRetries    int
	BrokerRetryDelay    time.Duration
	BrokerMaxRetryDelay time.Duration

	// Provider HTTP client settings
	ProviderTimeout       time.Duration
	ProviderMaxRetries    int
	ProviderRetryDelay    time.Duration
	ProviderMaxRetryDelay time.Duration

	// Cache tuning. Product constants, not protocol requirements.
	BalanceTTL     time.Duration
	TransactionTTL time.Duration
	StaleThreshold float64 // fraction of TTL after which background refresh kicks in

	// Token lifecycle
	RefreshBuffer time.Duration // refresh this long before recorded expiry

	// Sync orchestration
	SyncInterval time.Duration // periodic cadence
	SyncMinGap   time.Duration // skip non-forced syncs within this gap

	// Local (client-side) fixed-window throttles, per minute
	AccountsPerMinute     int
	BalancePerMinute      int
	TransactionsPerMinute int

	// Server-side (broker) per-user throttles, per hour
	ExchangesPerHour int
	RefreshesPerHour int

	// Rate limit store: "memory" or "redis"
	RateLimitStore string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// Used-code cache tier for multi-instance broker deployments.
	// Empty disables the Redis tier; the database remains authoritative.
	UsedCodeRedisAddr string

	// Observability
	MetricsEnabled  bool
	AuditEnabled    bool
	AuditBufferSize int
	AuditRetention  time.Duration
}

func Load() *Config {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	return &Config{
		ServerAddr:      getEnv("SERVER_ADDR", ":8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		BrokerJWTSecret: getEnv("BROKER_JWT_SECRET", "broker-secret-change-in-production"),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    getEnv("DATABASE_DSN", "broker.db"),

		ProviderAuthURL:      getEnv("PROVIDER_AUTH_URL", "https://auth.truelayer.com"),
		ProviderTokenURL:     getEnv("PROVIDER_TOKEN_URL", "https://auth.truelayer.com/connect/token"),
		ProviderAPIURL:       getEnv("PROVIDER_API_URL", "https://api.truelayer.com/data/v1"),
		ProviderClientID:     getEnv("PROVIDER_CLIENT_ID", ""),
		ProviderClientSecret: getEnv("PROVIDER_CLIENT_SECRET", ""),
		ProviderScopes: getEnvSlice("PROVIDER_SCOPES", []string{
			"info", "accounts", "balance", "transactions", "offline_access",
		}),

		RedirectURI:    getEnv("REDIRECT_URI", "penny://bank-callback"),
		AllowedSchemes: getEnvSlice("ALLOWED_SCHEMES", []string{"penny"}),
		CallbackHost:   getEnv("CALLBACK_HOST", "bank-callback"),

		BrokerURL:           getEnv("BROKER_URL", "http://localhost:8080"),
		BrokerTimeout:       getEnvDuration("BROKER_TIMEOUT", 15*time.Second),
		BrokerMaxRetries:    getEnvInt("BROKER_MAX_RETRIES", 3),
		BrokerRetryDelay:    getEnvDuration("BROKER_RETRY_DELAY", 1*time.Second),
		BrokerMaxRetryDelay: getEnvDuration("BROKER_MAX_RETRY_DELAY", 10*time.Second),

		ProviderTimeout:       getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),
		ProviderMaxRetries:    getEnvInt("PROVIDER_MAX_RETRIES", 3),
		ProviderRetryDelay:    getEnvDuration("PROVIDER_RETRY_DELAY", 1*time.Second),
		ProviderMaxRetryDelay: getEnvDuration("PROVIDER_MAX_RETRY_DELAY", 10*time.Second),

		BalanceTTL:     getEnvDuration("BALANCE_TTL", 30*time.Minute),
		TransactionTTL: getEnvDuration("TRANSACTION_TTL", 6*time.Hour),
		StaleThreshold: getEnvFloat("STALE_THRESHOLD", 0.5),

		RefreshBuffer: getEnvDuration("REFRESH_BUFFER", 5*time.Minute),

		SyncInterval: getEnvDuration("SYNC_INTERVAL", 6*time.Hour),
		SyncMinGap:   getEnvDuration("SYNC_MIN_GAP", 1*time.Hour),

		AccountsPerMinute:     getEnvInt("ACCOUNTS_PER_MINUTE", 10),
		BalancePerMinute:      getEnvInt("BALANCE_PER_MINUTE", 20),
		TransactionsPerMinute: getEnvInt("TRANSACTIONS_PER_MINUTE", 20),

		ExchangesPerHour: getEnvInt("EXCHANGES_PER_HOUR", 5),
		RefreshesPerHour: getEnvInt("REFRESHES_PER_HOUR", 10),

		RateLimitStore: getEnv("RATE_LIMIT_STORE", RateLimitStoreMemory),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),

		UsedCodeRedisAddr: getEnv("USED_CODE_REDIS_ADDR", ""),

		MetricsEnabled:  getEnvBool("METRICS_ENABLED", true),
		AuditEnabled:    getEnvBool("AUDIT_ENABLED", true),
		AuditBufferSize: getEnvInt("AUDIT_BUFFER_SIZE", 1000),
		AuditRetention:  getEnvDuration("AUDIT_RETENTION", 90*24*time.Hour),
	}
}

// Validate checks settings that have no sane default.
func (c *Config) Validate() error {
	if c.StaleThreshold <= 0 || c.StaleThreshold >= 1 {
		return fmt.Errorf("STALE_THRESHOLD must be in (0,1), got %v", c.StaleThreshold)
	}
	if c.RateLimitStore == RateLimitStoreRedis && c.RedisAddr == "" {
		return fmt.Errorf("RATE_LIMIT_STORE=redis requires REDIS_ADDR")
	}
	if len(c.AllowedSchemes) == 0 {
		return fmt.Errorf("ALLOWED_SCHEMES must not be empty")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var parts []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}
