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

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL for tap counters (optional, uses in-memory if not set)

	// Telegram Mini App
	TelegramBotToken string        // Used to validate init-data signatures
	InitDataTTL      time.Duration // Max age of accepted init-data (0 disables the TTL check)

	// Security
	AdminSecret  string // Shared secret for admin endpoints
	RateLimitRPM int    // Per-principal requests per minute

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)

	// Verification policy
	MaxProofRetries   int           // Failed proof attempts before a request is rejected
	RetryBackoffBase  time.Duration // Base for exponential retry cooldown
	SignatureTTL      time.Duration // Expiry for signature-based requests
	AssistedTTL       time.Duration // Expiry for human-reviewed assisted requests
	TimeDelayedHold   time.Duration // Minimum age before a time_delayed proof is accepted
	MultiSigRequired  int           // Distinct valid signatures required for multi_signature
	AssistedNetwork   string        // Only network on which assisted key submission is accepted
	SweepInterval     time.Duration // How often the expiry sweep runs
	MediumRiskAmount  string        // USDT threshold where risk becomes medium
	HighRiskAmount    string        // USDT threshold where risk becomes high
	VelocityWindow    time.Duration // Trailing window for withdrawal-attempt velocity
	VelocityMediumCnt int           // Attempts in window that raise risk to medium
	VelocityHighCnt   int           // Attempts in window that raise risk to high

	// Reward economy
	TapReward     string // USDT credited per tap
	TapEnergyMax  int    // Energy pool size (one tap costs one energy)
	TapRefillPerS int    // Energy regained per second
	DailyTapCap   int    // Max rewarded taps per user per day
	TicketPrice   string // Lottery ticket price in USDT
	ReferralBonus string // Bonus credited when a referred user activates
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimitRPM  = 120
	DefaultMaxRetries    = 3
	DefaultMultiSig      = 2
	DefaultAssistedNet   = "polygon"
	DefaultTapReward     = "0.000100"
	DefaultTapEnergyMax  = 1000
	DefaultTapRefill     = 1
	DefaultDailyTapCap   = 10000
	DefaultTicketPrice   = "1.00"
	DefaultReferralBonus = "5.00"
	DefaultMediumAmount  = "100"
	DefaultHighAmount    = "1000"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:         os.Getenv("REDIS_URL"),    // Optional, uses in-memory if not set
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		InitDataTTL:      getEnvDuration("INIT_DATA_TTL", 24*time.Hour),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		MaxProofRetries:   int(getEnvInt64("MAX_PROOF_RETRIES", DefaultMaxRetries)),
		RetryBackoffBase:  getEnvDuration("RETRY_BACKOFF_BASE", 30*time.Second),
		SignatureTTL:      getEnvDuration("SIGNATURE_TTL", 10*time.Minute),
		AssistedTTL:       getEnvDuration("ASSISTED_TTL", 48*time.Hour),
		TimeDelayedHold:   getEnvDuration("TIME_DELAYED_HOLD", time.Hour),
		MultiSigRequired:  int(getEnvInt64("MULTISIG_REQUIRED", DefaultMultiSig)),
		AssistedNetwork:   getEnv("ASSISTED_NETWORK", DefaultAssistedNet),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		MediumRiskAmount:  getEnv("RISK_MEDIUM_AMOUNT", DefaultMediumAmount),
		HighRiskAmount:    getEnv("RISK_HIGH_AMOUNT", DefaultHighAmount),
		VelocityWindow:    getEnvDuration("RISK_VELOCITY_WINDOW", 24*time.Hour),
		VelocityMediumCnt: int(getEnvInt64("RISK_VELOCITY_MEDIUM", 3)),
		VelocityHighCnt:   int(getEnvInt64("RISK_VELOCITY_HIGH", 10)),

		TapReward:     getEnv("TAP_REWARD", DefaultTapReward),
		TapEnergyMax:  int(getEnvInt64("TAP_ENERGY_MAX", DefaultTapEnergyMax)),
		TapRefillPerS: int(getEnvInt64("TAP_REFILL_PER_SEC", DefaultTapRefill)),
		DailyTapCap:   int(getEnvInt64("DAILY_TAP_CAP", DefaultDailyTapCap)),
		TicketPrice:   getEnv("TICKET_PRICE", DefaultTicketPrice),
		ReferralBonus: getEnv("REFERRAL_BONUS", DefaultReferralBonus),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.TelegramBotToken == "" {
			return fmt.Errorf("TELEGRAM_BOT_TOKEN is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}
	if c.MaxProofRetries < 1 {
		return fmt.Errorf("MAX_PROOF_RETRIES must be at least 1")
	}
	if c.MultiSigRequired < 2 {
		return fmt.Errorf("MULTISIG_REQUIRED must be at least 2")
	}
	if c.SignatureTTL < time.Minute {
		return fmt.Errorf("SIGNATURE_TTL must be at least one minute")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
