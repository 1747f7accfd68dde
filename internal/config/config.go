package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultAppName         = "FluxPay"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	RabbitMQURL    string
	JWTSecret      string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	PIN      PINConfig
	Payments PaymentsConfig
	Rail     RailConfig
	Jobs     JobsConfig
}

// PINConfig tunes the PIN guard.
type PINConfig struct {
	MaxAttempts int
	Lockout     time.Duration
	BcryptCost  int
}

// PaymentsConfig tunes the authorization engine.
type PaymentsConfig struct {
	MaxAmount          decimal.Decimal
	RewardPercentUPI   decimal.Decimal
	RewardPercentCard  decimal.Decimal
	RewardPercentP2P   decimal.Decimal
	CouponMatchRule    string
	RateLimitPerMinute int
	PendingTimeout     time.Duration
}

// RailConfig tunes the simulated rail gateway.
type RailConfig struct {
	Timeout         time.Duration
	SuccessRateUPI  float64
	SuccessRateCard float64
	SuccessRateP2P  float64
	MinLatency      time.Duration
	MaxLatency      time.Duration
}

// JobsConfig holds cron schedules for background jobs. An empty schedule
// disables the job.
type JobsConfig struct {
	OfferRotationSchedule string
	PendingSweepSchedule  string
}

// Load reads configuration values from the environment and populates a Config
// instance. A .env file in the working directory is loaded first if present;
// real environment variables take precedence.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		RabbitMQURL:    os.Getenv("RABBITMQ_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		Jobs: JobsConfig{
			OfferRotationSchedule: getEnv("OFFER_ROTATION_SCHEDULE", "@daily"),
			PendingSweepSchedule:  getEnv("PENDING_SWEEP_SCHEDULE", "@every 1m"),
		},
		Payments: PaymentsConfig{
			CouponMatchRule: getEnv("COUPON_MATCH_RULE", "substring"),
		},
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	p := &parser{}
	cfg.PIN.MaxAttempts = p.getInt("PIN_MAX_ATTEMPTS", 3)
	cfg.PIN.Lockout = p.getDuration("PIN_LOCKOUT", 3*time.Hour)
	cfg.PIN.BcryptCost = p.getInt("PIN_BCRYPT_COST", 10)

	cfg.Payments.MaxAmount = p.getDecimal("MAX_PAYMENT_AMOUNT", "100000")
	cfg.Payments.RewardPercentUPI = p.getDecimal("REWARD_PERCENT_UPI", "0.05")
	cfg.Payments.RewardPercentCard = p.getDecimal("REWARD_PERCENT_CARD", "0.02")
	cfg.Payments.RewardPercentP2P = p.getDecimal("REWARD_PERCENT_P2P", "0.01")
	cfg.Payments.RateLimitPerMinute = p.getInt("PAYMENT_RATE_LIMIT_PER_MINUTE", 30)
	cfg.Payments.PendingTimeout = p.getDuration("PENDING_TIMEOUT", 5*time.Minute)

	cfg.Rail.Timeout = p.getDuration("RAIL_TIMEOUT", 5*time.Second)
	cfg.Rail.SuccessRateUPI = p.getFloat("RAIL_SUCCESS_RATE_UPI", 0.9)
	cfg.Rail.SuccessRateCard = p.getFloat("RAIL_SUCCESS_RATE_CARD", 0.8)
	cfg.Rail.SuccessRateP2P = p.getFloat("RAIL_SUCCESS_RATE_P2P", 0.95)
	cfg.Rail.MinLatency = p.getDuration("RAIL_MIN_LATENCY", 100*time.Millisecond)
	cfg.Rail.MaxLatency = p.getDuration("RAIL_MAX_LATENCY", 500*time.Millisecond)
	if err := p.err(); err != nil {
		return Config{}, err
	}

	if cfg.Payments.PendingTimeout <= cfg.Rail.Timeout {
		return Config{}, fmt.Errorf("PENDING_TIMEOUT (%s) must exceed RAIL_TIMEOUT (%s)", cfg.Payments.PendingTimeout, cfg.Rail.Timeout)
	}

	if !cfg.IsDevelopment() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
		if cfg.JWTSecret == "" {
			return Config{}, fmt.Errorf("JWT_SECRET must be set")
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDevelopment reports whether the app runs in a local environment, where
// Postgres and Redis are optional and in-memory backends are used instead.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parser collects the first parse error so Load can read every key in a row.
type parser struct {
	first error
}

func (p *parser) fail(key string, err error) {
	if p.first == nil {
		p.first = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) err() error { return p.first }

func (p *parser) getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return n
}

func (p *parser) getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		if err == nil {
			err = errors.New("must be between 0 and 1")
		}
		p.fail(key, err)
		return fallback
	}
	return f
}

// getDuration accepts a Go duration string or, for compatibility, whole seconds.
func (p *parser) getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return d
}

func (p *parser) getDecimal(key, fallback string) decimal.Decimal {
	v := getEnv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
		return decimal.RequireFromString(fallback)
	}
	return d
}
