// Package config loads the repricer configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string // e.g. "8080"
	Env  string // "development" | "production"
}

// StorageConfig holds persistence settings. An empty DatabaseURL selects the
// in-memory store; an empty RedisURL disables caching and the shared lock.
type StorageConfig struct {
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration // default 30s
}

// CycleConfig holds batch runner and executor settings.
type CycleConfig struct {
	Interval       time.Duration // time between scheduled cycles, default 1h
	Workers        int           // concurrent listings per cycle, default 8
	ListingTimeout time.Duration // per-listing attempt deadline, default 10s
	MaxAttempts    int           // attempts on transient errors, default 3
	RetryDelay     time.Duration // pause between attempts, default 200ms
	LockTTL        time.Duration // distributed cycle lock lease, default 10m
	RunOnStart     bool          // run one cycle immediately at boot
}

// PolicyConfig holds strategy tuning.
type PolicyConfig struct {
	TimeBasedMaxPercent decimal.Decimal // single-step cap for time_based, default 50
	MarketMinSamples    int             // market_based minimum sample size, 0 disables
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Cycle   CycleConfig
	Policy  PolicyConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProd() && c.Storage.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must be set in production"))
	}
	if c.Cycle.Interval <= 0 {
		errs = append(errs, fmt.Errorf("CYCLE_INTERVAL must be positive, got %s", c.Cycle.Interval))
	}
	if c.Cycle.Workers < 1 {
		errs = append(errs, fmt.Errorf("CYCLE_WORKERS must be at least 1, got %d", c.Cycle.Workers))
	}
	if c.Cycle.ListingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LISTING_TIMEOUT must be positive, got %s", c.Cycle.ListingTimeout))
	}
	if c.Cycle.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("REDUCTION_MAX_ATTEMPTS must be at least 1, got %d", c.Cycle.MaxAttempts))
	}
	if c.Cycle.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("REDUCTION_RETRY_DELAY must not be negative, got %s", c.Cycle.RetryDelay))
	}
	if c.Cycle.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("CYCLE_LOCK_TTL must be positive, got %s", c.Cycle.LockTTL))
	}
	if !c.Policy.TimeBasedMaxPercent.IsPositive() || c.Policy.TimeBasedMaxPercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("TIME_BASED_MAX_PERCENT must be in (0, 100), got %s", c.Policy.TimeBasedMaxPercent))
	}
	if c.Policy.MarketMinSamples < 0 {
		errs = append(errs, fmt.Errorf("MARKET_MIN_SAMPLES must not be negative, got %d", c.Policy.MarketMinSamples))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("config: failed to load: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Loader
// ──────────────────────────────────────────────────────────────────────────────

// Load reads the configuration from the environment, applying defaults.
// It fails only on values that cannot be parsed; use Validate for ranges.
func Load() (*Config, error) {
	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	cfg.Server = ServerConfig{
		Port: getEnv("SERVER_PORT", "8080"),
		Env:  getEnv("ENVIRONMENT", "development"),
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	cacheTTL, err := getDuration("REDIS_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.Storage = StorageConfig{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    cacheTTL,
	}

	// ── Cycle ─────────────────────────────────────────────────────────────────
	interval, err := getDuration("CYCLE_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	workers, err := getInt("CYCLE_WORKERS", 8)
	if err != nil {
		return nil, err
	}
	timeout, err := getDuration("LISTING_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	attempts, err := getInt("REDUCTION_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	retryDelay, err := getDuration("REDUCTION_RETRY_DELAY", 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	lockTTL, err := getDuration("CYCLE_LOCK_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	runOnStart, err := getBool("RUN_ON_START", true)
	if err != nil {
		return nil, err
	}
	cfg.Cycle = CycleConfig{
		Interval:       interval,
		Workers:        workers,
		ListingTimeout: timeout,
		MaxAttempts:    attempts,
		RetryDelay:     retryDelay,
		LockTTL:        lockTTL,
		RunOnStart:     runOnStart,
	}

	// ── Policy ────────────────────────────────────────────────────────────────
	maxPct, err := getDecimal("TIME_BASED_MAX_PERCENT", decimal.NewFromInt(50))
	if err != nil {
		return nil, err
	}
	minSamples, err := getInt("MARKET_MIN_SAMPLES", 0)
	if err != nil {
		return nil, err
	}
	cfg.Policy = PolicyConfig{
		TimeBasedMaxPercent: maxPct,
		MarketMinSamples:    minSamples,
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
