package concurrency

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects the submission discipline for a run
type Mode string

const (
	// ModeBatch runs fixed-size waves with a barrier between them
	ModeBatch Mode = "batch"
	// ModeParallel keeps a sliding window of in-flight jobs
	ModeParallel Mode = "parallel"
)

// ParseMode validates a mode name (case-insensitive)
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBatch:
		return ModeBatch, nil
	case ModeParallel:
		return ModeParallel, nil
	}
	return "", fmt.Errorf("unknown mode %q (want batch or parallel)", s)
}

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar  ConfigSource = "environment_variable"
	ConfigSourceDefault ConfigSource = "default"
)

// Defaults mirror the original command line tool.
const (
	DefaultMaxJobs          = 4
	DefaultPollInterval     = 30 * time.Second
	DefaultMaxPollInterval  = 5 * time.Minute
	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = time.Minute
)

// Config holds run configuration parameters
type Config struct {
	MaxJobs          int
	Mode             Mode
	PollInterval     time.Duration
	MaxPollInterval  time.Duration
	JobTimeout       time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	Source           ConfigSource
}

// LoadConfig loads run configuration with priority: env vars > defaults
func LoadConfig() *Config {
	config := &Config{
		MaxJobs:          DefaultMaxJobs,
		Mode:             ModeBatch,
		PollInterval:     DefaultPollInterval,
		MaxPollInterval:  DefaultMaxPollInterval,
		BreakerThreshold: DefaultBreakerThreshold,
		BreakerReset:     DefaultBreakerReset,
		Source:           ConfigSourceDefault,
	}

	fromEnv := false
	if v := getEnvInt("SUBTIMIZER_MAX_JOBS", 0); v > 0 {
		config.MaxJobs = v
		fromEnv = true
	}
	if v := getEnv("SUBTIMIZER_MODE", ""); v != "" {
		if mode, err := ParseMode(v); err == nil {
			config.Mode = mode
			fromEnv = true
		}
	}
	if v := getEnvDuration("SUBTIMIZER_POLL_INTERVAL", 0); v > 0 {
		config.PollInterval = v
		fromEnv = true
	}
	if v := getEnvDuration("SUBTIMIZER_MAX_POLL_INTERVAL", 0); v > 0 {
		config.MaxPollInterval = v
		fromEnv = true
	}
	if v := getEnvDuration("SUBTIMIZER_JOB_TIMEOUT", 0); v > 0 {
		config.JobTimeout = v
		fromEnv = true
	}
	if v := getEnvInt("SUBTIMIZER_BREAKER_THRESHOLD", 0); v > 0 {
		config.BreakerThreshold = v
		fromEnv = true
	}
	if v := getEnvDuration("SUBTIMIZER_BREAKER_RESET", 0); v > 0 {
		config.BreakerReset = v
		fromEnv = true
	}
	if fromEnv {
		config.Source = ConfigSourceEnvVar
	}

	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = config.PollInterval
	}
	return config
}

// Validate checks values that flags may have overridden
func (c *Config) Validate() error {
	if c.MaxJobs < 1 {
		return fmt.Errorf("max jobs must be at least 1, got %d", c.MaxJobs)
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("job timeout cannot be negative, got %s", c.JobTimeout)
	}
	return nil
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration (e.g. "45s") from environment variable
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxJobs: %d, Mode: %s, PollInterval: %s, MaxPollInterval: %s, JobTimeout: %s, Breaker: %d/%s, Source: %s}",
		c.MaxJobs,
		c.Mode,
		c.PollInterval,
		c.MaxPollInterval,
		c.JobTimeout,
		c.BreakerThreshold,
		c.BreakerReset,
		c.Source,
	)
}
