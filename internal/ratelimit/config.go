package ratelimit

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// Environment variable names for the upstream call budget.
const (
	EnvEnabled        = "UPSTREAM_BUDGET_ENABLED"
	EnvTotalBudget    = "UPSTREAM_BUDGET_TOTAL"
	EnvReservedBudget = "UPSTREAM_BUDGET_RESERVED"
	EnvWindowSizeMs   = "UPSTREAM_BUDGET_WINDOW_MS"
)

// DefaultWindowSizeMs is DefaultWindowSize in milliseconds.
const DefaultWindowSizeMs = 1000

// RateLimitConfig holds the upstream call budget configuration.
// Configuration is loaded from environment variables with fallback to defaults.
type RateLimitConfig struct {
	// Enabled turns the shared budget on. It also needs Redis.
	// Environment: UPSTREAM_BUDGET_ENABLED, Default: false
	Enabled bool

	// TotalBudget is the number of upstream calls per window.
	// Environment: UPSTREAM_BUDGET_TOTAL, Default: 10
	TotalBudget int

	// ReservedBudget is the part of the budget kept for token refresh.
	// Environment: UPSTREAM_BUDGET_RESERVED, Default: 6
	ReservedBudget int

	// WindowSizeMs is the window size in milliseconds.
	// Environment: UPSTREAM_BUDGET_WINDOW_MS, Default: 1000
	WindowSizeMs int
}

// NewRateLimitConfig creates a new RateLimitConfig with default values.
func NewRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		TotalBudget:    DefaultTotalBudget,
		ReservedBudget: DefaultReservedBudget,
		WindowSizeMs:   DefaultWindowSizeMs,
	}
}

// LoadFromEnv loads configuration from environment variables.
// Invalid values are logged as warnings and defaults are used instead.
func LoadFromEnv() *RateLimitConfig {
	cfg := NewRateLimitConfig()

	if val := os.Getenv(EnvEnabled); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			log.Printf("WARNING: Invalid %s value, budget stays disabled", EnvEnabled)
		}
		cfg.Enabled = enabled
	}

	if val := getEnvInt(EnvTotalBudget, DefaultTotalBudget); val > 0 {
		cfg.TotalBudget = val
	} else if os.Getenv(EnvTotalBudget) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvTotalBudget, DefaultTotalBudget)
	}

	if val := getEnvInt(EnvReservedBudget, DefaultReservedBudget); val >= 0 {
		cfg.ReservedBudget = val
	} else if os.Getenv(EnvReservedBudget) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvReservedBudget, DefaultReservedBudget)
	}

	if val := getEnvInt(EnvWindowSizeMs, DefaultWindowSizeMs); val > 0 {
		cfg.WindowSizeMs = val
	} else if os.Getenv(EnvWindowSizeMs) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvWindowSizeMs, DefaultWindowSizeMs)
	}

	if err := cfg.Validate(); err != nil {
		log.Printf("WARNING: Budget configuration validation failed: %v. Using defaults.", err)
		defaults := NewRateLimitConfig()
		defaults.Enabled = cfg.Enabled
		return defaults
	}

	return cfg
}

// Validate ensures configuration is valid.
func (c *RateLimitConfig) Validate() error {
	if c.TotalBudget <= 0 {
		return errors.New("TotalBudget must be positive")
	}
	if c.ReservedBudget < 0 {
		return errors.New("ReservedBudget cannot be negative")
	}
	if c.ReservedBudget > c.TotalBudget {
		return fmt.Errorf("ReservedBudget (%d) exceeds TotalBudget (%d)", c.ReservedBudget, c.TotalBudget)
	}
	if c.WindowSizeMs <= 0 {
		return errors.New("WindowSizeMs must be positive")
	}
	return nil
}

// WindowSize returns the window as a duration.
func (c *RateLimitConfig) WindowSize() time.Duration {
	return time.Duration(c.WindowSizeMs) * time.Millisecond
}

// getEnvInt reads an environment variable and parses it as an integer.
// Returns -1 when the variable is set but cannot be parsed.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}

	return intVal
}

// String returns a string representation of the configuration for logging.
func (c *RateLimitConfig) String() string {
	return fmt.Sprintf(
		"RateLimitConfig{Enabled: %v, TotalBudget: %d, ReservedBudget: %d, WindowSizeMs: %d}",
		c.Enabled, c.TotalBudget, c.ReservedBudget, c.WindowSizeMs,
	)
}
