package config

import (
	"fmt"
	"time"
)

// RetentionConfig controls tiering and expiry of decision logs.
type RetentionConfig struct {
	// HotDays is the maximum age (in days) a log stays in the hot tier.
	HotDays int

	// WarmDays is the maximum age (in days) a log stays in the warm tier.
	// Anything older is cold.
	WarmDays int

	// ColdExpiryDays is how long cold logs are kept before deletion.
	// Zero disables expiry.
	ColdExpiryDays int

	// CleanupInterval is how often the retention loop runs.
	CleanupInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		HotDays:         30,
		WarmDays:        365,
		ColdExpiryDays:  0,
		CleanupInterval: 12 * time.Hour,
	}
}

// LoadRetentionFromEnv resolves retention settings from the environment,
// falling back to the defaults.
func LoadRetentionFromEnv() RetentionConfig {
	def := DefaultRetentionConfig()
	return RetentionConfig{
		HotDays:         getEnvInt("RETENTION_HOT_DAYS", def.HotDays),
		WarmDays:        getEnvInt("RETENTION_WARM_DAYS", def.WarmDays),
		ColdExpiryDays:  getEnvInt("RETENTION_COLD_EXPIRY_DAYS", def.ColdExpiryDays),
		CleanupInterval: getEnvDuration("RETENTION_CLEANUP_INTERVAL", def.CleanupInterval),
	}
}

// Validate checks the tier ordering.
func (c RetentionConfig) Validate() error {
	if c.HotDays <= 0 {
		return fmt.Errorf("config: RETENTION_HOT_DAYS must be positive, got %d", c.HotDays)
	}
	if c.WarmDays <= c.HotDays {
		return fmt.Errorf("config: RETENTION_WARM_DAYS (%d) must exceed RETENTION_HOT_DAYS (%d)",
			c.WarmDays, c.HotDays)
	}
	if c.ColdExpiryDays < 0 {
		return fmt.Errorf("config: RETENTION_COLD_EXPIRY_DAYS must not be negative, got %d", c.ColdExpiryDays)
	}
	return nil
}
