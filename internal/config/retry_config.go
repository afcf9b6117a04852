package config

import "time"

// RetryConfig holds job retry and backoff configuration derived from Config.
type RetryConfig struct {
	// MaxAttempts is the maximum number of delivery attempts before a job is
	// moved to the failed ledger.
	MaxAttempts int
	// BaseDelay is the delay applied after the first failed attempt; each
	// subsequent attempt doubles it up to MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration
}

// GetRetryConfig returns the retry configuration derived from environment
// settings.
func (c Config) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: c.QueueMaxRetryAttempts,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    c.QueueMaxRetryDelay,
	}
}
