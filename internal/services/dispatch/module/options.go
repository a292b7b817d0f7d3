package module

import (
	"time"

	"reflow/internal/platform/config"
)

// Options holds configuration options for the dispatch service
type Options struct {
	Workers      int
	MaxRetries   int
	RetryBase    time.Duration
	RatePerSec   float64
	Burst        int
	PollInterval time.Duration
	StaleAfter   time.Duration
}

// FromConfig reads the dispatch options from config with CORE_DISPATCH_ prefix
func FromConfig(cfg config.Conf) Options {
	d := cfg.Prefix("CORE_DISPATCH_")
	return Options{
		Workers:      d.MayInt("WORKERS", 4),
		MaxRetries:   d.MayInt("RETRIES", 3),
		RetryBase:    d.MayDuration("RETRY_BASE", 500*time.Millisecond),
		RatePerSec:   d.MayFloat64("RATE_PER_SEC", 5),
		Burst:        d.MayInt("BURST", 2),
		PollInterval: d.MayDuration("POLL_INTERVAL", 2*time.Second),
		StaleAfter:   d.MayDuration("STALE_AFTER", 30*time.Minute),
	}
}
