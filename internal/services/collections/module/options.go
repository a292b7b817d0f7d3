package module

import (
	"reflow/internal/platform/config"
	"reflow/internal/services/collections/domain"
)

// Options holds configuration options for the collections service
type Options struct {
	MaxLookbackDays     uint
	DefaultParallel     int
	FailurePolicy       domain.FailurePolicy
	CompletionThreshold float64
}

// FromConfig reads the collections options from config with CORE_COLLECTIONS_ prefix
func FromConfig(cfg config.Conf) Options {
	c := cfg.Prefix("CORE_COLLECTIONS_")
	return Options{
		MaxLookbackDays: uint(c.MayInt("MAX_LOOKBACK_DAYS", 425)),
		DefaultParallel: c.MayInt("PARALLEL_LIMIT", 10),
		FailurePolicy: domain.FailurePolicy(
			c.MayEnum("FAILURE_POLICY", "besteffort", "besteffort", "failfast"),
		),
		CompletionThreshold: c.MayFloat64("COMPLETION_THRESHOLD", 0.8),
	}
}
