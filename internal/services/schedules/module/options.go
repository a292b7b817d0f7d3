package module

import (
	"reflow/internal/core/window"
	"reflow/internal/platform/config"
)

// Options holds configuration options for the schedules service
type Options struct {
	DefaultLookbackDays int
	DefaultPolicy       window.Policy
}

// FromConfig reads the schedules options from config with CORE_SCHEDULES_ prefix
func FromConfig(cfg config.Conf) Options {
	c := cfg.Prefix("CORE_SCHEDULES_")
	return Options{
		DefaultLookbackDays: c.MayInt("LOOKBACK_DAYS", window.DefaultLookbackDays),
		DefaultPolicy: window.Policy(
			c.MayEnum("POLICY", "weekly", "daily", "weekly", "monthly"),
		),
	}
}
