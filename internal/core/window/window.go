// Package window resolves lookback configurations into concrete date windows
// and splits them into bounded, independently executable spans
//
// Everything here is pure: same inputs, same outputs, no clock and no store
package window

import (
	"fmt"
	"time"
)

// Unit is the calendar unit of a relative lookback
type Unit string

// Lookback units
const (
	UnitDays   Unit = "days"
	UnitWeeks  Unit = "weeks"
	UnitMonths Unit = "months"
)

// Valid reports whether u is a known unit
func (u Unit) Valid() bool {
	switch u {
	case UnitDays, UnitWeeks, UnitMonths:
		return true
	}
	return false
}

// LookbackKind discriminates the two lookback forms
type LookbackKind string

// Lookback kinds
const (
	KindRelative LookbackKind = "relative"
	KindCustom   LookbackKind = "custom"
)

// LookbackConfig is a relative trailing window or an explicit custom range
// construct via Relative or Custom rather than literal structs
type LookbackConfig struct {
	Kind  LookbackKind
	Value uint
	Unit  Unit
	Start time.Time
	End   time.Time
}

// Relative builds a trailing lookback of value units ending at resolution time
func Relative(value uint, unit Unit) LookbackConfig {
	return LookbackConfig{Kind: KindRelative, Value: value, Unit: unit}
}

// Custom builds an explicit inclusive range
func Custom(start, end time.Time) LookbackConfig {
	return LookbackConfig{Kind: KindCustom, Start: Date(start), End: Date(end)}
}

// DefaultLookbackDays is the trailing window applied when a config is absent or malformed
const DefaultLookbackDays = 7

// DefaultMaxLookbackDays is the upstream retention ceiling
// deployments override it via config, never by editing this constant
const DefaultMaxLookbackDays = 425

// DateWindow is an inclusive UTC calendar date range
type DateWindow struct {
	Start time.Time
	End   time.Time
}

// Days returns the inclusive day count of the window
func (w DateWindow) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// Valid reports whether the window is well formed
func (w DateWindow) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && !w.Start.After(w.End)
}

func (w DateWindow) String() string {
	return w.Start.Format("2006-01-02") + ".." + w.End.Format("2006-01-02")
}

// Date truncates t to a UTC calendar date
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Resolve turns a lookback config into a concrete window relative to now
// it is total: malformed configs fall back to the default trailing window
func Resolve(cfg LookbackConfig, now time.Time) DateWindow {
	today := Date(now)

	switch cfg.Kind {
	case KindCustom:
		if cfg.Start.IsZero() || cfg.End.IsZero() {
			break
		}
		// caller input errors (start after end) are surfaced by Valid, not corrected here
		return DateWindow{Start: Date(cfg.Start), End: Date(cfg.End)}
	case KindRelative:
		if cfg.Value == 0 || !cfg.Unit.Valid() {
			break
		}
		v := int(cfg.Value)
		var start time.Time
		switch cfg.Unit {
		case UnitDays:
			start = today.AddDate(0, 0, -v)
		case UnitWeeks:
			start = today.AddDate(0, 0, -7*v)
		case UnitMonths:
			// calendar month arithmetic, not a fixed 30 day step
			start = today.AddDate(0, -v, 0)
		}
		return DateWindow{Start: start, End: today}
	}

	return DateWindow{Start: today.AddDate(0, 0, -DefaultLookbackDays), End: today}
}

// TooLargeError reports a window that exceeds the retention ceiling
// it echoes the computed window so the caller can adjust
type TooLargeError struct {
	Window  DateWindow
	MaxDays uint
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("lookback window %s spans %d days, retention ceiling is %d days",
		e.Window, e.Window.Days(), e.MaxDays)
}

// Validate rejects windows longer than maxDays
func Validate(w DateWindow, maxDays uint) error {
	if !w.Valid() {
		return fmt.Errorf("invalid window: start %s after end %s",
			w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
	}
	if uint(w.End.Sub(w.Start).Hours()/24) > maxDays {
		return &TooLargeError{Window: w, MaxDays: maxDays}
	}
	return nil
}
