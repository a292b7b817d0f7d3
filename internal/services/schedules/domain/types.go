// Package domain holds schedule types for recurring collection runs
package domain

import (
	"time"

	"github.com/google/uuid"

	"reflow/internal/core/window"
)

// BackfillStatus tracks the one-time historical load a schedule may own
// nil on the Schedule means no backfill was requested
type BackfillStatus string

// Backfill statuses
const (
	BackfillPending    BackfillStatus = "pending"
	BackfillInProgress BackfillStatus = "in_progress"
	BackfillCompleted  BackfillStatus = "completed"
	BackfillFailed     BackfillStatus = "failed"
	BackfillPartial    BackfillStatus = "partial"
)

// Valid reports whether s is a known backfill status
func (s BackfillStatus) Valid() bool {
	switch s {
	case BackfillPending, BackfillInProgress, BackfillCompleted, BackfillFailed, BackfillPartial:
		return true
	}
	return false
}

// Terminal reports whether s is a settled backfill status
func (s BackfillStatus) Terminal() bool {
	return s == BackfillCompleted || s == BackfillFailed || s == BackfillPartial
}

// Schedule is a recurring trigger that periodically creates collections
type Schedule struct {
	ID           uuid.UUID
	Name         string
	CronExpr     string
	Timezone     string
	LookbackDays int
	Policy       window.Policy

	IsActive bool
	IsPaused bool

	LastRunAt    *time.Time
	NextRunAt    *time.Time
	RunCount     int
	FailureCount int

	// one-time historical load, created at most once per schedule
	BackfillLookbackDays int
	BackfillStatus       *BackfillStatus
	BackfillCollectionID *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location resolves the schedule's timezone, falling back to UTC
func (s Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Due reports whether the schedule should fire at now
func (s Schedule) Due(now time.Time) bool {
	return s.IsActive && !s.IsPaused && s.NextRunAt != nil && !s.NextRunAt.After(now)
}
