// Package domain holds the core types for backfill and refresh collections
package domain

import (
	"time"

	"github.com/google/uuid"

	"reflow/internal/core/window"
)

// CollectionType distinguishes one-time historical loads from recurring refreshes
type CollectionType string

// Collection types
const (
	TypeBackfill     CollectionType = "backfill"
	TypeWeeklyUpdate CollectionType = "weekly_update"
)

// Valid reports whether t is a known collection type
func (t CollectionType) Valid() bool {
	return t == TypeBackfill || t == TypeWeeklyUpdate
}

// CollectionStatus is the lifecycle state of a collection
type CollectionStatus string

// Collection statuses
const (
	CollectionPending   CollectionStatus = "pending"
	CollectionRunning   CollectionStatus = "running"
	CollectionCompleted CollectionStatus = "completed"
	CollectionFailed    CollectionStatus = "failed"
	CollectionPaused    CollectionStatus = "paused"
)

// Valid reports whether s is a known collection status
func (s CollectionStatus) Valid() bool {
	switch s {
	case CollectionPending, CollectionRunning, CollectionCompleted, CollectionFailed, CollectionPaused:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal collection status
func (s CollectionStatus) Terminal() bool {
	return s == CollectionCompleted || s == CollectionFailed
}

// SegmentStatus is the lifecycle state of one segment
type SegmentStatus string

// Segment statuses
const (
	SegmentPending   SegmentStatus = "pending"
	SegmentRunning   SegmentStatus = "running"
	SegmentCompleted SegmentStatus = "completed"
	SegmentFailed    SegmentStatus = "failed"
	SegmentSkipped   SegmentStatus = "skipped"
)

// Valid reports whether s is a known segment status
func (s SegmentStatus) Valid() bool {
	switch s {
	case SegmentPending, SegmentRunning, SegmentCompleted, SegmentFailed, SegmentSkipped:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal segment status
// skipped counts as terminal success, not failure
func (s SegmentStatus) Terminal() bool {
	return s == SegmentCompleted || s == SegmentFailed || s == SegmentSkipped
}

// FailurePolicy decides how the collection reacts to a failed segment
type FailurePolicy string

// Failure policies
const (
	// FailFast aborts remaining pending segments on the first failure
	FailFast FailurePolicy = "failfast"

	// BestEffort lets every segment attempt and fails the collection only
	// when the completed ratio drops below the configured threshold
	BestEffort FailurePolicy = "besteffort"
)

// Valid reports whether p is a known failure policy
func (p FailurePolicy) Valid() bool { return p == FailFast || p == BestEffort }

// Collection is one backfill or refresh request spanning a date window
type Collection struct {
	ID             uuid.UUID
	Type           CollectionType
	Window         window.DateWindow
	Policy         window.Policy
	Status         CollectionStatus
	FailurePolicy  FailurePolicy
	ParallelLimit  int
	ProgressPct    float64
	WeeksCompleted int
	TotalSegments  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Segment is one bounded, independently executable sub-range of a collection
type Segment struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	Start        time.Time
	End          time.Time
	Sequence     int
	Status       SegmentStatus
	ExecutionRef *string
	RowCount     *int64
	Checksum     *string
	ErrorMessage *string
	Attempts     int
}

// Outcome is a terminal result applied to a segment
type Outcome struct {
	Status       SegmentStatus
	RowCount     *int64
	Checksum     *string
	ErrorMessage *string
}

// Counts aggregates segment statuses for one collection
type Counts struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Skipped   int
}

// Settled reports whether every segment is terminal
func (c Counts) Settled() bool { return c.Pending == 0 && c.Running == 0 }

// ProgressPct returns 100 * (completed + skipped) / total
func (c Counts) ProgressPct() float64 {
	if c.Total == 0 {
		return 0
	}
	return 100 * float64(c.Completed+c.Skipped) / float64(c.Total)
}

// CompletedRatio returns completed / total, skipped excluded
func (c Counts) CompletedRatio() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Completed) / float64(c.Total)
}
