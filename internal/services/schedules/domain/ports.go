package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NextRunCalculator computes the next firing time for a cron expression
// in a schedule's location; cron and DST semantics live behind this seam
type NextRunCalculator interface {
	Next(expr string, loc *time.Location, after time.Time) (time.Time, error)
}

// SchedulesPort is the public port exposed by the module
type SchedulesPort interface {
	Upsert(ctx context.Context, in UpsertInput) (Schedule, error)
	Get(ctx context.Context, id uuid.UUID) (Schedule, error)
	List(ctx context.Context) ([]Schedule, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Pause(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error

	// EvaluateDue fires every due schedule once and reconciles backfill
	// sub-run statuses; invoked by the external clock trigger
	EvaluateDue(ctx context.Context, now time.Time) (EvaluateResult, error)
}

// StorageRepo is the storage repository interface
type StorageRepo interface {
	Insert(ctx context.Context, s Schedule) error
	Update(ctx context.Context, s Schedule) error
	Get(ctx context.Context, id uuid.UUID) (Schedule, error)
	List(ctx context.Context) ([]Schedule, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// ListDue returns active, unpaused schedules with next_run_at <= now
	ListDue(ctx context.Context, now time.Time) ([]Schedule, error)

	// MarkFired advances the run bookkeeping after a successful firing
	MarkFired(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error

	// MarkFailed bumps failure_count and leaves next_run_at alone so the
	// next tick retries
	MarkFailed(ctx context.Context, id uuid.UUID) error

	SetPaused(ctx context.Context, id uuid.UUID, paused bool) error

	// ClaimBackfill sets the backfill collection exactly once, guarded by
	// backfill_collection_id still being null
	ClaimBackfill(ctx context.Context, id, collectionID uuid.UUID, status BackfillStatus) (bool, error)

	SetBackfillStatus(ctx context.Context, id uuid.UUID, status BackfillStatus) error

	// ListBackfillsInFlight returns schedules whose backfill is not settled
	ListBackfillsInFlight(ctx context.Context) ([]Schedule, error)
}
