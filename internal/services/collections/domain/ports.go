package domain

import (
	"context"

	"github.com/google/uuid"
)

// CollectionsPort is the public port exposed by the module
type CollectionsPort interface {
	Create(ctx context.Context, in CreateInput) (Collection, error)
	Plan(ctx context.Context, in CreateInput) (Collection, []Segment, error)
	Start(ctx context.Context, id uuid.UUID) error
	Pause(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	Status(ctx context.Context, id uuid.UUID) (StatusView, error)
	List(ctx context.Context) ([]ListView, error)
}

// LifecyclePort is consumed by the dispatcher to report terminal segment outcomes
type LifecyclePort interface {
	// OnSegmentTerminal folds a settled segment into collection level state
	OnSegmentTerminal(ctx context.Context, segmentID uuid.UUID, out Outcome) error
}

// StorageRepo is the storage repository interface
type StorageRepo interface {
	InsertCollection(ctx context.Context, c Collection) error
	InsertSegments(ctx context.Context, segs []Segment) error

	GetCollection(ctx context.Context, id uuid.UUID) (Collection, error)
	ListCollections(ctx context.Context) ([]Collection, error)
	ListSegments(ctx context.Context, collectionID uuid.UUID) ([]Segment, error)
	GetSegment(ctx context.Context, id uuid.UUID) (Segment, error)

	// CASCollectionStatus flips status only when the current value matches from
	// reports false when the row was in another state
	CASCollectionStatus(ctx context.Context, id uuid.UUID, from, to CollectionStatus) (bool, error)

	// CASSegmentTerminal settles a segment only if it is not terminal yet
	CASSegmentTerminal(ctx context.Context, id uuid.UUID, out Outcome) (bool, error)

	// SkipPending marks every pending segment of a collection skipped with a note
	SkipPending(ctx context.Context, collectionID uuid.UUID, note string) (int, error)

	CountSegments(ctx context.Context, collectionID uuid.UUID) (Counts, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, pct float64, weeksCompleted int) error

	// DeleteCollection removes the collection and all its segments in one unit
	DeleteCollection(ctx context.Context, id uuid.UUID) error
}
