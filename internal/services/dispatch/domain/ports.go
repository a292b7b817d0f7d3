package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Backend is the execution engine contract consumed by the dispatcher
// The submission carries an execution ref the dispatcher has already
// persisted, so the backend may report an outcome for it at any point after
// Submit is entered; completion arrives out of band via the reconciler
// (callback, poll loop, or event, depending on the adapter)
type Backend interface {
	Submit(ctx context.Context, sub Submission) error
}

// RunnerPort drives the dispatch loop
type RunnerPort interface {
	// Run dispatches work until ctx is cancelled
	Run(ctx context.Context) error

	// DrainOnce dispatches until no claimable segment remains, then returns
	DrainOnce(ctx context.Context) error
}

// ReconcilerPort folds backend reported outcomes into segment state
type ReconcilerPort interface {
	Reconcile(ctx context.Context, out BackendOutcome) error
}

// StorageRepo is the dispatcher's storage surface over segment rows
type StorageRepo interface {
	// ClaimNext atomically flips one pending segment of a running collection
	// to running, honoring the collection's parallel limit; ok=false when no
	// claimable segment exists. Must run inside a transaction: claims
	// serialize on an advisory lock so the running count stays exact across
	// concurrent workers
	ClaimNext(ctx context.Context) (seg ClaimedSegment, ok bool, err error)

	// SetExecutionRef records the backend handle and dedup checksum
	SetExecutionRef(ctx context.Context, segmentID uuid.UUID, ref, checksum string) error

	// ReleaseToPending puts a running segment back in the queue for a retry
	ReleaseToPending(ctx context.Context, segmentID uuid.UUID) error

	// ReleaseStale requeues running segments claimed before cutoff that a
	// crashed dispatcher can no longer settle; returns how many were released
	ReleaseStale(ctx context.Context, cutoff time.Time) (released int64, err error)

	// FindByRef resolves an execution ref to its segment
	FindByRef(ctx context.Context, ref string) (ClaimedSegment, bool, error)

	// ChecksumCompleted reports whether any completed segment carries checksum
	ChecksumCompleted(ctx context.Context, checksum string) (bool, error)

	// SegmentChecksum returns the checksum recorded at dispatch time
	SegmentChecksum(ctx context.Context, segmentID uuid.UUID) (string, error)
}
