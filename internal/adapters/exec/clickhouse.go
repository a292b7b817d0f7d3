// Package exec runs submitted segments against the warehouse
//
// The adapter materializes one date window per submission and reports the
// produced row count back through the reconciler once the query settles.
// Submissions return immediately; completion is reported asynchronously
// under the execution ref the dispatcher stamped on the submission.
package exec

import (
	"context"
	"sync"
	"time"

	perr "reflow/internal/platform/errors"
	"reflow/internal/platform/logger"
	"reflow/internal/platform/store"
	"reflow/internal/services/dispatch/domain"
)

// DefaultQuery materializes the report rows for one date window and yields
// the produced row count as its single scalar result
const DefaultQuery = `
	SELECT count()
	FROM events
	WHERE event_date >= ? AND event_date <= ?`

// Config tunes the warehouse execution adapter
type Config struct {
	// Query is the windowed statement; it receives start and end dates and
	// must return the produced row count as the first column of the first row
	Query string

	// Timeout bounds each execution
	Timeout time.Duration
}

// ClickHouse is a Backend that executes segments as warehouse queries
type ClickHouse struct {
	wh  store.Warehouse
	cfg Config

	mu  sync.Mutex
	rec domain.ReconcilerPort
	wg  sync.WaitGroup
}

// New constructs the adapter; the reconciler is attached later via Bind
// because the dispatch service consuming this backend also owns reconciliation
func New(wh store.Warehouse, cfg Config) *ClickHouse {
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &ClickHouse{wh: wh, cfg: cfg}
}

var _ domain.Backend = (*ClickHouse)(nil)

// Bind attaches the reconciler that receives completion reports
func (b *ClickHouse) Bind(rec domain.ReconcilerPort) {
	b.mu.Lock()
	b.rec = rec
	b.mu.Unlock()
}

// Submit launches the windowed query; the outcome is reported under the
// submission's execution ref, which the caller persisted before submitting
func (b *ClickHouse) Submit(ctx context.Context, sub domain.Submission) error {
	if b.wh == nil {
		return perr.Unavailablef("warehouse not configured")
	}
	if sub.Ref == "" {
		return perr.InvalidArgf("submission carries no execution ref")
	}
	b.mu.Lock()
	rec := b.rec
	b.mu.Unlock()
	if rec == nil {
		return perr.Unavailablef("no reconciler bound")
	}

	b.wg.Add(1)
	go b.run(sub.Ref, sub, rec)
	return nil
}

// Wait blocks until every in flight execution has reported
func (b *ClickHouse) Wait() { b.wg.Wait() }

// run executes one submission on a detached context so in flight work
// outlives the dispatch request that spawned it
func (b *ClickHouse) run(ref string, sub domain.Submission, rec domain.ReconcilerPort) {
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()

	out := domain.BackendOutcome{Ref: ref, Status: domain.OutcomeSucceeded}
	count, err := b.execute(ctx, sub)
	if err != nil {
		out.Status = domain.OutcomeFailed
		out.Error = err.Error()
	} else {
		out.RowCount = count
	}

	if err := rec.Reconcile(ctx, out); err != nil {
		logger.Get().Error().
			Str("execution_ref", ref).
			Str("segment_id", sub.SegmentID.String()).
			Err(err).
			Msg("outcome reconciliation failed")
	}
}

func (b *ClickHouse) execute(ctx context.Context, sub domain.Submission) (int64, error) {
	start := sub.Start.Format("2006-01-02")
	end := sub.End.Format("2006-01-02")

	rows, err := b.wh.Query(ctx, b.cfg.Query, start, end)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return int64(count), nil
}
