// Package repo provides postgres access for segment dispatch
package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"reflow/internal/modkit/repokit"
	perr "reflow/internal/platform/errors"
	"reflow/internal/services/dispatch/domain"
)

type (
	// PG is a Postgres binder for domain.StorageRepo
	PG      struct{}
	queries struct{ q repokit.Queryer }
)

// NewPG returns a Postgres binder for domain.StorageRepo
func NewPG() repokit.Binder[domain.StorageRepo] { return PG{} }

// Bind implements repokit.Binder
func (PG) Bind(q repokit.Queryer) domain.StorageRepo { return &queries{q: q} }

// claimLockID keys the advisory lock that serializes claim transactions
// ("reflow" in ascii)
const claimLockID = int64(0x7265666C6F77)

// ClaimNext wins at most one pending segment with a single conditional update
// so two workers can never both dispatch the same row; the subquery enforces
// the owning collection's parallel limit at claim time
//
// The running count the subquery reads only sees committed rows, so two
// concurrent claim transactions could both pass the limit check. A
// transaction scoped advisory lock serializes claims; it releases on commit
func (r *queries) ClaimNext(ctx context.Context) (domain.ClaimedSegment, bool, error) {
	if _, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, claimLockID); err != nil {
		return domain.ClaimedSegment{}, false, perr.FromPostgres(err, "claim lock")
	}

	var seg domain.ClaimedSegment
	row := r.q.QueryRow(ctx, `
		UPDATE report_data_weeks w
		SET status = 'running', attempts = w.attempts + 1, started_at = now()
		WHERE w.id = (
			SELECT sw.id
			FROM report_data_weeks sw
			JOIN report_data_collections c ON c.id = sw.collection_id
			WHERE sw.status = 'pending'
			  AND c.status = 'running'
			  AND (
				SELECT count(*) FROM report_data_weeks run
				WHERE run.collection_id = c.id AND run.status = 'running'
			  ) < c.parallel_limit
			ORDER BY sw.sequence_number
			LIMIT 1
			FOR UPDATE OF sw SKIP LOCKED
		)
		RETURNING w.id, w.collection_id, w.segment_start, w.segment_end, w.sequence_number, w.attempts
	`)
	err := row.Scan(&seg.ID, &seg.CollectionID, &seg.Start, &seg.End, &seg.Sequence, &seg.Attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return seg, false, nil
		}
		return seg, false, perr.FromPostgres(err, "claim next segment")
	}
	return seg, true, nil
}

func (r *queries) SetExecutionRef(ctx context.Context, segmentID uuid.UUID, ref, checksum string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE report_data_weeks
		SET execution_ref = $2, checksum = $3
		WHERE id = $1
	`, segmentID, ref, checksum)
	if err != nil {
		return perr.FromPostgres(err, "set execution ref")
	}
	return nil
}

func (r *queries) ReleaseToPending(ctx context.Context, segmentID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `
		UPDATE report_data_weeks
		SET status = 'pending', execution_ref = NULL, started_at = NULL
		WHERE id = $1 AND status = 'running'
	`, segmentID)
	if err != nil {
		return perr.FromPostgres(err, "release segment")
	}
	return nil
}

func (r *queries) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tg, err := r.q.Exec(ctx, `
		UPDATE report_data_weeks
		SET status = 'pending', execution_ref = NULL, started_at = NULL
		WHERE status = 'running' AND started_at < $1
	`, cutoff)
	if err != nil {
		return 0, perr.FromPostgres(err, "release stale segments")
	}
	return tg.RowsAffected(), nil
}

func (r *queries) FindByRef(ctx context.Context, ref string) (domain.ClaimedSegment, bool, error) {
	var seg domain.ClaimedSegment
	err := r.q.QueryRow(ctx, `
		SELECT id, collection_id, segment_start, segment_end, sequence_number, attempts
		FROM report_data_weeks
		WHERE execution_ref = $1
	`, ref).Scan(&seg.ID, &seg.CollectionID, &seg.Start, &seg.End, &seg.Sequence, &seg.Attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return seg, false, nil
		}
		return seg, false, perr.FromPostgres(err, "find segment by ref")
	}
	return seg, true, nil
}

func (r *queries) ChecksumCompleted(ctx context.Context, checksum string) (bool, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT count(*) FROM report_data_weeks
		WHERE checksum = $1 AND status = 'completed'
	`, checksum).Scan(&n)
	if err != nil {
		return false, perr.FromPostgres(err, "checksum lookup")
	}
	return n > 0, nil
}

func (r *queries) SegmentChecksum(ctx context.Context, segmentID uuid.UUID) (string, error) {
	var cs *string
	err := r.q.QueryRow(ctx, `
		SELECT checksum FROM report_data_weeks WHERE id = $1
	`, segmentID).Scan(&cs)
	if err != nil {
		return "", perr.FromPostgres(err, "segment checksum")
	}
	if cs == nil {
		return "", nil
	}
	return *cs, nil
}
