// Package repo provides postgres access for collections and segments
package repo

import (
	"context"

	"github.com/google/uuid"

	"reflow/internal/core/window"
	"reflow/internal/modkit/repokit"
	perr "reflow/internal/platform/errors"
	pstrings "reflow/internal/platform/strings"
	"reflow/internal/platform/store"
	"reflow/internal/services/collections/domain"
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

func (r *queries) InsertCollection(ctx context.Context, c domain.Collection) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO report_data_collections (
			id, collection_type, start_date, end_date, segmentation_policy,
			status, failure_policy, parallel_limit, progress_percentage,
			weeks_completed, total_segments, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
	`,
		c.ID, string(c.Type), c.Window.Start, c.Window.End, string(c.Policy),
		string(c.Status), string(c.FailurePolicy), c.ParallelLimit, c.ProgressPct,
		c.WeeksCompleted, c.TotalSegments,
	)
	if err != nil {
		return perr.FromPostgres(err, "insert collection")
	}
	return nil
}

func (r *queries) InsertSegments(ctx context.Context, segs []domain.Segment) error {
	const ins = `
		INSERT INTO report_data_weeks (
			id, collection_id, segment_start, segment_end, sequence_number, status
		)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, s := range segs {
		if _, err := r.q.Exec(ctx, ins,
			s.ID, s.CollectionID, s.Start, s.End, s.Sequence, string(s.Status),
		); err != nil {
			return perr.FromPostgresf(err, "insert segment %d", s.Sequence)
		}
	}
	return nil
}

const collectionCols = `
	id, collection_type, start_date, end_date, segmentation_policy,
	status, failure_policy, parallel_limit, progress_percentage,
	weeks_completed, total_segments, created_at, updated_at
`

func scanCollection(row store.Row) (domain.Collection, error) {
	var c domain.Collection
	var typ, pol, status, fpol string
	err := row.Scan(
		&c.ID, &typ, &c.Window.Start, &c.Window.End, &pol,
		&status, &fpol, &c.ParallelLimit, &c.ProgressPct,
		&c.WeeksCompleted, &c.TotalSegments, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.Type = domain.CollectionType(typ)
	c.Policy = window.Policy(pol)
	c.Status = domain.CollectionStatus(status)
	c.FailurePolicy = domain.FailurePolicy(fpol)
	return c, nil
}

func (r *queries) GetCollection(ctx context.Context, id uuid.UUID) (domain.Collection, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+collectionCols+`
		FROM report_data_collections
		WHERE id = $1
	`, id)
	c, err := scanCollection(row)
	if err != nil {
		return c, perr.FromPostgres(err, "get collection")
	}
	return c, nil
}

func (r *queries) ListCollections(ctx context.Context) ([]domain.Collection, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+collectionCols+`
		FROM report_data_collections
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, perr.FromPostgres(err, "list collections")
	}
	defer rows.Close()

	var out []domain.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *queries) ListSegments(ctx context.Context, collectionID uuid.UUID) ([]domain.Segment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, collection_id, segment_start, segment_end, sequence_number,
		       status, execution_ref, row_count, checksum, error_message, attempts
		FROM report_data_weeks
		WHERE collection_id = $1
		ORDER BY sequence_number
	`, collectionID)
	if err != nil {
		return nil, perr.FromPostgres(err, "list segments")
	}
	defer rows.Close()

	var out []domain.Segment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSegment(row store.Row) (domain.Segment, error) {
	var s domain.Segment
	var status string
	err := row.Scan(
		&s.ID, &s.CollectionID, &s.Start, &s.End, &s.Sequence,
		&status, &s.ExecutionRef, &s.RowCount, &s.Checksum, &s.ErrorMessage, &s.Attempts,
	)
	if err != nil {
		return s, err
	}
	s.Status = domain.SegmentStatus(status)
	return s, nil
}

func (r *queries) GetSegment(ctx context.Context, id uuid.UUID) (domain.Segment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, collection_id, segment_start, segment_end, sequence_number,
		       status, execution_ref, row_count, checksum, error_message, attempts
		FROM report_data_weeks
		WHERE id = $1
	`, id)
	s, err := scanSegment(row)
	if err != nil {
		return s, perr.FromPostgres(err, "get segment")
	}
	return s, nil
}

// CASCollectionStatus performs a single row conditional flip so two callers
// can never both win the same transition
func (r *queries) CASCollectionStatus(
	ctx context.Context, id uuid.UUID, from, to domain.CollectionStatus,
) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE report_data_collections
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, perr.FromPostgres(err, "cas collection status")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queries) CASSegmentTerminal(ctx context.Context, id uuid.UUID, out domain.Outcome) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE report_data_weeks
		SET status = $2,
		    row_count = $3,
		    checksum = $4,
		    error_message = $5,
		    finished_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'skipped')
	`,
		id, string(out.Status), out.RowCount, out.Checksum,
		pstrings.SQLNullPtr(out.ErrorMessage),
	)
	if err != nil {
		return false, perr.FromPostgres(err, "cas segment terminal")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queries) SkipPending(ctx context.Context, collectionID uuid.UUID, note string) (int, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE report_data_weeks
		SET status = 'skipped', error_message = $2, finished_at = now()
		WHERE collection_id = $1 AND status = 'pending'
	`, collectionID, pstrings.SQLNull(note))
	if err != nil {
		return 0, perr.FromPostgres(err, "skip pending segments")
	}
	return int(tag.RowsAffected()), nil
}

func (r *queries) CountSegments(ctx context.Context, collectionID uuid.UUID) (domain.Counts, error) {
	var c domain.Counts
	err := r.q.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'running'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'skipped')
		FROM report_data_weeks
		WHERE collection_id = $1
	`, collectionID).Scan(&c.Total, &c.Pending, &c.Running, &c.Completed, &c.Failed, &c.Skipped)
	if err != nil {
		return c, perr.FromPostgres(err, "count segments")
	}
	return c, nil
}

func (r *queries) UpdateProgress(ctx context.Context, id uuid.UUID, pct float64, weeksCompleted int) error {
	_, err := r.q.Exec(ctx, `
		UPDATE report_data_collections
		SET progress_percentage = $2, weeks_completed = $3, updated_at = now()
		WHERE id = $1
	`, id, pct, weeksCompleted)
	if err != nil {
		return perr.FromPostgres(err, "update progress")
	}
	return nil
}

// DeleteCollection relies on ON DELETE CASCADE to remove the segment rows
// in the same unit of work, never leaving orphans
func (r *queries) DeleteCollection(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM report_data_collections WHERE id = $1
	`, id)
	if err != nil {
		return perr.FromPostgres(err, "delete collection")
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("collection %s", id)
	}
	return nil
}
