// Package repo provides postgres access for workflow schedules
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"reflow/internal/core/window"
	"reflow/internal/modkit/repokit"
	perr "reflow/internal/platform/errors"
	"reflow/internal/platform/store"
	"reflow/internal/services/schedules/domain"
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

const cols = `
	id, name, cron_expression, timezone, lookback_days, segmentation_policy,
	is_active, is_paused, last_run_at, next_run_at, run_count, failure_count,
	backfill_lookback_days, backfill_status, backfill_collection_id,
	created_at, updated_at
`

func scan(row store.Row) (domain.Schedule, error) {
	var s domain.Schedule
	var pol string
	var bstatus *string
	err := row.Scan(
		&s.ID, &s.Name, &s.CronExpr, &s.Timezone, &s.LookbackDays, &pol,
		&s.IsActive, &s.IsPaused, &s.LastRunAt, &s.NextRunAt, &s.RunCount, &s.FailureCount,
		&s.BackfillLookbackDays, &bstatus, &s.BackfillCollectionID,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, err
	}
	s.Policy = window.Policy(pol)
	if bstatus != nil {
		v := domain.BackfillStatus(*bstatus)
		s.BackfillStatus = &v
	}
	return s, nil
}

func (r *queries) Insert(ctx context.Context, s domain.Schedule) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO workflow_schedules (
			id, name, cron_expression, timezone, lookback_days, segmentation_policy,
			is_active, is_paused, next_run_at, backfill_lookback_days,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
	`,
		s.ID, s.Name, s.CronExpr, s.Timezone, s.LookbackDays, string(s.Policy),
		s.IsActive, s.IsPaused, s.NextRunAt, s.BackfillLookbackDays,
	)
	if err != nil {
		return perr.FromPostgres(err, "insert schedule")
	}
	return nil
}

func (r *queries) Update(ctx context.Context, s domain.Schedule) error {
	err := store.ExecOne(ctx, r.q, `
		UPDATE workflow_schedules
		SET name = $2, cron_expression = $3, timezone = $4, lookback_days = $5,
		    segmentation_policy = $6, is_active = $7, next_run_at = $8,
		    backfill_lookback_days = $9, updated_at = now()
		WHERE id = $1
	`,
		s.ID, s.Name, s.CronExpr, s.Timezone, s.LookbackDays,
		string(s.Policy), s.IsActive, s.NextRunAt, s.BackfillLookbackDays,
	)
	if err != nil {
		return perr.FromPostgres(err, "update schedule")
	}
	return nil
}

func (r *queries) Get(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	return store.One(ctx, r.q, scan, `
		SELECT `+cols+` FROM workflow_schedules WHERE id = $1
	`, id)
}

func (r *queries) List(ctx context.Context) ([]domain.Schedule, error) {
	return store.Many(ctx, r.q, scan, `
		SELECT `+cols+` FROM workflow_schedules ORDER BY created_at
	`)
}

func (r *queries) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM workflow_schedules WHERE id = $1`, id)
	if err != nil {
		return perr.FromPostgres(err, "delete schedule")
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("schedule %s", id)
	}
	return nil
}

func (r *queries) ListDue(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return store.Many(ctx, r.q, scan, `
		SELECT `+cols+`
		FROM workflow_schedules
		WHERE is_active AND NOT is_paused AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at
	`, now)
}

func (r *queries) MarkFired(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	err := store.ExecOne(ctx, r.q, `
		UPDATE workflow_schedules
		SET last_run_at = $2, next_run_at = $3, run_count = run_count + 1, updated_at = now()
		WHERE id = $1
	`, id, lastRun, nextRun)
	if err != nil {
		return perr.FromPostgres(err, "mark schedule fired")
	}
	return nil
}

func (r *queries) MarkFailed(ctx context.Context, id uuid.UUID) error {
	err := store.ExecOne(ctx, r.q, `
		UPDATE workflow_schedules
		SET failure_count = failure_count + 1, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return perr.FromPostgres(err, "mark schedule failed")
	}
	return nil
}

func (r *queries) SetPaused(ctx context.Context, id uuid.UUID, paused bool) error {
	err := store.ExecOne(ctx, r.q, `
		UPDATE workflow_schedules
		SET is_paused = $2, updated_at = now()
		WHERE id = $1
	`, id, paused)
	if err != nil {
		return perr.FromPostgres(err, "set schedule paused")
	}
	return nil
}

// ClaimBackfill wins the one-time backfill slot with a conditional update so
// concurrent evaluators cannot both create a historical collection
func (r *queries) ClaimBackfill(
	ctx context.Context, id, collectionID uuid.UUID, status domain.BackfillStatus,
) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE workflow_schedules
		SET backfill_collection_id = $2, backfill_status = $3, updated_at = now()
		WHERE id = $1 AND backfill_collection_id IS NULL
	`, id, collectionID, string(status))
	if err != nil {
		return false, perr.FromPostgres(err, "claim backfill")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queries) SetBackfillStatus(ctx context.Context, id uuid.UUID, status domain.BackfillStatus) error {
	err := store.ExecOne(ctx, r.q, `
		UPDATE workflow_schedules
		SET backfill_status = $2, updated_at = now()
		WHERE id = $1
	`, id, string(status))
	if err != nil {
		return perr.FromPostgres(err, "set backfill status")
	}
	return nil
}

func (r *queries) ListBackfillsInFlight(ctx context.Context) ([]domain.Schedule, error) {
	return store.Many(ctx, r.q, scan, `
		SELECT `+cols+`
		FROM workflow_schedules
		WHERE backfill_collection_id IS NOT NULL
		  AND backfill_status IN ('pending', 'in_progress')
	`)
}
