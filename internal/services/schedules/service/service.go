// Package service implements schedule evaluation and firing
package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"reflow/internal/core/window"
	"reflow/internal/modkit/repokit"
	perr "reflow/internal/platform/errors"
	"reflow/internal/platform/logger"
	ptime "reflow/internal/platform/time"
	coldomain "reflow/internal/services/collections/domain"
	"reflow/internal/services/schedules/domain"
)

// Config holds schedule service tunables
type Config struct {
	// DefaultLookbackDays applies when a schedule does not choose one
	DefaultLookbackDays int

	// DefaultPolicy applies when a schedule does not choose one
	DefaultPolicy window.Policy
}

// Service owns schedule lifecycle and the evaluation sweep
type Service struct {
	tx          repokit.TxRunner
	repo        repokit.Binder[domain.StorageRepo]
	collections coldomain.CollectionsPort
	nextRun     domain.NextRunCalculator
	cfg         Config
}

// New constructs the schedules service
func New(
	tx repokit.TxRunner,
	binder repokit.Binder[domain.StorageRepo],
	collections coldomain.CollectionsPort,
	nextRun domain.NextRunCalculator,
	cfg Config,
) *Service {
	if cfg.DefaultLookbackDays <= 0 {
		cfg.DefaultLookbackDays = window.DefaultLookbackDays
	}
	if !cfg.DefaultPolicy.Valid() {
		cfg.DefaultPolicy = window.PolicyWeekly
	}
	if collections == nil {
		panic("schedules.Service requires the collections port")
	}
	if nextRun == nil {
		panic("schedules.Service requires a next run calculator")
	}
	return &Service{tx: tx, repo: binder, collections: collections, nextRun: nextRun, cfg: cfg}
}

var _ domain.SchedulesPort = (*Service)(nil)

// Upsert creates or updates a schedule and recomputes its next firing time
func (s *Service) Upsert(ctx context.Context, in domain.UpsertInput) (domain.Schedule, error) {
	var zero domain.Schedule

	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return zero, perr.InvalidArgf("unknown timezone %q", in.Timezone)
	}

	expr, err := cronExprOf(in)
	if err != nil {
		return zero, err
	}

	now := time.Now().In(loc)
	next, err := s.nextRun.Next(expr, loc, now)
	if err != nil {
		return zero, perr.InvalidArgf("bad cron expression %q: %s", expr, err.Error())
	}

	lookback := in.LookbackDays
	if lookback <= 0 {
		lookback = s.cfg.DefaultLookbackDays
	}
	pol := window.Policy(in.Policy)
	if in.Policy == "" {
		pol = s.cfg.DefaultPolicy
	}
	if !pol.Valid() {
		return zero, perr.InvalidArgf("unknown segmentation policy %q", in.Policy)
	}

	r := s.repo.Bind(s.tx)

	if in.ScheduleID != "" {
		id, err := uuid.Parse(in.ScheduleID)
		if err != nil {
			return zero, perr.InvalidArgf("bad schedule_id %q", in.ScheduleID)
		}
		sch, err := r.Get(ctx, id)
		if err != nil {
			return zero, err
		}
		sch.Name = in.Name
		sch.CronExpr = expr
		sch.Timezone = tz
		sch.LookbackDays = lookback
		sch.Policy = pol
		sch.NextRunAt = ptime.Ptr(next)
		sch.BackfillLookbackDays = in.BackfillLookbackDays
		if err := r.Update(ctx, sch); err != nil {
			return zero, err
		}
		return sch, nil
	}

	sch := domain.Schedule{
		ID:                   uuid.New(),
		Name:                 in.Name,
		CronExpr:             expr,
		Timezone:             tz,
		LookbackDays:         lookback,
		Policy:               pol,
		IsActive:             true,
		NextRunAt:            ptime.Ptr(next),
		BackfillLookbackDays: in.BackfillLookbackDays,
	}
	if err := r.Insert(ctx, sch); err != nil {
		return zero, err
	}
	logger.C(ctx).Info().
		Str("schedule_id", sch.ID.String()).
		Str("cron", sch.CronExpr).
		Time("next_run_at", next).
		Msg("schedule created")
	return sch, nil
}

// Get returns one schedule
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	return s.repo.Bind(s.tx).Get(ctx, id)
}

// List returns all schedules
func (s *Service) List(ctx context.Context) ([]domain.Schedule, error) {
	return s.repo.Bind(s.tx).List(ctx)
}

// Delete removes a schedule; owned backfill collections are left alone since
// the schedule only holds a weak reference to them
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Bind(s.tx).Delete(ctx, id)
}

// Pause short-circuits evaluation for the schedule
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	return s.repo.Bind(s.tx).SetPaused(ctx, id, true)
}

// Resume re-enables evaluation
func (s *Service) Resume(ctx context.Context, id uuid.UUID) error {
	return s.repo.Bind(s.tx).SetPaused(ctx, id, false)
}

// EvaluateDue runs one evaluation sweep: fires due schedules, starts pending
// one-time backfills, and reconciles in flight backfill statuses
func (s *Service) EvaluateDue(ctx context.Context, now time.Time) (domain.EvaluateResult, error) {
	var res domain.EvaluateResult
	r := s.repo.Bind(s.tx)

	due, err := r.ListDue(ctx, now)
	if err != nil {
		return res, err
	}
	res.Evaluated = len(due)

	for _, sch := range due {
		if !sch.Due(now) {
			continue
		}
		if err := s.fire(ctx, r, sch, now); err != nil {
			logger.C(ctx).Error().
				Str("schedule_id", sch.ID.String()).
				Err(err).
				Msg("schedule firing failed")
			res.Failures++
			if err := r.MarkFailed(ctx, sch.ID); err != nil {
				return res, err
			}
			continue
		}
		res.Fired++
	}

	started, err := s.startPendingBackfills(ctx, r)
	if err != nil {
		return res, err
	}
	res.Backfills = started

	if err := s.reconcileBackfills(ctx, r); err != nil {
		return res, err
	}
	return res, nil
}

// fire creates and starts a weekly update collection, then advances the
// schedule's run bookkeeping; on failure next_run_at stays put so the next
// tick retries
func (s *Service) fire(
	ctx context.Context, r domain.StorageRepo, sch domain.Schedule, now time.Time,
) error {
	col, err := s.collections.Create(ctx, coldomain.CreateInput{
		Type:     coldomain.TypeWeeklyUpdate,
		Lookback: coldomain.LookbackInput{Value: uint(sch.LookbackDays), Unit: "days"},
		Policy:   string(sch.Policy),
	})
	if err != nil {
		return err
	}
	if err := s.collections.Start(ctx, col.ID); err != nil {
		return err
	}

	next, err := s.nextRun.Next(sch.CronExpr, sch.Location(), now.In(sch.Location()))
	if err != nil {
		return err
	}
	if err := r.MarkFired(ctx, sch.ID, now, next); err != nil {
		return err
	}

	logger.C(ctx).Info().
		Str("schedule_id", sch.ID.String()).
		Str("collection_id", col.ID.String()).
		Time("next_run_at", next).
		Msg("schedule fired")
	return nil
}

// startPendingBackfills creates the one-time historical collection for any
// active schedule that requested one and does not have it yet
func (s *Service) startPendingBackfills(ctx context.Context, r domain.StorageRepo) (int, error) {
	all, err := r.List(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, sch := range all {
		if !sch.IsActive || sch.IsPaused {
			continue
		}
		if sch.BackfillLookbackDays <= 0 || sch.BackfillCollectionID != nil {
			continue
		}

		col, err := s.collections.Create(ctx, coldomain.CreateInput{
			Type:     coldomain.TypeBackfill,
			Lookback: coldomain.LookbackInput{Value: uint(sch.BackfillLookbackDays), Unit: "days"},
			Policy:   string(sch.Policy),
		})
		if err != nil {
			logger.C(ctx).Error().
				Str("schedule_id", sch.ID.String()).
				Err(err).
				Msg("backfill collection creation failed")
			if err := r.MarkFailed(ctx, sch.ID); err != nil {
				return started, err
			}
			continue
		}

		claimed, err := r.ClaimBackfill(ctx, sch.ID, col.ID, domain.BackfillPending)
		if err != nil {
			return started, err
		}
		if !claimed {
			// another evaluator won the slot; drop the extra collection
			if derr := s.collections.Delete(ctx, col.ID); derr != nil {
				logger.C(ctx).Warn().Err(derr).Msg("orphan backfill collection cleanup failed")
			}
			continue
		}

		if err := s.collections.Start(ctx, col.ID); err != nil {
			return started, err
		}
		if err := r.SetBackfillStatus(ctx, sch.ID, domain.BackfillInProgress); err != nil {
			return started, err
		}
		started++
		logger.C(ctx).Info().
			Str("schedule_id", sch.ID.String()).
			Str("collection_id", col.ID.String()).
			Int("lookback_days", sch.BackfillLookbackDays).
			Msg("backfill started")
	}
	return started, nil
}

// reconcileBackfills folds linked collection state into backfill_status
func (s *Service) reconcileBackfills(ctx context.Context, r domain.StorageRepo) error {
	inFlight, err := r.ListBackfillsInFlight(ctx)
	if err != nil {
		return err
	}
	for _, sch := range inFlight {
		if sch.BackfillCollectionID == nil {
			continue
		}
		view, err := s.collections.Status(ctx, *sch.BackfillCollectionID)
		if err != nil {
			logger.C(ctx).Warn().
				Str("schedule_id", sch.ID.String()).
				Err(err).
				Msg("backfill status lookup failed")
			continue
		}
		status := backfillStatusOf(view)
		if sch.BackfillStatus != nil && *sch.BackfillStatus == status {
			continue
		}
		if err := r.SetBackfillStatus(ctx, sch.ID, status); err != nil {
			return err
		}
	}
	return nil
}

// cronExprOf picks the raw expression or converts a structured frequency;
// exactly one of the two must be present
func cronExprOf(in domain.UpsertInput) (string, error) {
	switch {
	case in.CronExpr != "" && in.Frequency != nil:
		return "", perr.InvalidArgf("cron_expression and frequency are mutually exclusive")
	case in.CronExpr != "":
		return in.CronExpr, nil
	case in.Frequency != nil:
		return cronFromFrequency(*in.Frequency)
	}
	return "", perr.InvalidArgf("one of cron_expression or frequency is required")
}

func cronFromFrequency(f domain.FrequencyInput) (string, error) {
	hour, minute := 0, 0
	if f.At != "" {
		t, err := time.Parse("15:04", f.At)
		if err != nil {
			return "", perr.InvalidArgf("bad at %q, want HH:MM", f.At)
		}
		hour, minute = t.Hour(), t.Minute()
	}

	switch f.Every {
	case "daily":
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case "weekly":
		days := f.DaysOfWeek
		if len(days) == 0 {
			days = []int{0}
		}
		parts := make([]string, len(days))
		for i, d := range days {
			parts[i] = strconv.Itoa(d)
		}
		return fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(parts, ",")), nil
	case "monthly":
		dom := f.DayOfMonth
		if dom == 0 {
			dom = 1
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, dom), nil
	}
	return "", perr.InvalidArgf("unknown frequency %q", f.Every)
}

// backfillStatusOf maps collection state onto the schedule's backfill status
// a completed collection with failed segments counts as partial
func backfillStatusOf(view coldomain.StatusView) domain.BackfillStatus {
	switch coldomain.CollectionStatus(view.Status) {
	case coldomain.CollectionCompleted:
		for _, seg := range view.Segments {
			if coldomain.SegmentStatus(seg.Status) == coldomain.SegmentFailed {
				return domain.BackfillPartial
			}
		}
		return domain.BackfillCompleted
	case coldomain.CollectionFailed:
		return domain.BackfillFailed
	default:
		return domain.BackfillInProgress
	}
}
