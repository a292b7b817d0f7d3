// Package service implements collection lifecycle management
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"reflow/internal/core/window"
	"reflow/internal/modkit/repokit"
	perr "reflow/internal/platform/errors"
	"reflow/internal/platform/logger"
	"reflow/internal/services/collections/domain"
)

// Config holds collection service tunables
type Config struct {
	// MaxLookbackDays is the upstream retention ceiling
	MaxLookbackDays uint

	// DefaultParallel bounds concurrently running segments per collection
	DefaultParallel int

	// DefaultFailurePolicy applies when a request does not choose one
	DefaultFailurePolicy domain.FailurePolicy

	// CompletionThreshold is the completed ratio below which a best effort
	// collection with failures settles as failed
	CompletionThreshold float64

	// Clock overrides time.Now for tests
	Clock func() time.Time
}

// Service owns collection and segment lifecycle state
type Service struct {
	tx   repokit.TxRunner
	repo repokit.Binder[domain.StorageRepo]
	cfg  Config
	now  func() time.Time
}

// New constructs the collections service
func New(tx repokit.TxRunner, binder repokit.Binder[domain.StorageRepo], cfg Config) *Service {
	if cfg.MaxLookbackDays == 0 {
		cfg.MaxLookbackDays = window.DefaultMaxLookbackDays
	}
	if cfg.DefaultParallel <= 0 {
		cfg.DefaultParallel = 10
	}
	if !cfg.DefaultFailurePolicy.Valid() {
		cfg.DefaultFailurePolicy = domain.BestEffort
	}
	if cfg.CompletionThreshold <= 0 || cfg.CompletionThreshold > 1 {
		cfg.CompletionThreshold = 0.8
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{tx: tx, repo: binder, cfg: cfg, now: now}
}

var (
	_ domain.CollectionsPort = (*Service)(nil)
	_ domain.LifecyclePort   = (*Service)(nil)
)

// plan validates the input and produces the collection plus its segment plan
// without touching storage
func (s *Service) plan(in domain.CreateInput) (domain.Collection, []domain.Segment, error) {
	var zero domain.Collection

	cfg, err := lookbackFromInput(in.Lookback)
	if err != nil {
		return zero, nil, err
	}

	pol := window.Policy(in.Policy)
	if !pol.Valid() {
		return zero, nil, perr.InvalidArgf("unknown segmentation policy %q", in.Policy)
	}

	w := window.Resolve(cfg, s.now())
	if err := window.Validate(w, s.cfg.MaxLookbackDays); err != nil {
		var tooLarge *window.TooLargeError
		if errors.As(err, &tooLarge) {
			return zero, nil, perr.InvalidArgf("%s", tooLarge.Error())
		}
		return zero, nil, perr.InvalidArgf("%s", err.Error())
	}

	spans, err := window.Segment(w, pol)
	if err != nil {
		return zero, nil, perr.InvalidArgf("%s", err.Error())
	}

	typ := in.Type
	if typ == "" {
		typ = domain.TypeBackfill
	}
	if !typ.Valid() {
		return zero, nil, perr.InvalidArgf("unknown collection type %q", in.Type)
	}

	fpol := in.FailurePolicy
	if fpol == "" {
		fpol = s.cfg.DefaultFailurePolicy
	}
	if !fpol.Valid() {
		return zero, nil, perr.InvalidArgf("unknown failure policy %q", in.FailurePolicy)
	}

	limit := in.ParallelLimit
	if limit <= 0 {
		limit = s.cfg.DefaultParallel
	}

	col := domain.Collection{
		ID:            uuid.New(),
		Type:          typ,
		Window:        w,
		Policy:        pol,
		Status:        domain.CollectionPending,
		FailurePolicy: fpol,
		ParallelLimit: limit,
		TotalSegments: len(spans),
	}

	segs := make([]domain.Segment, 0, len(spans))
	for _, sp := range spans {
		segs = append(segs, domain.Segment{
			ID:           uuid.New(),
			CollectionID: col.ID,
			Start:        sp.Start,
			End:          sp.End,
			Sequence:     sp.Sequence,
			Status:       domain.SegmentPending,
		})
	}
	return col, segs, nil
}

// Plan returns the collection and segment plan without persisting anything
func (s *Service) Plan(_ context.Context, in domain.CreateInput) (domain.Collection, []domain.Segment, error) {
	return s.plan(in)
}

// Create validates, segments, and persists the collection with its full
// segment set in one transaction; a partial segment set can never exist
func (s *Service) Create(ctx context.Context, in domain.CreateInput) (domain.Collection, error) {
	col, segs, err := s.plan(in)
	if err != nil {
		return domain.Collection{}, err
	}

	err = s.tx.Tx(ctx, func(q repokit.Queryer) error {
		r := s.repo.Bind(q)
		if err := r.InsertCollection(ctx, col); err != nil {
			return err
		}
		return r.InsertSegments(ctx, segs)
	})
	if err != nil {
		return domain.Collection{}, err
	}

	logger.C(ctx).Info().
		Str("collection_id", col.ID.String()).
		Str("window", col.Window.String()).
		Int("segments", len(segs)).
		Msg("collection created")
	return col, nil
}

// Start moves a pending collection to running so the dispatcher picks it up
func (s *Service) Start(ctx context.Context, id uuid.UUID) error {
	return s.flip(ctx, id, domain.CollectionPending, domain.CollectionRunning, "start")
}

// Pause stops new dispatch; in flight executions are left to finish
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	return s.flip(ctx, id, domain.CollectionRunning, domain.CollectionPaused, "pause")
}

// Resume returns a paused collection to running; the dispatcher re-scans
// for its pending segments
func (s *Service) Resume(ctx context.Context, id uuid.UUID) error {
	return s.flip(ctx, id, domain.CollectionPaused, domain.CollectionRunning, "resume")
}

func (s *Service) flip(ctx context.Context, id uuid.UUID, from, to domain.CollectionStatus, op string) error {
	r := s.repo.Bind(s.tx)
	ok, err := r.CASCollectionStatus(ctx, id, from, to)
	if err != nil {
		return err
	}
	if ok {
		logger.C(ctx).Info().Str("collection_id", id.String()).Str("status", string(to)).Msg(op)
		return nil
	}

	cur, err := r.GetCollection(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == to {
		// already there, repeat calls are harmless
		return nil
	}
	return perr.Conflictf("cannot %s collection in status %s", op, cur.Status)
}

// Delete removes the collection and every segment it owns
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.tx.Tx(ctx, func(q repokit.Queryer) error {
		return s.repo.Bind(q).DeleteCollection(ctx, id)
	})
}

// Status reports the collection with its full segment breakdown
func (s *Service) Status(ctx context.Context, id uuid.UUID) (domain.StatusView, error) {
	r := s.repo.Bind(s.tx)
	col, err := r.GetCollection(ctx, id)
	if err != nil {
		return domain.StatusView{}, err
	}
	segs, err := r.ListSegments(ctx, id)
	if err != nil {
		return domain.StatusView{}, err
	}
	return statusView(col, segs), nil
}

// List reports all collections newest first
func (s *Service) List(ctx context.Context) ([]domain.ListView, error) {
	cols, err := s.repo.Bind(s.tx).ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ListView, 0, len(cols))
	for _, c := range cols {
		out = append(out, domain.ListView{
			CollectionID: c.ID.String(),
			Type:         string(c.Type),
			Status:       string(c.Status),
			WindowStart:  c.Window.Start.Format("2006-01-02"),
			WindowEnd:    c.Window.End.Format("2006-01-02"),
			ProgressPct:  c.ProgressPct,
		})
	}
	return out, nil
}

// OnSegmentTerminal folds a settled segment into collection state
// a repeat call for an already terminal segment is a no-op, not an error
func (s *Service) OnSegmentTerminal(ctx context.Context, segmentID uuid.UUID, out domain.Outcome) error {
	if !out.Status.Terminal() {
		return perr.InvalidArgf("outcome status %s is not terminal", out.Status)
	}

	return s.tx.Tx(ctx, func(q repokit.Queryer) error {
		r := s.repo.Bind(q)

		seg, err := r.GetSegment(ctx, segmentID)
		if err != nil {
			return err
		}

		settled, err := r.CASSegmentTerminal(ctx, segmentID, out)
		if err != nil {
			return err
		}
		if !settled {
			logger.C(ctx).Debug().
				Str("segment_id", segmentID.String()).
				Msg("duplicate terminal outcome ignored")
			return nil
		}

		col, err := r.GetCollection(ctx, seg.CollectionID)
		if err != nil {
			return err
		}

		if out.Status == domain.SegmentFailed && col.FailurePolicy == domain.FailFast {
			skipped, err := r.SkipPending(ctx, col.ID, "aborted after segment failure")
			if err != nil {
				return err
			}
			if skipped > 0 {
				logger.C(ctx).Warn().
					Str("collection_id", col.ID.String()).
					Int("skipped", skipped).
					Msg("fail fast skipped remaining segments")
			}
		}

		counts, err := r.CountSegments(ctx, col.ID)
		if err != nil {
			return err
		}
		if err := r.UpdateProgress(ctx, col.ID, counts.ProgressPct(), counts.Completed); err != nil {
			return err
		}

		if !counts.Settled() {
			return nil
		}
		return s.settle(ctx, r, col, counts)
	})
}

// settle flips a fully settled collection to its terminal status
func (s *Service) settle(
	ctx context.Context, r domain.StorageRepo, col domain.Collection, counts domain.Counts,
) error {
	final := domain.CollectionCompleted
	if counts.Failed > 0 {
		switch col.FailurePolicy {
		case domain.FailFast:
			final = domain.CollectionFailed
		case domain.BestEffort:
			if counts.CompletedRatio() < s.cfg.CompletionThreshold {
				final = domain.CollectionFailed
			}
		}
	}

	// the collection may be paused while its last in flight segment settles
	ok, err := r.CASCollectionStatus(ctx, col.ID, domain.CollectionRunning, final)
	if err != nil {
		return err
	}
	if !ok {
		if ok, err = r.CASCollectionStatus(ctx, col.ID, domain.CollectionPaused, final); err != nil {
			return err
		}
	}
	if ok {
		logger.C(ctx).Info().
			Str("collection_id", col.ID.String()).
			Str("status", string(final)).
			Int("completed", counts.Completed).
			Int("failed", counts.Failed).
			Int("skipped", counts.Skipped).
			Msg("collection settled")
	}
	return nil
}

func lookbackFromInput(in domain.LookbackInput) (window.LookbackConfig, error) {
	var zero window.LookbackConfig

	hasCustom := in.Start != "" || in.End != ""
	hasRelative := in.Value > 0 || in.Unit != ""
	if hasCustom && hasRelative {
		return zero, perr.InvalidArgf("lookback must be relative or custom, not both")
	}

	if hasCustom {
		start, err := time.Parse("2006-01-02", in.Start)
		if err != nil {
			return zero, perr.InvalidArgf("bad start_date %q", in.Start)
		}
		end, err := time.Parse("2006-01-02", in.End)
		if err != nil {
			return zero, perr.InvalidArgf("bad end_date %q", in.End)
		}
		if start.After(end) {
			return zero, perr.InvalidArgf("start_date %s after end_date %s", in.Start, in.End)
		}
		return window.Custom(start, end), nil
	}

	if hasRelative {
		unit := window.Unit(in.Unit)
		if in.Value == 0 || !unit.Valid() {
			return zero, perr.InvalidArgf("bad relative lookback %d %q", in.Value, in.Unit)
		}
		return window.Relative(in.Value, unit), nil
	}

	// absent config falls back to the default trailing window in Resolve
	return zero, nil
}

func statusView(col domain.Collection, segs []domain.Segment) domain.StatusView {
	v := domain.StatusView{
		CollectionID:   col.ID.String(),
		Type:           string(col.Type),
		Status:         string(col.Status),
		WindowStart:    col.Window.Start.Format("2006-01-02"),
		WindowEnd:      col.Window.End.Format("2006-01-02"),
		ProgressPct:    col.ProgressPct,
		WeeksCompleted: col.WeeksCompleted,
		TotalSegments:  col.TotalSegments,
		CreatedAt:      col.CreatedAt,
		Segments:       make([]domain.SegmentView, 0, len(segs)),
	}
	for _, sg := range segs {
		sv := domain.SegmentView{
			Sequence: sg.Sequence,
			Start:    sg.Start.Format("2006-01-02"),
			End:      sg.End.Format("2006-01-02"),
			Status:   string(sg.Status),
			RowCount: sg.RowCount,
		}
		if sg.ExecutionRef != nil {
			sv.ExecutionRef = *sg.ExecutionRef
		}
		if sg.ErrorMessage != nil {
			sv.Error = *sg.ErrorMessage
		}
		v.Segments = append(v.Segments, sv)
	}
	return v
}
