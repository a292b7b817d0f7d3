// Package service implements the segment dispatch loop
package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"reflow/internal/modkit/repokit"
	perr "reflow/internal/platform/errors"
	"reflow/internal/platform/logger"
	coldomain "reflow/internal/services/collections/domain"
	"reflow/internal/services/dispatch/domain"
)

// Config holds dispatcher tunables
type Config struct {
	// Workers is the size of the dispatch pool; <=0 -> 1
	Workers int

	// MaxRetries is attempts per segment, dispatch and execution combined; <=0 -> 3
	MaxRetries int

	// RetryBase is the backoff base for submit retries; <=0 -> 500ms
	RetryBase time.Duration

	// RatePerSec paces backend submissions globally; <=0 disables pacing
	RatePerSec float64

	// Burst is the limiter burst; <=0 -> 1
	Burst int

	// PollInterval is the idle sleep between claim scans in Run; <=0 -> 2s
	PollInterval time.Duration

	// StaleAfter is how long a running segment may sit without settling
	// before Run requeues it; must exceed the backend execution timeout.
	// <=0 -> 30m
	StaleAfter time.Duration
}

// Service pulls pending segments across running collections and drives them
// through the execution backend
type Service struct {
	DB        repokit.TxRunner
	Binder    repokit.Binder[domain.StorageRepo]
	Backend   domain.Backend
	Lifecycle coldomain.LifecyclePort
	Cfg       Config

	limiter *rate.Limiter

	// Params resolves extra query parameters folded into the dedup checksum
	Params func(seg domain.ClaimedSegment) map[string]string
}

// New constructs the dispatch service
func New(
	db repokit.TxRunner,
	binder repokit.Binder[domain.StorageRepo],
	backend domain.Backend,
	lifecycle coldomain.LifecyclePort,
	cfg Config,
) *Service {
	if db == nil {
		panic("dispatch.Service requires a non nil TxRunner")
	}
	if binder == nil {
		panic("dispatch.Service requires a non nil Repo binder")
	}
	if backend == nil {
		panic("dispatch.Service requires a backend")
	}
	if lifecycle == nil {
		panic("dispatch.Service requires the collections lifecycle port")
	}

	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return &Service{DB: db, Binder: binder, Backend: backend, Lifecycle: lifecycle, Cfg: cfg, limiter: lim}
}

var (
	_ domain.RunnerPort     = (*Service)(nil)
	_ domain.ReconcilerPort = (*Service)(nil)
)

// Run dispatches until ctx is cancelled, idling between claim scans
//
// Each pass first requeues running segments older than StaleAfter: a
// dispatcher that died between claim and settle leaves such rows behind, and
// nothing else would ever pick them up again
func (s *Service) Run(ctx context.Context) error {
	repo := s.Binder.Bind(s.DB)
	stale := s.Cfg.StaleAfter
	if stale <= 0 {
		stale = 30 * time.Minute
	}
	for {
		if n, err := repo.ReleaseStale(ctx, time.Now().Add(-stale)); err != nil {
			logger.C(ctx).Error().Err(err).Msg("dispatch: stale requeue failed")
		} else if n > 0 {
			logger.C(ctx).Warn().
				Int64("segments", n).
				Msg("dispatch: requeued stale running segments")
		}
		if err := s.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.C(ctx).Error().Err(err).Msg("dispatch: drain failed")
		}
		poll := s.Cfg.PollInterval
		if poll <= 0 {
			poll = 2 * time.Second
		}
		if err := sleepCtx(ctx, poll); err != nil {
			return err
		}
	}
}

// DrainOnce runs the worker pool until no claimable segment remains
func (s *Service) DrainOnce(ctx context.Context) error {
	w := max(s.Cfg.Workers, 1)
	var fails int64
	var wg sync.WaitGroup
	sem := make(chan struct{}, w)

	worker := func() {
		defer func() { <-sem; wg.Done() }()
		for {
			seg, ok, err := s.claimNext(ctx)
			if err != nil {
				logger.C(ctx).Error().Err(err).Msg("dispatch: claim failed")
				atomic.AddInt64(&fails, 1)
				// small pause on coordinator error (avoid hot loop);
				// a cancelled ctx ends the worker instead of spinning
				if sleepCtx(ctx, 500*time.Millisecond) != nil {
					return
				}
				continue
			}
			if !ok {
				return // nothing claimable
			}
			if err := s.dispatch(ctx, seg); err != nil {
				logger.C(ctx).Error().
					Str("segment_id", seg.ID.String()).
					Err(err).
					Msg("dispatch: segment failed")
				atomic.AddInt64(&fails, 1)
				if sleepCtx(ctx, 500*time.Millisecond) != nil {
					return
				}
			}
		}
	}

	for range w {
		select {
		case <-ctx.Done():
			wg.Wait()
			if fails > 0 {
				return ctx.Err()
			}
			return nil
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go worker()
	}
	wg.Wait()

	if fails > 0 {
		return errors.New("some segments failed to dispatch")
	}
	return nil
}

func (s *Service) claimNext(ctx context.Context) (domain.ClaimedSegment, bool, error) {
	var seg domain.ClaimedSegment
	var ok bool
	err := s.DB.Tx(ctx, func(q repokit.Queryer) error {
		c, claimed, e := s.Binder.Bind(q).ClaimNext(ctx)
		if e != nil {
			return e
		}
		seg = c
		ok = claimed
		return nil
	})
	return seg, ok, err
}

// dispatch drives one claimed segment: dedup check, paced submit with retry,
// and terminal bookkeeping on exhaustion
func (s *Service) dispatch(ctx context.Context, seg domain.ClaimedSegment) error {
	repo := s.Binder.Bind(s.DB)

	sub := domain.Submission{
		SegmentID:    seg.ID,
		CollectionID: seg.CollectionID,
		Start:        seg.Start,
		End:          seg.End,
	}
	if s.Params != nil {
		sub.Params = s.Params(seg)
	}
	checksum := sub.Checksum()

	done, err := repo.ChecksumCompleted(ctx, checksum)
	if err != nil {
		return err
	}
	if done {
		// identical work already completed somewhere, never resubmit it
		note := "duplicate of previously completed work"
		logger.C(ctx).Info().
			Str("segment_id", seg.ID.String()).
			Str("checksum", checksum).
			Msg("dispatch: skipping duplicate segment")
		return s.Lifecycle.OnSegmentTerminal(ctx, seg.ID, coldomain.Outcome{
			Status:       coldomain.SegmentSkipped,
			Checksum:     &checksum,
			ErrorMessage: &note,
		})
	}

	// the ref is persisted before the backend ever sees it, so an outcome
	// reported mid submit always resolves to a row
	sub.Ref = uuid.New().String()
	if err := repo.SetExecutionRef(ctx, seg.ID, sub.Ref, checksum); err != nil {
		if rerr := repo.ReleaseToPending(ctx, seg.ID); rerr != nil {
			logger.C(ctx).Error().
				Str("segment_id", seg.ID.String()).
				Err(rerr).
				Msg("dispatch: release after ref persist failure")
		}
		return err
	}

	submitStart := time.Now()
	if err := s.submitWithRetry(ctx, sub); err != nil {
		msg := err.Error()
		return s.Lifecycle.OnSegmentTerminal(ctx, seg.ID, coldomain.Outcome{
			Status:       coldomain.SegmentFailed,
			ErrorMessage: &msg,
		})
	}

	logger.C(ctx).Debug().
		Str("segment_id", seg.ID.String()).
		Str("execution_ref", sub.Ref).
		Int("sequence", seg.Sequence).
		Dur("submit", time.Since(submitStart)).
		Msg("dispatch: segment submitted")
	return nil
}

func (s *Service) submitWithRetry(ctx context.Context, sub domain.Submission) error {
	attempts := s.Cfg.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	base := s.Cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	var last error
	for i := range attempts {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := s.Backend.Submit(ctx, sub)
		if err == nil {
			return nil
		}
		last = err

		// stop early on non retryable errors
		if !perr.Retryable(err) && perr.CodeOf(err) != perr.ErrorCodeUnavailable {
			return last
		}
		if i == attempts-1 {
			break
		}

		// exponential backoff with jitter, cap at 30s
		d := min(base<<i, 30*time.Second)
		j := d/2 + time.Duration(rand.Int63n(int64(d/2)))
		if se := sleepCtx(ctx, j); se != nil {
			return se
		}
	}
	return last
}

// Reconcile applies a backend reported outcome exactly once; duplicates and
// unknown refs are logged and ignored
func (s *Service) Reconcile(ctx context.Context, out domain.BackendOutcome) error {
	repo := s.Binder.Bind(s.DB)

	seg, ok, err := repo.FindByRef(ctx, out.Ref)
	if err != nil {
		return err
	}
	if !ok {
		logger.C(ctx).Warn().
			Str("execution_ref", out.Ref).
			Msg("reconcile: unknown execution ref ignored")
		return nil
	}

	switch out.Status {
	case domain.OutcomeSucceeded:
		checksum, err := repo.SegmentChecksum(ctx, seg.ID)
		if err != nil {
			return err
		}
		rc := out.RowCount
		res := coldomain.Outcome{Status: coldomain.SegmentCompleted, RowCount: &rc}
		if checksum != "" {
			res.Checksum = &checksum
		}
		return s.Lifecycle.OnSegmentTerminal(ctx, seg.ID, res)

	case domain.OutcomeFailed:
		maxRetries := s.Cfg.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		if seg.Attempts < maxRetries {
			logger.C(ctx).Warn().
				Str("segment_id", seg.ID.String()).
				Int("attempts", seg.Attempts).
				Str("error", out.Error).
				Msg("reconcile: execution failed, requeueing")
			return repo.ReleaseToPending(ctx, seg.ID)
		}
		msg := out.Error
		if msg == "" {
			msg = "execution failed"
		}
		return s.Lifecycle.OnSegmentTerminal(ctx, seg.ID, coldomain.Outcome{
			Status:       coldomain.SegmentFailed,
			ErrorMessage: &msg,
		})

	default:
		return perr.InvalidArgf("unknown outcome status %q", out.Status)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
