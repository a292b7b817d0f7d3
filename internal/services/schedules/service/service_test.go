package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"reflow/internal/core/window"
	"reflow/internal/modkit/repokit"
	perr "reflow/internal/platform/errors"
	"reflow/internal/platform/store"
	coldomain "reflow/internal/services/collections/domain"
	"reflow/internal/services/schedules/domain"
)

// fakeTx satisfies repokit.TxRunner; the fake repo ignores the bound Queryer
type fakeTx struct{}

func (fakeTx) Exec(context.Context, string, ...any) (store.CommandTag, error) {
	return nil, nil
}
func (fakeTx) Query(context.Context, string, ...any) (store.Rows, error) { return nil, nil }
func (fakeTx) QueryRow(context.Context, string, ...any) store.Row        { return nil }
func (f fakeTx) Tx(_ context.Context, fn func(q repokit.Queryer) error) error {
	return fn(f)
}

type fakeRepo struct {
	rows map[uuid.UUID]*domain.Schedule
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[uuid.UUID]*domain.Schedule{}}
}

func (f *fakeRepo) binder() repokit.Binder[domain.StorageRepo] {
	return repokit.BindFunc[domain.StorageRepo](func(repokit.Queryer) domain.StorageRepo { return f })
}

func (f *fakeRepo) Insert(_ context.Context, s domain.Schedule) error {
	ss := s
	f.rows[s.ID] = &ss
	return nil
}

func (f *fakeRepo) Update(_ context.Context, s domain.Schedule) error {
	if _, ok := f.rows[s.ID]; !ok {
		return perr.NotFoundf("schedule %s", s.ID)
	}
	ss := s
	f.rows[s.ID] = &ss
	return nil
}

func (f *fakeRepo) Get(_ context.Context, id uuid.UUID) (domain.Schedule, error) {
	s, ok := f.rows[id]
	if !ok {
		return domain.Schedule{}, perr.NotFoundf("schedule %s", id)
	}
	return *s, nil
}

func (f *fakeRepo) List(context.Context) ([]domain.Schedule, error) {
	var out []domain.Schedule
	for _, s := range f.rows {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := f.rows[id]; !ok {
		return perr.NotFoundf("schedule %s", id)
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeRepo) ListDue(_ context.Context, now time.Time) ([]domain.Schedule, error) {
	var out []domain.Schedule
	for _, s := range f.rows {
		if s.Due(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkFired(_ context.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	s := f.rows[id]
	s.LastRunAt = &lastRun
	s.NextRunAt = &nextRun
	s.RunCount++
	return nil
}

func (f *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID) error {
	f.rows[id].FailureCount++
	return nil
}

func (f *fakeRepo) SetPaused(_ context.Context, id uuid.UUID, paused bool) error {
	s, ok := f.rows[id]
	if !ok {
		return perr.NotFoundf("schedule %s", id)
	}
	s.IsPaused = paused
	return nil
}

func (f *fakeRepo) ClaimBackfill(
	_ context.Context, id, collectionID uuid.UUID, status domain.BackfillStatus,
) (bool, error) {
	s := f.rows[id]
	if s.BackfillCollectionID != nil {
		return false, nil
	}
	s.BackfillCollectionID = &collectionID
	s.BackfillStatus = &status
	return true, nil
}

func (f *fakeRepo) SetBackfillStatus(_ context.Context, id uuid.UUID, status domain.BackfillStatus) error {
	f.rows[id].BackfillStatus = &status
	return nil
}

func (f *fakeRepo) ListBackfillsInFlight(context.Context) ([]domain.Schedule, error) {
	var out []domain.Schedule
	for _, s := range f.rows {
		if s.BackfillStatus != nil && !s.BackfillStatus.Terminal() {
			out = append(out, *s)
		}
	}
	return out, nil
}

// fakeCalc steps firing times by a fixed hour so tests stay clock-free
type fakeCalc struct{}

func (fakeCalc) Next(expr string, loc *time.Location, after time.Time) (time.Time, error) {
	if expr == "bad" {
		return time.Time{}, perr.InvalidArgf("parse cron %q", expr)
	}
	return after.In(loc).Add(time.Hour), nil
}

type createdCollection struct {
	id      uuid.UUID
	in      coldomain.CreateInput
	started bool
}

// fakeCollections records creates and starts; failCreate scripts a failure,
// statuses feeds the backfill reconciliation
type fakeCollections struct {
	created    []*createdCollection
	deleted    []uuid.UUID
	failCreate bool
	statuses   map[uuid.UUID]coldomain.StatusView
}

func (f *fakeCollections) Create(_ context.Context, in coldomain.CreateInput) (coldomain.Collection, error) {
	if f.failCreate {
		return coldomain.Collection{}, perr.Unavailablef("storage down")
	}
	c := &createdCollection{id: uuid.New(), in: in}
	f.created = append(f.created, c)
	return coldomain.Collection{ID: c.id}, nil
}

func (f *fakeCollections) Plan(context.Context, coldomain.CreateInput) (coldomain.Collection, []coldomain.Segment, error) {
	return coldomain.Collection{}, nil, nil
}

func (f *fakeCollections) Start(_ context.Context, id uuid.UUID) error {
	for _, c := range f.created {
		if c.id == id {
			c.started = true
			return nil
		}
	}
	return perr.NotFoundf("collection %s", id)
}

func (f *fakeCollections) Pause(context.Context, uuid.UUID) error  { return nil }
func (f *fakeCollections) Resume(context.Context, uuid.UUID) error { return nil }

func (f *fakeCollections) Delete(_ context.Context, id uuid.UUID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCollections) Status(_ context.Context, id uuid.UUID) (coldomain.StatusView, error) {
	v, ok := f.statuses[id]
	if !ok {
		return coldomain.StatusView{}, perr.NotFoundf("collection %s", id)
	}
	return v, nil
}

func (f *fakeCollections) List(context.Context) ([]coldomain.ListView, error) { return nil, nil }

func newService(t *testing.T) (*Service, *fakeRepo, *fakeCollections) {
	t.Helper()
	repo := newFakeRepo()
	cols := &fakeCollections{statuses: map[uuid.UUID]coldomain.StatusView{}}
	svc := New(fakeTx{}, repo.binder(), cols, fakeCalc{}, Config{})
	return svc, repo, cols
}

func TestUpsertCreatesWithDefaults(t *testing.T) {
	svc, repo, _ := newService(t)

	sch, err := svc.Upsert(context.Background(), domain.UpsertInput{
		Name:     "nightly",
		CronExpr: "0 2 * * *",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if sch.LookbackDays != window.DefaultLookbackDays {
		t.Fatalf("lookback days = %d, want %d", sch.LookbackDays, window.DefaultLookbackDays)
	}
	if sch.Policy != window.PolicyWeekly {
		t.Fatalf("policy = %q, want weekly", sch.Policy)
	}
	if !sch.IsActive || sch.IsPaused {
		t.Fatalf("new schedule should be active and unpaused")
	}
	if sch.NextRunAt == nil {
		t.Fatalf("next_run_at not computed")
	}
	if _, ok := repo.rows[sch.ID]; !ok {
		t.Fatalf("schedule not persisted")
	}
}

func TestUpsertRejectsBadCron(t *testing.T) {
	svc, repo, _ := newService(t)

	_, err := svc.Upsert(context.Background(), domain.UpsertInput{Name: "x", CronExpr: "bad"})
	if perr.CodeOf(err) != perr.ErrorCodeInvalidArgument {
		t.Fatalf("err = %v, want invalid argument", err)
	}
	if len(repo.rows) != 0 {
		t.Fatalf("nothing should be persisted, have %d rows", len(repo.rows))
	}
}

func TestUpsertUpdatesExisting(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	sch, err := svc.Upsert(ctx, domain.UpsertInput{Name: "nightly", CronExpr: "0 2 * * *"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.Upsert(ctx, domain.UpsertInput{
		ScheduleID:   sch.ID.String(),
		Name:         "nightly-wide",
		CronExpr:     "0 3 * * *",
		LookbackDays: 14,
		Policy:       "daily",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.ID != sch.ID {
		t.Fatalf("update changed identity")
	}
	if got.Name != "nightly-wide" || got.LookbackDays != 14 || got.Policy != window.PolicyDaily {
		t.Fatalf("update not applied: %+v", got)
	}
}

func seedSchedule(repo *fakeRepo, mut func(*domain.Schedule)) domain.Schedule {
	past := time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC)
	s := domain.Schedule{
		ID:           uuid.New(),
		Name:         "weekly-refresh",
		CronExpr:     "0 2 * * *",
		Timezone:     "UTC",
		LookbackDays: 7,
		Policy:       window.PolicyWeekly,
		IsActive:     true,
		NextRunAt:    &past,
	}
	if mut != nil {
		mut(&s)
	}
	ss := s
	repo.rows[s.ID] = &ss
	return s
}

func TestEvaluateDueFiresAndAdvances(t *testing.T) {
	svc, repo, cols := newService(t)
	sch := seedSchedule(repo, nil)
	now := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)

	res, err := svc.EvaluateDue(context.Background(), now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Fired != 1 || res.Failures != 0 {
		t.Fatalf("result = %+v, want one firing", res)
	}
	if len(cols.created) != 1 {
		t.Fatalf("created %d collections, want 1", len(cols.created))
	}
	c := cols.created[0]
	if c.in.Type != coldomain.TypeWeeklyUpdate {
		t.Fatalf("collection type = %q, want weekly_update", c.in.Type)
	}
	if c.in.Lookback.Value != 7 || c.in.Lookback.Unit != "days" {
		t.Fatalf("lookback = %+v, want 7 days", c.in.Lookback)
	}
	if !c.started {
		t.Fatalf("collection was created but never started")
	}

	got := repo.rows[sch.ID]
	if got.RunCount != 1 {
		t.Fatalf("run_count = %d, want 1", got.RunCount)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Fatalf("last_run_at = %v, want %v", got.LastRunAt, now)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(now) {
		t.Fatalf("next_run_at = %v, want after %v", got.NextRunAt, now)
	}
}

func TestEvaluateDueSkipsPausedWithPastNextRun(t *testing.T) {
	svc, repo, cols := newService(t)
	sch := seedSchedule(repo, func(s *domain.Schedule) { s.IsPaused = true })
	before := *repo.rows[sch.ID].NextRunAt
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	res, err := svc.EvaluateDue(context.Background(), now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Fired != 0 || len(cols.created) != 0 {
		t.Fatalf("paused schedule fired: %+v", res)
	}
	if got := repo.rows[sch.ID]; !got.NextRunAt.Equal(before) {
		t.Fatalf("next_run_at moved on a paused schedule")
	}
}

func TestEvaluateDueCreateFailureKeepsNextRun(t *testing.T) {
	svc, repo, cols := newService(t)
	sch := seedSchedule(repo, nil)
	cols.failCreate = true
	before := *repo.rows[sch.ID].NextRunAt
	now := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)

	res, err := svc.EvaluateDue(context.Background(), now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Fired != 0 || res.Failures != 1 {
		t.Fatalf("result = %+v, want one failure", res)
	}
	got := repo.rows[sch.ID]
	if got.FailureCount != 1 {
		t.Fatalf("failure_count = %d, want 1", got.FailureCount)
	}
	if !got.NextRunAt.Equal(before) {
		t.Fatalf("next_run_at moved after a failed firing")
	}
	if got.RunCount != 0 || got.LastRunAt != nil {
		t.Fatalf("failed firing advanced run bookkeeping: %+v", got)
	}
}

func TestBackfillStartsExactlyOnce(t *testing.T) {
	svc, repo, cols := newService(t)
	sch := seedSchedule(repo, func(s *domain.Schedule) {
		s.NextRunAt = nil // not due; backfill alone should run
		s.BackfillLookbackDays = 90
	})
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)

	res, err := svc.EvaluateDue(ctx, now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Backfills != 1 {
		t.Fatalf("backfills = %d, want 1", res.Backfills)
	}
	if len(cols.created) != 1 {
		t.Fatalf("created %d collections, want 1", len(cols.created))
	}
	c := cols.created[0]
	if c.in.Type != coldomain.TypeBackfill {
		t.Fatalf("collection type = %q, want backfill", c.in.Type)
	}
	if c.in.Lookback.Value != 90 {
		t.Fatalf("lookback = %+v, want 90 days", c.in.Lookback)
	}
	if !c.started {
		t.Fatalf("backfill collection never started")
	}
	got := repo.rows[sch.ID]
	if got.BackfillCollectionID == nil || *got.BackfillCollectionID != c.id {
		t.Fatalf("backfill_collection_id not claimed")
	}
	if got.BackfillStatus == nil || *got.BackfillStatus != domain.BackfillInProgress {
		t.Fatalf("backfill_status = %v, want in_progress", got.BackfillStatus)
	}

	// collection still running, so the second sweep changes nothing
	cols.statuses[c.id] = coldomain.StatusView{Status: string(coldomain.CollectionRunning)}
	res, err = svc.EvaluateDue(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if res.Backfills != 0 || len(cols.created) != 1 {
		t.Fatalf("backfill ran twice")
	}
}

func TestBackfillReconciliation(t *testing.T) {
	cases := []struct {
		name string
		view coldomain.StatusView
		want domain.BackfillStatus
	}{
		{
			name: "clean completion",
			view: coldomain.StatusView{
				Status: string(coldomain.CollectionCompleted),
				Segments: []coldomain.SegmentView{
					{Status: string(coldomain.SegmentCompleted)},
					{Status: string(coldomain.SegmentCompleted)},
				},
			},
			want: domain.BackfillCompleted,
		},
		{
			name: "completed with failed segments",
			view: coldomain.StatusView{
				Status: string(coldomain.CollectionCompleted),
				Segments: []coldomain.SegmentView{
					{Status: string(coldomain.SegmentCompleted)},
					{Status: string(coldomain.SegmentFailed)},
				},
			},
			want: domain.BackfillPartial,
		},
		{
			name: "failed collection",
			view: coldomain.StatusView{Status: string(coldomain.CollectionFailed)},
			want: domain.BackfillFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo, cols := newService(t)
			colID := uuid.New()
			status := domain.BackfillInProgress
			sch := seedSchedule(repo, func(s *domain.Schedule) {
				s.NextRunAt = nil
				s.BackfillLookbackDays = 30
				s.BackfillCollectionID = &colID
				s.BackfillStatus = &status
			})
			cols.statuses[colID] = tc.view

			if _, err := svc.EvaluateDue(context.Background(), time.Now()); err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			got := repo.rows[sch.ID]
			if got.BackfillStatus == nil || *got.BackfillStatus != tc.want {
				t.Fatalf("backfill_status = %v, want %s", got.BackfillStatus, tc.want)
			}
		})
	}
}

func TestUpsertFromFrequency(t *testing.T) {
	cases := []struct {
		name string
		freq domain.FrequencyInput
		want string
	}{
		{"daily at time", domain.FrequencyInput{Every: "daily", At: "02:30"}, "30 2 * * *"},
		{"weekly default sunday", domain.FrequencyInput{Every: "weekly"}, "0 0 * * 0"},
		{"weekly picked days", domain.FrequencyInput{Every: "weekly", At: "06:00", DaysOfWeek: []int{1, 4}}, "0 6 * * 1,4"},
		{"monthly on day", domain.FrequencyInput{Every: "monthly", At: "01:15", DayOfMonth: 15}, "15 1 15 * *"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newService(t)
			f := tc.freq
			sch, err := svc.Upsert(context.Background(), domain.UpsertInput{Name: "s", Frequency: &f})
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if sch.CronExpr != tc.want {
				t.Fatalf("cron = %q, want %q", sch.CronExpr, tc.want)
			}
		})
	}
}

func TestUpsertRejectsAmbiguousTrigger(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Upsert(context.Background(), domain.UpsertInput{
		Name:      "s",
		CronExpr:  "0 2 * * *",
		Frequency: &domain.FrequencyInput{Every: "daily"},
	})
	if perr.CodeOf(err) != perr.ErrorCodeInvalidArgument {
		t.Fatalf("err = %v, want invalid argument", err)
	}

	_, err = svc.Upsert(context.Background(), domain.UpsertInput{Name: "s"})
	if perr.CodeOf(err) != perr.ErrorCodeInvalidArgument {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}

func TestPauseResume(t *testing.T) {
	svc, repo, _ := newService(t)
	sch := seedSchedule(repo, nil)
	ctx := context.Background()

	if err := svc.Pause(ctx, sch.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !repo.rows[sch.ID].IsPaused {
		t.Fatalf("schedule not paused")
	}
	if err := svc.Resume(ctx, sch.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if repo.rows[sch.ID].IsPaused {
		t.Fatalf("schedule still paused")
	}
}
