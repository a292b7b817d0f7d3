package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"reflow/internal/modkit/repokit"
	perr "reflow/internal/platform/errors"
	"reflow/internal/platform/store"
	coldomain "reflow/internal/services/collections/domain"
	"reflow/internal/services/dispatch/domain"
)

type fakeTx struct{}

func (fakeTx) Exec(context.Context, string, ...any) (store.CommandTag, error) {
	return nil, nil
}
func (fakeTx) Query(context.Context, string, ...any) (store.Rows, error) { return nil, nil }
func (fakeTx) QueryRow(context.Context, string, ...any) store.Row        { return nil }
func (f fakeTx) Tx(_ context.Context, fn func(q repokit.Queryer) error) error {
	return fn(f)
}

type segRow struct {
	seg      domain.ClaimedSegment
	status   coldomain.SegmentStatus
	ref      string
	checksum string
	started  time.Time
}

// fakeRepo is an in memory segment queue that enforces the per collection
// parallel limit at claim time, like the sql claim query does
type fakeRepo struct {
	mu         sync.Mutex
	order      []uuid.UUID
	rows       map[uuid.UUID]*segRow
	limits     map[uuid.UUID]int
	maxRunning int
	completed  map[string]bool // checksums of completed work
	failClaim  error
	failSetRef error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rows:      map[uuid.UUID]*segRow{},
		limits:    map[uuid.UUID]int{},
		completed: map[string]bool{},
	}
}

func (f *fakeRepo) addCollection(limit, segments int) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	colID := uuid.New()
	f.limits[colID] = limit
	base := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := range segments {
		id := uuid.New()
		day := base.AddDate(0, 0, i)
		f.rows[id] = &segRow{
			seg: domain.ClaimedSegment{
				ID: id, CollectionID: colID,
				Start: day, End: day, Sequence: i + 1,
			},
			status: coldomain.SegmentPending,
		}
		f.order = append(f.order, id)
	}
	return colID
}

func (f *fakeRepo) binder() repokit.Binder[domain.StorageRepo] {
	return repokit.BindFunc[domain.StorageRepo](func(repokit.Queryer) domain.StorageRepo { return f })
}

func (f *fakeRepo) runningLocked(col uuid.UUID) int {
	n := 0
	for _, r := range f.rows {
		if r.seg.CollectionID == col && r.status == coldomain.SegmentRunning {
			n++
		}
	}
	return n
}

func (f *fakeRepo) ClaimNext(context.Context) (domain.ClaimedSegment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClaim != nil {
		return domain.ClaimedSegment{}, false, f.failClaim
	}
	for _, id := range f.order {
		r := f.rows[id]
		if r.status != coldomain.SegmentPending {
			continue
		}
		if f.runningLocked(r.seg.CollectionID) >= f.limits[r.seg.CollectionID] {
			continue
		}
		r.status = coldomain.SegmentRunning
		r.seg.Attempts++
		r.started = time.Now()
		if n := f.runningLocked(r.seg.CollectionID); n > f.maxRunning {
			f.maxRunning = n
		}
		return r.seg, true, nil
	}
	return domain.ClaimedSegment{}, false, nil
}

func (f *fakeRepo) SetExecutionRef(_ context.Context, id uuid.UUID, ref, checksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetRef != nil {
		return f.failSetRef
	}
	f.rows[id].ref = ref
	f.rows[id].checksum = checksum
	return nil
}

func (f *fakeRepo) ReleaseToPending(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rows[id]
	if r.status == coldomain.SegmentRunning {
		r.status = coldomain.SegmentPending
		r.ref = ""
		r.started = time.Time{}
	}
	return nil
}

func (f *fakeRepo) ReleaseStale(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.rows {
		if r.status == coldomain.SegmentRunning && r.started.Before(cutoff) {
			r.status = coldomain.SegmentPending
			r.ref = ""
			r.started = time.Time{}
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) FindByRef(_ context.Context, ref string) (domain.ClaimedSegment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ref == ref {
			return r.seg, true, nil
		}
	}
	return domain.ClaimedSegment{}, false, nil
}

func (f *fakeRepo) ChecksumCompleted(_ context.Context, checksum string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[checksum], nil
}

func (f *fakeRepo) SegmentChecksum(_ context.Context, id uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].checksum, nil
}

var _ domain.StorageRepo = (*fakeRepo)(nil)

// fakeLifecycle settles segments directly against the fake repo
type fakeLifecycle struct {
	repo     *fakeRepo
	mu       sync.Mutex
	outcomes map[uuid.UUID]coldomain.Outcome
}

func newFakeLifecycle(repo *fakeRepo) *fakeLifecycle {
	return &fakeLifecycle{repo: repo, outcomes: map[uuid.UUID]coldomain.Outcome{}}
}

func (l *fakeLifecycle) OnSegmentTerminal(_ context.Context, id uuid.UUID, out coldomain.Outcome) error {
	l.repo.mu.Lock()
	r := l.repo.rows[id]
	if !r.status.Terminal() {
		r.status = out.Status
		if out.Status == coldomain.SegmentCompleted && r.checksum != "" {
			l.repo.completed[r.checksum] = true
		}
	}
	l.repo.mu.Unlock()

	l.mu.Lock()
	if _, dup := l.outcomes[id]; !dup {
		l.outcomes[id] = out
	}
	l.mu.Unlock()
	return nil
}

// fakeBackend records submissions and answers with scripted errors
type fakeBackend struct {
	mu      sync.Mutex
	subs    []domain.Submission
	refs    map[string]domain.Submission
	failFor int // first n submissions fail
	err     error
}

func (b *fakeBackend) Submit(_ context.Context, sub domain.Submission) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFor > 0 {
		b.failFor--
		if b.err != nil {
			return b.err
		}
		return perr.Unavailablef("backend unavailable")
	}
	b.subs = append(b.subs, sub)
	if b.refs == nil {
		b.refs = map[string]domain.Submission{}
	}
	b.refs[sub.Ref] = sub
	return nil
}

func (b *fakeBackend) submissions() []domain.Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Submission(nil), b.subs...)
}

func newService(repo *fakeRepo, backend domain.Backend, lc coldomain.LifecyclePort, cfg Config) *Service {
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	return New(fakeTx{}, repo.binder(), backend, lc, cfg)
}

func TestDrainOnce_DispatchesAllPending(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.addCollection(10, 5)
	backend := &fakeBackend{}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{Workers: 3})

	if err := svc.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if got := len(backend.submissions()); got != 5 {
		t.Fatalf("submitted %d segments, want 5", got)
	}
	for id, r := range repo.rows {
		if r.status != coldomain.SegmentRunning {
			t.Fatalf("segment %s status = %s, want running", id, r.status)
		}
		if r.ref == "" || r.checksum == "" {
			t.Fatalf("segment %s missing execution ref or checksum", id)
		}
	}
}

func TestDispatch_HonorsParallelLimit(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.addCollection(3, 10)
	backend := &fakeBackend{}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{Workers: 6})

	ctx := context.Background()
	for range 10 {
		if err := svc.DrainOnce(ctx); err != nil {
			t.Fatalf("DrainOnce: %v", err)
		}
		// settle whatever is in flight so the next round can claim more
		var done int
		repo.mu.Lock()
		var running []string
		for _, r := range repo.rows {
			if r.status == coldomain.SegmentRunning {
				running = append(running, r.ref)
			} else if r.status.Terminal() {
				done++
			}
		}
		repo.mu.Unlock()
		if done == 10 {
			break
		}
		for _, ref := range running {
			if err := svc.Reconcile(ctx, domain.BackendOutcome{
				Ref: ref, Status: domain.OutcomeSucceeded, RowCount: 1,
			}); err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
		}
	}

	if repo.maxRunning > 3 {
		t.Fatalf("observed %d running segments, limit is 3", repo.maxRunning)
	}
	for id, r := range repo.rows {
		if r.status != coldomain.SegmentCompleted {
			t.Fatalf("segment %s status = %s, want completed", id, r.status)
		}
	}
}

func TestDispatch_SkipsDuplicateChecksum(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.addCollection(10, 1)
	backend := &fakeBackend{}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{Workers: 1})

	// pre-record the same resolved work as already completed
	var seg domain.ClaimedSegment
	for _, r := range repo.rows {
		seg = r.seg
	}
	sub := domain.Submission{
		SegmentID: seg.ID, CollectionID: seg.CollectionID,
		Start: seg.Start, End: seg.End,
	}
	repo.completed[sub.Checksum()] = true

	if err := svc.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if got := len(backend.submissions()); got != 0 {
		t.Fatalf("backend received %d submissions for duplicate work, want 0", got)
	}
	out, ok := lc.outcomes[seg.ID]
	if !ok || out.Status != coldomain.SegmentSkipped {
		t.Fatalf("outcome = %+v, want skipped", out)
	}
}

func TestSubmit_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.addCollection(10, 1)
	backend := &fakeBackend{failFor: 2}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{Workers: 1, MaxRetries: 3})

	if err := svc.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if got := len(backend.submissions()); got != 1 {
		t.Fatalf("submitted %d, want 1 after retries", got)
	}
}

func TestSubmit_ExhaustedRetriesFailSegment(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.addCollection(10, 1)
	backend := &fakeBackend{failFor: 99}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{Workers: 1, MaxRetries: 2})

	// drain reports the failure but the segment must settle as failed
	_ = svc.DrainOnce(context.Background())

	for id, r := range repo.rows {
		if r.status != coldomain.SegmentFailed {
			t.Fatalf("segment %s status = %s, want failed", id, r.status)
		}
		out := lc.outcomes[id]
		if out.ErrorMessage == nil || *out.ErrorMessage == "" {
			t.Fatal("failed segment is missing its error message")
		}
	}
}

func TestSubmit_NonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.addCollection(10, 1)
	backend := &fakeBackend{failFor: 99, err: perr.InvalidArgf("bad query")}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{Workers: 1, MaxRetries: 5})

	_ = svc.DrainOnce(context.Background())

	if backend.failFor < 94 {
		t.Fatalf("backend was retried %d times for a non retryable error", 99-backend.failFor)
	}
}

func TestReconcile_FailureRequeuesUntilRetriesExhausted(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.addCollection(10, 1)
	backend := &fakeBackend{}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{Workers: 1, MaxRetries: 2})

	ctx := context.Background()
	if err := svc.DrainOnce(ctx); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	var ref string
	for _, r := range repo.rows {
		ref = r.ref
	}

	// first failure: attempts=1 < 2, so the segment goes back to pending
	if err := svc.Reconcile(ctx, domain.BackendOutcome{
		Ref: ref, Status: domain.OutcomeFailed, Error: "boom",
	}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	for _, r := range repo.rows {
		if r.status != coldomain.SegmentPending {
			t.Fatalf("status = %s after first failure, want pending", r.status)
		}
	}

	// second attempt, then failure exhausts retries
	if err := svc.DrainOnce(ctx); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	for _, r := range repo.rows {
		ref = r.ref
	}
	if err := svc.Reconcile(ctx, domain.BackendOutcome{
		Ref: ref, Status: domain.OutcomeFailed, Error: "boom again",
	}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	for _, r := range repo.rows {
		if r.status != coldomain.SegmentFailed {
			t.Fatalf("status = %s after exhausted retries, want failed", r.status)
		}
	}
}

func TestReconcile_UnknownRefIgnored(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	backend := &fakeBackend{}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{})

	if err := svc.Reconcile(context.Background(), domain.BackendOutcome{
		Ref: "never-issued", Status: domain.OutcomeSucceeded,
	}); err != nil {
		t.Fatalf("unknown ref should be ignored, got %v", err)
	}
}

func TestReconcile_SuccessRecordsRowCount(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.addCollection(10, 1)
	backend := &fakeBackend{}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{Workers: 1})

	ctx := context.Background()
	if err := svc.DrainOnce(ctx); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	var ref string
	var id uuid.UUID
	for sid, r := range repo.rows {
		ref, id = r.ref, sid
	}
	if err := svc.Reconcile(ctx, domain.BackendOutcome{
		Ref: ref, Status: domain.OutcomeSucceeded, RowCount: 1234,
	}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	out := lc.outcomes[id]
	if out.Status != coldomain.SegmentCompleted || out.RowCount == nil || *out.RowCount != 1234 {
		t.Fatalf("outcome = %+v, want completed with 1234 rows", out)
	}
	if out.Checksum == nil || *out.Checksum == "" {
		t.Fatal("completed outcome is missing its checksum")
	}
}

// settlingBackend reports its outcome inline, before Submit returns, the way
// a trivially fast query can beat the dispatcher back to the database
type settlingBackend struct {
	rec     domain.ReconcilerPort
	outcome domain.OutcomeStatus
}

func (b *settlingBackend) Submit(ctx context.Context, sub domain.Submission) error {
	return b.rec.Reconcile(ctx, domain.BackendOutcome{
		Ref: sub.Ref, Status: b.outcome, RowCount: 7,
	})
}

func TestDispatch_OutcomeDuringSubmitSettles(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.addCollection(10, 1)
	lc := newFakeLifecycle(repo)
	backend := &settlingBackend{outcome: domain.OutcomeSucceeded}
	svc := newService(repo, backend, lc, Config{Workers: 1})
	backend.rec = svc

	if err := svc.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	for id, r := range repo.rows {
		if r.status != coldomain.SegmentCompleted {
			t.Fatalf("segment %s status = %s, want completed", id, r.status)
		}
		out, ok := lc.outcomes[id]
		if !ok {
			t.Fatalf("segment %s outcome was dropped", id)
		}
		if out.RowCount == nil || *out.RowCount != 7 {
			t.Fatalf("outcome = %+v, want 7 rows", out)
		}
	}
}

func TestDispatch_RefPersistFailureReleasesClaim(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.addCollection(10, 1)
	backend := &fakeBackend{}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{Workers: 1})

	ctx := context.Background()
	seg, ok, err := repo.ClaimNext(ctx)
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}
	repo.failSetRef = perr.Unavailablef("coordinator down")

	if err := svc.dispatch(ctx, seg); err == nil {
		t.Fatal("dispatch should surface the ref persist failure")
	}
	if got := len(backend.submissions()); got != 0 {
		t.Fatalf("backend received %d submissions without a persisted ref", got)
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	r := repo.rows[seg.ID]
	if r.status != coldomain.SegmentPending || r.ref != "" {
		t.Fatalf("segment status = %s ref = %q, want released back to pending", r.status, r.ref)
	}
}

func TestDrainOnce_ReturnsOnCancelWhenClaimsFail(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.failClaim = perr.Unavailablef("coordinator down")
	backend := &fakeBackend{}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- svc.DrainOnce(ctx) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DrainOnce kept spinning after cancellation")
	}
}

func TestRun_RequeuesStaleRunning(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.addCollection(10, 1)
	// a claim left behind by a dispatcher that died before settling it
	repo.mu.Lock()
	for _, r := range repo.rows {
		r.status = coldomain.SegmentRunning
		r.started = time.Now().Add(-time.Hour)
	}
	repo.mu.Unlock()

	backend := &fakeBackend{}
	lc := newFakeLifecycle(repo)
	svc := newService(repo, backend, lc, Config{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		StaleAfter:   time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_ = svc.Run(ctx)

	if got := len(backend.submissions()); got == 0 {
		t.Fatal("stale running segment was never requeued")
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for id, r := range repo.rows {
		if r.ref == "" {
			t.Fatalf("segment %s redispatched without an execution ref", id)
		}
	}
}

func TestChecksum_IndependentOfCollection(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	a := domain.Submission{
		SegmentID: uuid.New(), CollectionID: uuid.New(),
		Start: day, End: day.AddDate(0, 0, 6),
		Params: map[string]string{"report": "spend", "market": "us"},
	}
	b := domain.Submission{
		SegmentID: uuid.New(), CollectionID: uuid.New(),
		Start: day, End: day.AddDate(0, 0, 6),
		Params: map[string]string{"market": "us", "report": "spend"},
	}
	if a.Checksum() != b.Checksum() {
		t.Fatal("identical resolved work produced different checksums")
	}

	c := a
	c.Params = map[string]string{"report": "spend", "market": "de"}
	if a.Checksum() == c.Checksum() {
		t.Fatal("different parameters produced the same checksum")
	}
}
