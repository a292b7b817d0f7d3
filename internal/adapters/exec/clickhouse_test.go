package exec

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	perr "reflow/internal/platform/errors"
	"reflow/internal/platform/store"
	"reflow/internal/services/dispatch/domain"
)

type fakeRows struct {
	count uint64
	read  bool
}

func (r *fakeRows) Next() bool {
	if r.read {
		return false
	}
	r.read = true
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*uint64)) = r.count
	return nil
}

func (r *fakeRows) Err() error        { return nil }
func (r *fakeRows) Close()            {}
func (r *fakeRows) Columns() []string { return []string{"count()"} }

type fakeWarehouse struct {
	count   uint64
	failQry error
	gotSQL  string
	gotArgs []any
}

func (w *fakeWarehouse) Exec(context.Context, string, ...any) error { return nil }

func (w *fakeWarehouse) Query(_ context.Context, sql string, args ...any) (store.Rows, error) {
	w.gotSQL = sql
	w.gotArgs = args
	if w.failQry != nil {
		return nil, w.failQry
	}
	return &fakeRows{count: w.count}, nil
}

func (w *fakeWarehouse) Close() error { return nil }

type captureReconciler struct {
	ch chan domain.BackendOutcome
}

func (c *captureReconciler) Reconcile(_ context.Context, out domain.BackendOutcome) error {
	c.ch <- out
	return nil
}

func submission() domain.Submission {
	return domain.Submission{
		Ref:          uuid.New().String(),
		SegmentID:    uuid.New(),
		CollectionID: uuid.New(),
		Start:        time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
		End:          time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC),
	}
}

func awaitOutcome(t *testing.T, rec *captureReconciler) domain.BackendOutcome {
	t.Helper()
	select {
	case out := <-rec.ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("no outcome reported")
		return domain.BackendOutcome{}
	}
}

func TestSubmitReportsRowCount(t *testing.T) {
	wh := &fakeWarehouse{count: 1234}
	rec := &captureReconciler{ch: make(chan domain.BackendOutcome, 1)}
	b := New(wh, Config{})
	b.Bind(rec)

	sub := submission()
	if err := b.Submit(context.Background(), sub); err != nil {
		t.Fatalf("submit: %v", err)
	}

	out := awaitOutcome(t, rec)
	if out.Ref != sub.Ref {
		t.Fatalf("outcome ref = %q, want %q", out.Ref, sub.Ref)
	}
	if out.Status != domain.OutcomeSucceeded || out.RowCount != 1234 {
		t.Fatalf("outcome = %+v, want 1234 rows succeeded", out)
	}
	if len(wh.gotArgs) != 2 || wh.gotArgs[0] != "2024-03-03" || wh.gotArgs[1] != "2024-03-09" {
		t.Fatalf("query args = %v, want window dates", wh.gotArgs)
	}
}

func TestSubmitReportsQueryFailure(t *testing.T) {
	wh := &fakeWarehouse{failQry: perr.Unavailablef("cluster down")}
	rec := &captureReconciler{ch: make(chan domain.BackendOutcome, 1)}
	b := New(wh, Config{})
	b.Bind(rec)

	if err := b.Submit(context.Background(), submission()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	out := awaitOutcome(t, rec)
	if out.Status != domain.OutcomeFailed || out.Error == "" {
		t.Fatalf("outcome = %+v, want failed with message", out)
	}
}

func TestSubmitWithoutReconcilerRefuses(t *testing.T) {
	b := New(&fakeWarehouse{}, Config{})
	err := b.Submit(context.Background(), submission())
	if perr.CodeOf(err) != perr.ErrorCodeUnavailable {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

func TestSubmitWithoutRefRefuses(t *testing.T) {
	rec := &captureReconciler{ch: make(chan domain.BackendOutcome, 1)}
	b := New(&fakeWarehouse{}, Config{})
	b.Bind(rec)

	sub := submission()
	sub.Ref = ""
	err := b.Submit(context.Background(), sub)
	if perr.CodeOf(err) != perr.ErrorCodeInvalidArgument {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}
