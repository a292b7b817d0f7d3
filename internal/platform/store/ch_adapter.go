package store

import (
	"context"
	"errors"

	"reflow/internal/platform/store/ch"
)

// newCHAdapter wraps an existing *ch.CH as the store.Warehouse seam
func newCHAdapter(c *ch.CH) Warehouse {
	return &warehouseAdapter{inner: c}
}

type warehouseAdapter struct {
	inner *ch.CH
}

var _ Warehouse = (*warehouseAdapter)(nil)

func (a *warehouseAdapter) Exec(ctx context.Context, sql string, args ...any) error {
	return a.inner.Exec(ctx, sql, args...)
}

func (a *warehouseAdapter) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	r, err := a.inner.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &whRows{r: r}, nil
}

func (a *warehouseAdapter) Close() error { return a.inner.Close() }

// Ping verifies connectivity with the warehouse
func (a *warehouseAdapter) Ping(ctx context.Context) error {
	if a == nil || a.inner == nil {
		return errors.New("store: nil warehouse adapter")
	}
	return a.inner.Ping(ctx)
}

// whRows wraps ch.Rows as store.Rows
type whRows struct {
	r ch.Rows
}

func (r *whRows) Next() bool             { return r.r.Next() }
func (r *whRows) Scan(dest ...any) error { return r.r.Scan(dest...) }
func (r *whRows) Err() error             { return r.r.Err() }
func (r *whRows) Close()                 { _ = r.r.Close() }
func (r *whRows) Columns() []string      { return r.r.Columns() }
