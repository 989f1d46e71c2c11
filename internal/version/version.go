// Package version implements spec.md §4.3's Version Oracle (C3): the
// engine's single persisted version counter, read through a cached
// single-flight call so concurrent readers collapse onto one underlying
// PRAGMA user_version query.
package version

import (
	"context"
	"sync"
)

// Store is the subset of sqlitedb.DB the Oracle reads from outside of any
// pipeline transaction.
type Store interface {
	UserVersion(ctx context.Context) (int64, error)
}

// Oracle caches a pending read so that a burst of concurrent Get calls
// performs exactly one underlying query. Unlike a general-purpose
// singleflight.Group, Oracle only ever coalesces one key — there is only
// one user_version — so it is a plain mutex-guarded pending channel rather
// than an imported dependency.
type Oracle struct {
	store Store

	mu      sync.Mutex
	pending chan struct{}
	result  int64
	err     error
}

// New constructs an Oracle reading from store.
func New(store Store) *Oracle {
	return &Oracle{store: store}
}

// Get returns the persisted version, coalescing concurrent callers that
// arrive while a read is already in flight onto that same read.
func (o *Oracle) Get(ctx context.Context) (int64, error) {
	o.mu.Lock()
	if o.pending != nil {
		pending := o.pending
		o.mu.Unlock()
		select {
		case <-pending:
			o.mu.Lock()
			v, err := o.result, o.err
			o.mu.Unlock()
			return v, err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	done := make(chan struct{})
	o.pending = done
	o.mu.Unlock()

	v, err := o.store.UserVersion(ctx)

	o.mu.Lock()
	o.result, o.err = v, err
	o.pending = nil
	o.mu.Unlock()
	close(done)

	return v, err
}

// Tx is the subset of sqlitedb.Tx the apply phase uses to persist a new
// version.
type Tx interface {
	SetUserVersion(ctx context.Context, v int64) error
}

// Set persists v as the new user_version. It must only be called from
// inside the pipeline's apply-phase transaction, with v equal to the
// previous version plus one — the Oracle itself does not enforce
// monotonicity, since doing so safely requires the caller's transaction
// context (the previous value must be read inside the same transaction to
// avoid a race with a concurrent writer, and there is at most one writer by
// construction).
func Set(ctx context.Context, tx Tx, v int64) error {
	return tx.SetUserVersion(ctx, v)
}
