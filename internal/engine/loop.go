package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stratodb/stratodb/internal/event"
	"github.com/stratodb/stratodb/internal/pipeline"
	"github.com/stratodb/stratodb/internal/sqlitedb"
)

// runLoop is the single-flight polling loop of spec.md §4.6: it drains the
// queue into the pipeline one event at a time, retrying a stuck event with
// linear backoff and giving up after cfg.MaxRetry consecutive failures.
// There is exactly one runLoop goroutine per Engine, started by New and
// stopped by Close.
func (e *Engine) runLoop() {
	defer close(e.stopped)

	errs := 0
	lastV := int64(0)

	for {
		if e.ctx.Err() != nil {
			return
		}

		if errs > 0 {
			if errs > e.cfg.MaxRetry {
				e.fatal(fmt.Errorf("engine: giving up on event %d after %d attempts", lastV+1, errs))
				return
			}
			backoff := time.Duration(errs) * e.cfg.BackoffBase
			select {
			case <-time.After(backoff):
			case <-e.ctx.Done():
				return
			}
			// Transient store errors (locks, I/O) often clear on reopen; the
			// handles reopen lazily on next use.
			_ = e.rw.Reset()
			_ = e.ro.Reset()
			_ = e.queue.Reset()
		}

		v, err := e.ver.Get(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.logger.Error("engine: read version failed", slog.Any("error", err))
			errs++
			continue
		}

		next, err := e.queue.GetNext(e.ctx, v, false)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.logger.Error("engine: getNext failed", slog.Any("error", err))
			errs++
			continue
		}
		if next == nil {
			continue
		}

		result, err := e.processOne(e.ctx, next)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.logger.Error("engine: process event failed", slog.Int64("v", next.V), slog.Any("error", err))
			errs++
			continue
		}
		if result == nil {
			// Another process (sharing the same file) already handled this
			// version between our GetNext and our transaction. Re-read the
			// now-current version and sweep any local waiters registered
			// for it — otherwise a caller blocked in WaitForQueue or
			// HandledVersion on this engine would never learn the other
			// process settled it.
			e.sweepFromReread()
			continue
		}

		if result.Failed() {
			errs++
			lastV = result.V - 1
		} else {
			errs = 0
			lastV = result.V
		}

		e.waiters.Notify(result.V, result, false)
		e.dispatchObservers(result)
	}
}

// processOne runs next through the pipeline inside one write transaction,
// persists the outcome back onto the queue row, and returns the settled
// event — or (nil, nil) if another process had already advanced the
// version past next.V before this transaction began.
func (e *Engine) processOne(ctx context.Context, next *event.Event) (*event.Event, error) {
	var result *event.Event

	err := e.rw.WithTransaction(ctx, func(tx *sqlitedb.Tx) error {
		cur, err := tx.UserVersion(ctx)
		if err != nil {
			return err
		}
		if next.V <= cur {
			result = nil
			return nil
		}

		next.Error = nil
		next.Result = nil
		result = pipeline.Handle(ctx, e.reg, e.ro, tx, next, 0)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	if err := e.queue.Set(ctx, result); err != nil {
		return nil, fmt.Errorf("engine: persist result for v=%d: %w", result.V, err)
	}
	return result, nil
}

// sweepFromReread re-reads the persisted version and resolves any local
// waiters targeting it or an earlier version, for the case where another
// process sharing this engine's store file advanced the version without
// this engine's own runLoop ever calling pipeline.Handle for it.
func (e *Engine) sweepFromReread() {
	cur, err := e.ver.Get(e.ctx)
	if err != nil {
		return
	}
	ev, err := e.queue.Get(e.ctx, cur)
	if err != nil || ev == nil {
		return
	}
	e.waiters.Notify(cur, ev, true)
}

// fatal delivers err on e.errCh without blocking if nobody is listening.
func (e *Engine) fatal(err error) {
	e.logger.Error("engine: polling loop giving up", slog.Any("error", err))
	select {
	case e.errCh <- err:
	default:
	}
}

// dispatchObservers notifies OnHandled (always) and then either OnResult or
// OnError, per spec.md §4.7. Listener panics are recovered and logged.
func (e *Engine) dispatchObservers(ev *event.Event) {
	e.listenersMu.Lock()
	handled := append([]Listener(nil), e.handledListeners...)
	var targeted []Listener
	if ev.Failed() {
		targeted = append([]Listener(nil), e.errorListeners...)
	} else {
		targeted = append([]Listener(nil), e.resultListeners...)
	}
	e.listenersMu.Unlock()

	for _, fn := range handled {
		e.safeCall(fn, ev)
	}
	for _, fn := range targeted {
		e.safeCall(fn, ev)
	}
}

func (e *Engine) safeCall(fn Listener, ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: observer panicked", slog.Any("panic", r))
		}
	}()
	fn(ev)
}
