// Package engine wires together the queue, registry, version oracle,
// pipeline, and waiter set into the public surface spec.md §6 describes:
// Dispatch, WaitForQueue, HandledVersion, and the background polling loop
// (C6) that actually drives events through the pipeline. It is the one
// package that constructs the concrete sqlitedb collaborators; callers only
// see config.Config, model.Registration, and event.Event.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stratodb/stratodb/internal/config"
	"github.com/stratodb/stratodb/internal/event"
	"github.com/stratodb/stratodb/internal/idgen"
	"github.com/stratodb/stratodb/internal/model"
	"github.com/stratodb/stratodb/internal/pipeline"
	"github.com/stratodb/stratodb/internal/registry"
	"github.com/stratodb/stratodb/internal/sqlitedb"
	"github.com/stratodb/stratodb/internal/version"
	"github.com/stratodb/stratodb/internal/waiter"
)

// ProcessingError wraps an event that finished processing with its Error
// map populated, returned by Dispatch/WaitForQueue/HandledVersion so
// callers can distinguish "processing failed" from "engine/transport
// failed" while still reaching the full event record via errors.As.
type ProcessingError struct {
	Event *event.Event
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("engine: event %d failed: %v", e.Event.V, e.Event.Error)
}

// Listener receives a processed event from one of the Engine's observer
// subscriptions. Panics inside a Listener are recovered and logged, never
// propagated to the polling loop.
type Listener func(*event.Event)

// Engine is the stratodb event-processing engine: the public surface over
// C1–C7. Construct with New; call Close when done.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	rw    *sqlitedb.DB
	ro    *sqlitedb.DB
	queue *sqlitedb.Queue

	reg     *registry.Registry
	ver     *version.Oracle
	waiters *waiter.Set

	ctx    context.Context
	cancel context.CancelFunc

	stopped   chan struct{}
	closeOnce sync.Once

	errCh chan error

	listenersMu      sync.Mutex
	resultListeners  []Listener
	errorListeners   []Listener
	handledListeners []Listener
}

// New constructs an Engine: opens the configured store/queue files, builds
// the model registry from models, and starts the background polling loop.
// logger may be nil, in which case slog.Default() is used.
func New(cfg *config.Config, logger *slog.Logger, models map[string]model.Registration) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rw, err := sqlitedb.Open(cfg.StorePath, false)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	var ro *sqlitedb.DB
	if cfg.StorePath == ":memory:" {
		// :memory: stores cannot be aliased across connections; share the
		// one handle so the RO view ever sees the RW-written rows.
		ro = rw.Alias()
	} else {
		ro, err = sqlitedb.Open(cfg.StorePath, true)
		if err != nil {
			_ = rw.Close()
			return nil, fmt.Errorf("engine: open read-only store: %w", err)
		}
	}

	var queueDB *sqlitedb.DB
	if cfg.QueuePath == cfg.StorePath {
		queueDB = rw
	} else {
		queueDB, err = sqlitedb.Open(cfg.QueuePath, false)
		if err != nil {
			_ = rw.Close()
			_ = ro.Close()
			return nil, fmt.Errorf("engine: open queue store: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	queue, err := sqlitedb.OpenQueue(ctx, queueDB, cfg.PollInterval)
	if err != nil {
		cancel()
		_ = rw.Close()
		_ = ro.Close()
		return nil, fmt.Errorf("engine: open queue: %w", err)
	}

	reg, err := registry.New(sortedRegistrations(models))
	if err != nil {
		cancel()
		_ = rw.Close()
		_ = ro.Close()
		return nil, fmt.Errorf("engine: build registry: %w", err)
	}

	if err := applyMigrations(ctx, rw, models); err != nil {
		cancel()
		_ = rw.Close()
		_ = ro.Close()
		return nil, fmt.Errorf("engine: apply migrations: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		rw:      rw,
		ro:      ro,
		queue:   queue,
		reg:     reg,
		ver:     version.New(rw),
		waiters: waiter.New(),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		errCh:   make(chan error, 1),
	}

	go e.runLoop()

	return e, nil
}

// sortedModelNames orders a construction-time models map by name, since Go
// map iteration has no inherent order and both registration and migration
// application need a deterministic one — matching the teacher's own
// preference for sorted-key iteration wherever a map must be walked in a
// stable order.
func sortedModelNames(models map[string]model.Registration) []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sortedRegistrations turns the construction-time map into a slice ordered
// by model name. Preprocessor order therefore follows name order.
func sortedRegistrations(models map[string]model.Registration) []model.Registration {
	names := sortedModelNames(models)
	regs := make([]model.Registration, 0, len(names))
	for _, name := range names {
		regs = append(regs, models[name])
	}
	return regs
}

// applyMigrations collects every registration's Migrations into a
// sqlitedb.MigrationRegistry and runs it once against rw, before the
// polling loop starts. A model.Migration takes model.Store rather than
// *sqlitedb.DB, so each step is wrapped in a closure — *sqlitedb.DB already
// satisfies model.Store, the wrapping only exists to cross the named
// function-type boundary between the two packages.
func applyMigrations(ctx context.Context, rw *sqlitedb.DB, models map[string]model.Registration) error {
	migReg := sqlitedb.NewMigrationRegistry()
	for _, name := range sortedModelNames(models) {
		reg := models[name]
		if len(reg.Migrations) == 0 {
			continue
		}
		steps := make(map[string]sqlitedb.Migration, len(reg.Migrations))
		for key, fn := range reg.Migrations {
			fn := fn
			steps[key] = func(ctx context.Context, db *sqlitedb.DB) error {
				return fn(ctx, db)
			}
		}
		migReg.Register(reg.Name, steps)
	}
	return migReg.Apply(ctx, rw)
}

// Dispatch enqueues a new event of type typ carrying data (marshalled to
// JSON) and blocks until it has been durably processed, returning the
// settled event. If processing failed, the returned error is a
// *ProcessingError wrapping the same event.
//
// A dispatch's version isn't assigned until the queue accepts it, so the
// correlation ID from idgen ties the "enqueued" and "settled" log lines
// together for anyone grepping logs for one call's round trip.
func (e *Engine) Dispatch(ctx context.Context, typ string, data any) (*event.Event, error) {
	corr := idgen.New()

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal dispatch data: %w", err)
	}

	ev, err := e.queue.Add(ctx, typ, raw, time.Now().Unix())
	if err != nil {
		e.logger.Error("engine: dispatch enqueue failed", slog.String("correlation_id", corr), slog.String("type", typ), slog.Any("error", err))
		return nil, fmt.Errorf("engine: dispatch: %w", err)
	}
	e.logger.Debug("engine: dispatch enqueued", slog.String("correlation_id", corr), slog.String("type", typ), slog.Int64("v", ev.V))

	result, err := e.await(ctx, ev.V)
	if err != nil {
		e.logger.Error("engine: dispatch settled with error", slog.String("correlation_id", corr), slog.Int64("v", ev.V), slog.Any("error", err))
		return result, err
	}
	e.logger.Debug("engine: dispatch settled", slog.String("correlation_id", corr), slog.Int64("v", result.V))
	return result, nil
}

// WaitForQueue blocks until the next event (whatever version it turns out
// to be) has been processed, returning the settled event.
func (e *Engine) WaitForQueue(ctx context.Context) (*event.Event, error) {
	cur, err := e.ver.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: waitForQueue: %w", err)
	}
	return e.await(ctx, cur+1)
}

// HandledVersion blocks until version v has been processed (or returns
// immediately if it already has), returning the settled event.
func (e *Engine) HandledVersion(ctx context.Context, v int64) (*event.Event, error) {
	return e.await(ctx, v)
}

// await resolves once version v has been processed, reading the already
// persisted row directly if the version has already passed.
func (e *Engine) await(ctx context.Context, v int64) (*event.Event, error) {
	cur, err := e.ver.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: await: %w", err)
	}
	if v <= cur {
		ev, err := e.queue.Get(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("engine: await: %w", err)
		}
		return finish(ev)
	}

	future := e.waiters.Register(v)
	ev, err := future.Wait(ctx)
	if err != nil {
		e.waiters.Cancel(future)
		return nil, err
	}
	if ev != nil && ev.V != v {
		// A sweep resolved this future with a later version's event; read
		// v's own row instead.
		if ev, err = e.queue.Get(ctx, v); err != nil {
			return nil, fmt.Errorf("engine: await: %w", err)
		}
	}
	return finish(ev)
}

func finish(ev *event.Event) (*event.Event, error) {
	if ev.Failed() {
		return ev, &ProcessingError{Event: ev}
	}
	return ev, nil
}

// Err returns a channel that receives at most one error: the polling loop's
// fatal error if retries are exhausted (spec.md §4.6). It is never closed.
func (e *Engine) Err() <-chan error {
	return e.errCh
}

// OnResult subscribes fn to every successfully processed top-level event.
func (e *Engine) OnResult(fn Listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.resultListeners = append(e.resultListeners, fn)
}

// OnError subscribes fn to every top-level event that finished with an
// error.
func (e *Engine) OnError(fn Listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.errorListeners = append(e.errorListeners, fn)
}

// OnHandled subscribes fn to every top-level event once it finishes
// processing, successful or not.
func (e *Engine) OnHandled(fn Listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.handledListeners = append(e.handledListeners, fn)
}

// Close stops the polling loop and releases every store handle.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
	})
	<-e.stopped

	var errs []error
	if err := e.rw.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.ro.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
