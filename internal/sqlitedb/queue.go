package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratodb/stratodb/internal/event"
)

// defaultPollInterval is how often a blocking GetNext re-polls the
// underlying table for a row written by another process sharing the same
// file, per spec.md §4.1 ("polling the underlying store at a bounded
// interval, e.g. 1 s"), when OpenQueue is not given a more specific value.
const defaultPollInterval = 1 * time.Second

// queueDDL is the schema for the event queue table, a generalization of
// internal/queue/sqlite_queue.go's alert_queue table: a fixed
// (tripwire_type, rule_name, severity, detail) payload becomes the generic
// (type, data) pair, and delivered/ack tracking is replaced by the
// result/error/events columns spec.md §6 names.
const queueDDL = `
CREATE TABLE IF NOT EXISTS events (
    v      INTEGER PRIMARY KEY,
    type   TEXT    NOT NULL,
    ts     INTEGER NOT NULL,
    data   JSON,
    result JSON,
    error  JSON,
    events JSON
);
`

// Queue is the SQLite-backed realization of spec.md §4.1's Event Queue
// (C1). It is safe for concurrent use.
type Queue struct {
	db           *DB
	pollInterval time.Duration

	latest atomic.Int64

	mu   sync.Mutex
	wake chan struct{}
}

// OpenQueue opens (or creates) the queue table on db and seeds the cached
// latest-version counter from the highest existing row, so LatestVersion is
// accurate immediately after a restart. pollInterval governs how often a
// blocking GetNext re-checks the table for a row written by another
// process; a zero value falls back to defaultPollInterval.
func OpenQueue(ctx context.Context, db *DB, pollInterval time.Duration) (*Queue, error) {
	if err := db.Exec(ctx, queueDDL); err != nil {
		return nil, fmt.Errorf("sqlitedb: apply queue schema: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	q := &Queue{db: db, pollInterval: pollInterval, wake: make(chan struct{})}

	var maxV sql.NullInt64
	if err := db.QueryRow(ctx, `SELECT MAX(v) FROM events`).Scan(&maxV); err != nil {
		return nil, fmt.Errorf("sqlitedb: seed latest version: %w", err)
	}
	q.latest.Store(maxV.Int64)

	return q, nil
}

// Add appends a new event, assigning it the next strictly-increasing
// version atomically. typ must be non-empty.
func (q *Queue) Add(ctx context.Context, typ string, data json.RawMessage, ts int64) (*event.Event, error) {
	if typ == "" {
		return nil, fmt.Errorf("sqlitedb: add: %w: type must be non-empty", ErrInvalidEvent)
	}

	var ev *event.Event
	err := q.db.WithTransaction(ctx, func(tx *Tx) error {
		var maxV sql.NullInt64
		if err := tx.QueryRow(ctx, `SELECT MAX(v) FROM events`).Scan(&maxV); err != nil {
			return err
		}
		v := maxV.Int64 + 1

		if err := tx.Exec(ctx,
			`INSERT INTO events (v, type, ts, data) VALUES (?, ?, ?, ?)`,
			v, typ, ts, nullIfEmpty(data),
		); err != nil {
			return err
		}

		ev = &event.Event{V: v, Type: typ, Data: data, TS: ts}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: add: %w", err)
	}

	q.latest.Store(ev.V)
	q.mu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()

	return ev, nil
}

// Get returns the event at version v, or nil if no such version exists.
func (q *Queue) Get(ctx context.Context, v int64) (*event.Event, error) {
	row := q.db.QueryRow(ctx, selectColumns+` WHERE v = ?`, v)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: get(%d): %w", v, err)
	}
	return ev, nil
}

// GetNext returns the first event with v > afterV. If noBlock is true and no
// such event exists yet, it returns (nil, nil) immediately. Otherwise it
// suspends, re-polling at pollInterval and waking immediately on a local
// Add, until either such an event appears or ctx is cancelled.
func (q *Queue) GetNext(ctx context.Context, afterV int64, noBlock bool) (*event.Event, error) {
	for {
		row := q.db.QueryRow(ctx, selectColumns+` WHERE v > ? ORDER BY v LIMIT 1`, afterV)
		ev, err := scanEvent(row)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("sqlitedb: getNext(%d): %w", afterV, err)
		}
		if err == nil {
			return ev, nil
		}
		if noBlock {
			return nil, nil
		}

		q.mu.Lock()
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-time.After(q.pollInterval):
		}
	}
}

// Set upserts the full row for ev — used by the pipeline runner to persist
// a processing outcome (Result/Error/Events) back onto the queue row after
// each attempt. FailedResult is not persisted: the table has no column for
// it.
func (q *Queue) Set(ctx context.Context, ev *event.Event) error {
	result, err := json.Marshal(ev.Result)
	if err != nil {
		return fmt.Errorf("sqlitedb: set(%d): marshal result: %w", ev.V, err)
	}
	errs, err := json.Marshal(ev.Error)
	if err != nil {
		return fmt.Errorf("sqlitedb: set(%d): marshal error: %w", ev.V, err)
	}
	subs, err := json.Marshal(ev.Events)
	if err != nil {
		return fmt.Errorf("sqlitedb: set(%d): marshal events: %w", ev.V, err)
	}

	err = q.db.Exec(ctx,
		`INSERT INTO events (v, type, ts, data, result, error, events)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(v) DO UPDATE SET
		     type = excluded.type, ts = excluded.ts, data = excluded.data,
		     result = excluded.result, error = excluded.error, events = excluded.events`,
		ev.V, ev.Type, ev.TS, nullIfEmpty(ev.Data), nullIfEmpty(result), nullIfEmpty(errs), nullIfEmpty(subs),
	)
	if err != nil {
		return fmt.Errorf("sqlitedb: set(%d): %w", ev.V, err)
	}
	return nil
}

// LatestVersion returns the highest enqueued version (not necessarily
// processed). It reads from an atomic counter updated by Add, so it never
// blocks on the store.
func (q *Queue) LatestVersion(ctx context.Context) (int64, error) {
	return q.latest.Load(), nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Reset closes and marks the queue's underlying connection for lazy reopen,
// mirroring DB.Reset — used by the polling loop's backoff-driven handle
// recycling when the queue lives on its own file.
func (q *Queue) Reset() error {
	return q.db.Reset()
}

// ErrInvalidEvent is returned by Add when typ is empty.
var ErrInvalidEvent = errInvalidEvent{}

type errInvalidEvent struct{}

func (errInvalidEvent) Error() string { return "invalid event" }

const selectColumns = `SELECT v, type, ts, data, result, error, events FROM events`

func scanEvent(row interface {
	Scan(dest ...any) error
}) (*event.Event, error) {
	var (
		ev           event.Event
		data         sql.NullString
		result       sql.NullString
		errs         sql.NullString
		subs         sql.NullString
	)
	if err := row.Scan(&ev.V, &ev.Type, &ev.TS, &data, &result, &errs, &subs); err != nil {
		return nil, err
	}
	if data.Valid {
		ev.Data = json.RawMessage(data.String)
	}
	if result.Valid && result.String != "" && result.String != "null" {
		if err := json.Unmarshal([]byte(result.String), &ev.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if errs.Valid && errs.String != "" && errs.String != "null" {
		if err := json.Unmarshal([]byte(errs.String), &ev.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if subs.Valid && subs.String != "" && subs.String != "null" {
		if err := json.Unmarshal([]byte(subs.String), &ev.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events: %w", err)
		}
	}
	return &ev, nil
}

func nullIfEmpty(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return string(b)
}
