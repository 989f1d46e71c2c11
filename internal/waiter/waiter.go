// Package waiter implements spec.md §4.7's Waiter Set (C7): callers block
// on a target version via Register, and Notify resolves every future whose
// target has now been reached, including versions written by another
// process sharing the same store file (a "sweep" triggered by reread).
package waiter

import (
	"container/list"
	"context"
	"sync"

	"github.com/stratodb/stratodb/internal/event"
)

// Future resolves once its target version has been handled.
type Future struct {
	v      int64
	done   chan struct{}
	once   sync.Once
	result *event.Event
	err    error
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (*event.Event, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(ev *event.Event, err error) {
	f.once.Do(func() {
		f.result, f.err = ev, err
		close(f.done)
	})
}

// entry is the waiter set's internal bookkeeping for one registered future,
// kept in a container/list element so Notify can walk waiters in
// version order and stop early once it passes the notified version.
type entry struct {
	future *Future
}

// Set is a collection of futures waiting on specific versions. It is safe
// for concurrent use.
type Set struct {
	mu      sync.Mutex
	order   *list.List               // ordered by ascending v, oldest first
	byElem  map[*Future]*list.Element
}

// New constructs an empty waiter set.
func New() *Set {
	return &Set{
		order:  list.New(),
		byElem: make(map[*Future]*list.Element),
	}
}

// Register returns a Future that resolves the next time Notify is called
// with a version >= v.
func (s *Set) Register(v int64) *Future {
	f := &Future{v: v, done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Insert in ascending-v order so Notify can stop at the first
	// not-yet-reached entry.
	var elem *list.Element
	for e := s.order.Back(); e != nil; e = e.Prev() {
		if e.Value.(*entry).future.v <= v {
			elem = s.order.InsertAfter(&entry{f}, e)
			break
		}
	}
	if elem == nil {
		elem = s.order.PushFront(&entry{f})
	}
	s.byElem[f] = elem

	return f
}

// Notify resolves every registered future whose target version is <= v with
// ev, and removes them from the set. When reread is true, Notify additionally
// treats v as a floor discovered by re-reading the store (e.g. after the
// polling loop observes a version it didn't itself produce) — the sweep
// behavior is identical either way, since Notify already resolves every
// future up to and including v regardless of who produced it.
func (s *Set) Notify(v int64, ev *event.Event, reread bool) {
	s.mu.Lock()
	var resolved []*Future
	for e := s.order.Front(); e != nil; {
		next := e.Next()
		ent := e.Value.(*entry)
		if ent.future.v > v {
			break
		}
		resolved = append(resolved, ent.future)
		delete(s.byElem, ent.future)
		s.order.Remove(e)
		e = next
	}
	s.mu.Unlock()

	for _, f := range resolved {
		f.resolve(ev, nil)
	}
}

// NotifyError resolves every future waiting on exactly v with err, used when
// the pipeline determined v could not be processed and no further progress
// on it will ever be made. Futures waiting on versions < v are left
// untouched, since they target earlier, already-settled versions and would
// have been resolved already; futures waiting on versions > v remain
// registered since v's failure says nothing about whether later versions
// will succeed.
func (s *Set) NotifyError(v int64, err error) {
	s.mu.Lock()
	var resolved []*Future
	for e := s.order.Front(); e != nil; {
		next := e.Next()
		ent := e.Value.(*entry)
		if ent.future.v == v {
			resolved = append(resolved, ent.future)
			delete(s.byElem, ent.future)
			s.order.Remove(e)
		}
		e = next
	}
	s.mu.Unlock()

	for _, f := range resolved {
		f.resolve(nil, err)
	}
}

// Cancel removes f from the set without resolving it, for callers whose
// context was cancelled before Notify ever reached their target.
func (s *Set) Cancel(f *Future) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.byElem[f]; ok {
		s.order.Remove(elem)
		delete(s.byElem, f)
	}
}

// Len reports how many futures are currently registered, for diagnostics.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
