// Package event defines the record type that flows through the event-sourced
// engine: a durable, strictly-ordered fact with an assigned version, an
// opaque JSON payload, and — once processed — either a per-model result map
// or a phase-tagged error map.
package event

import "encoding/json"

// MetadataModel is the reserved model name. No user model may register
// under this name, and no Result/FailedResult key may use it for anything
// other than engine-internal bookkeeping.
const MetadataModel = "metadata"

// Event is one entry in the queue. V is assigned at enqueue time and is
// strictly increasing and gap-free starting at 1. Sub-events (entries of
// Events) are never independently numbered: the pipeline stamps in the
// parent's version only for the duration of processing that one sub-event
// (so a Deriver can still see it), then clears it back to zero before the
// sub-event is stored into the parent's Events slice — omitempty then drops
// it from the persisted record entirely.
type Event struct {
	V    int64           `json:"v,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	TS   int64           `json:"ts,omitempty"`

	// Result holds {modelName: changes} for every model whose reducer ran
	// without error. Present (possibly empty) only after a successful
	// processing attempt; absent before processing and absent (replaced by
	// FailedResult) after a failed one.
	Result map[string]json.RawMessage `json:"result,omitempty"`

	// Error holds {phase-tagged-key: message} and is present iff this
	// processing attempt failed. A non-nil Error means the version was not
	// advanced for this event.
	Error map[string]string `json:"error,omitempty"`

	// FailedResult is the Result snapshot captured at the moment an
	// apply/derive failure forced a rollback. It is never set together with
	// a non-nil Result.
	FailedResult map[string]json.RawMessage `json:"failedResult,omitempty"`

	// Events is the ordered list of sub-events appended by preprocessors,
	// reducers, or derivers while processing this event. Each sub-event is
	// processed in order, inside the same transaction, sharing this
	// event's V.
	Events []*Event `json:"events,omitempty"`
}

// Failed reports whether this event's most recent processing attempt ended
// in error.
func (e *Event) Failed() bool {
	return e != nil && len(e.Error) > 0
}

// Clone returns a deep-enough copy of e suitable for handing to a pipeline
// run: Data is shared (immutable once marshalled), but Result/Error/
// FailedResult/Events are all cleared, matching the polling loop's
// "clear event.error, event.result" step before each (re)processing attempt.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	return &Event{
		V:    e.V,
		Type: e.Type,
		Data: e.Data,
		TS:   e.TS,
	}
}
