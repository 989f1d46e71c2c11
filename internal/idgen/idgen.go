// Package idgen generates correlation identifiers for dispatched events.
// A dispatch's final version isn't known until the queue assigns it, so the
// log lines of one dispatch call are tied together by this ID instead.
package idgen

import "github.com/google/uuid"

// New returns a fresh correlation ID.
func New() string {
	return uuid.New().String()
}
