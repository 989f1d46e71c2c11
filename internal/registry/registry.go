// Package registry implements spec.md §4.2's Model Registry (C2): it takes
// the map of Registrations an engine is constructed with and splits them
// into the three fixed lists the pipeline drives — ordered preprocessors,
// unordered reducers, unordered derivers — rejecting duplicate or reserved
// names up front.
package registry

import (
	"fmt"

	"github.com/stratodb/stratodb/internal/event"
	"github.com/stratodb/stratodb/internal/model"
)

// namedPreprocessor pairs a preprocessor with the model name it belongs to,
// so pipeline error keys (_preprocess_<name>) can be built without a second
// lookup.
type namedPreprocessor struct {
	name string
	fn   model.Preprocessor
}

type namedReducer struct {
	name string
	fn   model.Reducer
}

type namedApply struct {
	name string
	fn   model.ApplyChanges
}

type namedDeriver struct {
	name string
	fn   model.Deriver
}

// Registry holds the three capability lists plus every registered model's
// optional Writable hook.
type Registry struct {
	Preprocessors []namedPreprocessor
	Reducers      []namedReducer
	Appliers      map[string]namedApply // keyed by model name for O(1) lookup during apply
	Derivers      []namedDeriver

	writables []model.Writable
}

// New validates regs (in the order given, which becomes preprocessor order)
// and builds a Registry. It fails if any name is empty, "metadata", a
// duplicate, or if a registration declares none of
// {Preprocessor, Reducer, Deriver}.
func New(regs []model.Registration) (*Registry, error) {
	r := &Registry{Appliers: make(map[string]namedApply)}

	seen := make(map[string]bool, len(regs))
	for _, reg := range regs {
		if reg.Name == "" {
			return nil, fmt.Errorf("registry: model name must not be empty")
		}
		if reg.Name == event.MetadataModel {
			return nil, fmt.Errorf("registry: model name %q is reserved", event.MetadataModel)
		}
		if seen[reg.Name] {
			return nil, fmt.Errorf("registry: duplicate model name %q", reg.Name)
		}
		seen[reg.Name] = true

		if reg.Preprocessor == nil && reg.Reducer == nil && reg.Deriver == nil {
			return nil, fmt.Errorf("registry: model %q declares no preprocessor, reducer, or deriver", reg.Name)
		}

		if reg.Preprocessor != nil {
			r.Preprocessors = append(r.Preprocessors, namedPreprocessor{reg.Name, reg.Preprocessor})
		}
		if reg.Reducer != nil {
			r.Reducers = append(r.Reducers, namedReducer{reg.Name, reg.Reducer})
		}
		if reg.ApplyChanges != nil {
			r.Appliers[reg.Name] = namedApply{reg.Name, reg.ApplyChanges}
		}
		if reg.Deriver != nil {
			r.Derivers = append(r.Derivers, namedDeriver{reg.Name, reg.Deriver})
		}
		if w, ok := reg.Instance.(model.Writable); ok {
			r.writables = append(r.writables, w)
		}
	}

	return r, nil
}

// SetWritable toggles every registered model's optional Writable hook. The
// pipeline calls this with true at the start of the apply phase and false
// once that phase returns, so any write attempted outside that window by a
// model that honors Writable fails.
func (r *Registry) SetWritable(w bool) {
	for _, writable := range r.writables {
		writable.SetWritable(w)
	}
}

// PreprocessorAt returns preprocessor i together with its model name, for
// error-key construction. It does not run the preprocessor.
func (r *Registry) PreprocessorAt(i int) (name string, fn model.Preprocessor) {
	p := r.Preprocessors[i]
	return p.name, p.fn
}

// NumPreprocessors returns how many preprocessors are registered.
func (r *Registry) NumPreprocessors() int { return len(r.Preprocessors) }

// EachReducer calls fn once per registered reducer, with its model name.
func (r *Registry) EachReducer(fn func(name string, reducer model.Reducer)) {
	for _, red := range r.Reducers {
		fn(red.name, red.fn)
	}
}

// Apply looks up the ApplyChanges handler for model name, if any.
func (r *Registry) Apply(name string) (model.ApplyChanges, bool) {
	a, ok := r.Appliers[name]
	return a.fn, ok
}

// EachDeriver calls fn once per registered deriver, with its model name.
func (r *Registry) EachDeriver(fn func(name string, deriver model.Deriver)) {
	for _, d := range r.Derivers {
		fn(d.name, d.fn)
	}
}
