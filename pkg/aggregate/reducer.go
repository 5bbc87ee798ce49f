// Package aggregate derives entity state from the event log: a pure
// Reducer folds events onto a default state and the Engine keeps the
// result in a snapshot cache so later calls only read newer events.
package aggregate

import "github.com/plaenen/evstore/pkg/store"

// Reducer is the pure, per-entity part of an aggregation.
//
// T is the state and must survive a JSON round trip, since snapshots are
// cached as JSON. E is the entity's event variant type (see
// domain.EventSet). A holds the caller's query arguments.
type Reducer[T, E, A any] interface {
	// Default returns the state of an empty history.
	Default() T

	// Apply folds one event onto state. It must not fail; variants the
	// entity does not care about return state unchanged.
	Apply(state T, event E) T

	// Query maps arguments to the log query selecting the entity's events.
	// Equal arguments must yield queries with equal UniqueID.
	Query(args A) store.Query
}

// Funcs adapts three functions to a Reducer.
type Funcs[T, E, A any] struct {
	DefaultFunc func() T
	ApplyFunc   func(T, E) T
	QueryFunc   func(A) store.Query
}

// Default implements Reducer. A nil DefaultFunc yields the zero value.
func (f Funcs[T, E, A]) Default() T {
	if f.DefaultFunc == nil {
		var zero T
		return zero
	}
	return f.DefaultFunc()
}

// Apply implements Reducer.
func (f Funcs[T, E, A]) Apply(state T, event E) T {
	return f.ApplyFunc(state, event)
}

// Query implements Reducer.
func (f Funcs[T, E, A]) Query(args A) store.Query {
	return f.QueryFunc(args)
}
