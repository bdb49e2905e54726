// Package graph provides the core graph execution engine for DashFlow.
package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Cloner is an optional capability a state type S may implement to control
// how the engine produces the per-branch copy handed to each node in a
// parallel frontier. When S does not implement Cloner, the engine falls back to a
// JSON round-trip deep clone, which is sufficient for the common case of
// exported-field struct state and mirrors the JSON-based serialization
// already used for checkpointing.
type Cloner[S any] interface {
	Clone() S
}

// Merger is the capability a state type S must implement (or supply via
// CompileWithMerge) before a topology with parallel fan-out edges can be
// compiled. Merge combines two post-branch states into one and must be
// commutative and associative up to the application's own notion of
// equivalence; the engine reduces a parallel frontier's results
// left-to-right in a fixed, deterministic order (see ComputeOrderKey) so
// that non-associative merges still behave reproducibly across replays,
// even though the engine cannot itself detect violations of the
// commutativity/associativity contract.
type Merger[S any] interface {
	Merge(other S) S
}

// MergeFunc is the function-shaped form of Merger, usable with
// CompileWithMerge when the state type S cannot or should not implement
// the Merger interface directly (e.g. a third-party type, or a primitive).
type MergeFunc[S any] func(self, other S) S

// cloneState produces a deep copy of state for handing to a concurrently
// executing branch. It prefers the Cloner capability and falls back to a
// JSON marshal/unmarshal round trip.
func cloneState[S any](state S) (S, error) {
	if c, ok := any(state).(Cloner[S]); ok {
		return c.Clone(), nil
	}
	var zero S
	buf, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("clone state: marshal: %w", err)
	}
	var out S
	if err := json.Unmarshal(buf, &out); err != nil {
		return zero, fmt.Errorf("clone state: unmarshal: %w", err)
	}
	return out, nil
}

// serializeState produces the self-describing binary form used for
// checkpoint persistence and wire transport. Round-tripping through
// deserializeState must preserve equality, but byte-identical output
// across equal values is not required.
func serializeState[S any](state S) ([]byte, error) {
	return json.Marshal(state)
}

// deserializeState inverts serializeState.
func deserializeState[S any](data []byte) (S, error) {
	var out S
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("deserialize state: %w", err)
	}
	return out, nil
}

// stateSupportsMerge reports whether S advertises a merge capability via
// the Merger interface. It is used by Compile to enforce the
// parallel-requires-merge structural rule without requiring the caller to
// construct a value first.
func stateSupportsMerge[S any]() bool {
	var zero S
	t := reflect.TypeOf(&zero).Elem()
	merger := reflect.TypeOf((*Merger[S])(nil)).Elem()
	return t.Implements(merger) || reflect.PointerTo(t).Implements(merger)
}

// reduceMerge folds a slice of branch states into one.
//
// Resolution order, per element after the first:
//  1. fn, if the caller supplied one via CompileWithMerge, wins.
//  2. Otherwise, if the state type implements Merger[S], its Merge method
//     is used.
//  3. Otherwise defaultMerge's field-by-field policy applies.
//
// Reduction proceeds left-to-right over states ordered by their
// deterministic OrderKey (see ComputeOrderKey), not by branch completion
// order: step sorts results by OrderKey before calling reduceMerge, so
// replaying the same frontier always performs the merge in the same
// sequence even though the branches themselves ran concurrently and may
// have finished in a different order on any given run.
func reduceMerge[S any](states []S, fn MergeFunc[S]) S {
	acc := states[0]
	for _, s := range states[1:] {
		switch {
		case fn != nil:
			acc = fn(acc, s)
		default:
			if m, ok := any(acc).(Merger[S]); ok {
				acc = m.Merge(s)
			} else if m, ok := any(&acc).(Merger[S]); ok {
				acc = m.Merge(s)
			} else {
				acc = defaultMerge(acc, s)
			}
		}
	}
	return acc
}

// defaultMerge implements the default derive policy for state types that
// declare parallel fan-out via CompileWithMerge without
// supplying an explicit MergeFunc and without implementing Merger
// themselves: collections extend, optional (pointer) fields prefer
// non-nil ("Some"), numeric fields take the max, strings concatenate with
// a newline separator, and any other field keeps the left-hand ("self")
// value. Unexported fields are left untouched.
func defaultMerge[S any](self, other S) S {
	out := self
	rv := reflect.ValueOf(&out).Elem()
	ov := reflect.ValueOf(other)
	if rv.Kind() != reflect.Struct {
		return self
	}
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		if !field.CanSet() {
			continue
		}
		mergeField(field, ov.Field(i))
	}
	return out
}

func mergeField(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.Slice:
		if src.IsNil() {
			return
		}
		dst.Set(reflect.AppendSlice(dst, src))
	case reflect.Map:
		if src.IsNil() {
			return
		}
		if dst.IsNil() {
			dst.Set(reflect.MakeMap(dst.Type()))
		}
		iter := src.MapRange()
		for iter.Next() {
			dst.SetMapIndex(iter.Key(), iter.Value())
		}
	case reflect.Ptr, reflect.Interface:
		if dst.IsNil() && !src.IsNil() {
			dst.Set(src)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if src.Int() > dst.Int() {
			dst.Set(src)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if src.Uint() > dst.Uint() {
			dst.Set(src)
		}
	case reflect.Float32, reflect.Float64:
		if src.Float() > dst.Float() {
			dst.Set(src)
		}
	case reflect.String:
		if src.String() == "" {
			return
		}
		if dst.String() == "" {
			dst.SetString(src.String())
		} else {
			dst.SetString(dst.String() + "\n" + src.String())
		}
	default:
		// Struct, bool, and anything else: keep self.
	}
}
