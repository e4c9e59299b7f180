package ir

import (
	"encoding/json"
	"maps"
	"slices"
)

// StateVector tracks, per origin site, the highest contiguously delivered
// clock. An absent entry means nothing from that site has been delivered.
//
// Entries never decrease over the vector's lifetime; Clear is the only way
// to drop them. The zero value is ready to use. StateVector has no locking
// of its own.
type StateVector struct {
	m map[int]int
}

// NewStateVector returns an empty vector.
func NewStateVector() StateVector {
	return StateVector{m: make(map[int]int)}
}

// StateVectorFrom copies entries into a new vector.
func StateVectorFrom(entries map[int]int) StateVector {
	v := StateVector{m: make(map[int]int, len(entries))}
	for id, clock := range entries {
		v.m[id] = clock
	}
	return v
}

// Get returns the last delivered clock for id.
func (v StateVector) Get(id int) (int, bool) {
	clock, ok := v.m[id]
	return clock, ok
}

// Set records clock as delivered for id.
//
// Panics with *InvariantError if clock is lower than the current entry.
func (v *StateVector) Set(id, clock int) {
	if v.m == nil {
		v.m = make(map[int]int)
	}
	if current, ok := v.m[id]; ok && clock < current {
		panic(NewRollbackError(id, current, clock))
	}
	v.m[id] = clock
}

// IsAlreadyDelivered reports whether (id, clock) is covered by the vector.
func (v StateVector) IsAlreadyDelivered(id, clock int) bool {
	last, ok := v.m[id]
	return ok && clock <= last
}

// IsDeliverable reports whether clock is exactly the next one expected
// from id: 0 when no entry exists, last+1 otherwise.
func (v StateVector) IsDeliverable(id, clock int) bool {
	last, ok := v.m[id]
	if !ok {
		return clock == 0
	}
	return clock == last+1
}

// Clear drops every entry.
func (v *StateVector) Clear() {
	clear(v.m)
}

// Len returns the number of sites tracked.
func (v StateVector) Len() int {
	return len(v.m)
}

// Sites returns tracked site ids in ascending order.
func (v StateVector) Sites() []int {
	return slices.Sorted(maps.Keys(v.m))
}

// ForEach visits entries in ascending site order.
func (v StateVector) ForEach(fn func(id, clock int)) {
	for _, id := range v.Sites() {
		fn(id, v.m[id])
	}
}

// AsMap returns a copy of the entries.
func (v StateVector) AsMap() map[int]int {
	out := make(map[int]int, len(v.m))
	for id, clock := range v.m {
		out[id] = clock
	}
	return out
}

// Clone returns an independent copy.
func (v StateVector) Clone() StateVector {
	return StateVector{m: v.AsMap()}
}

// Equal reports whether both vectors hold the same entries.
func (v StateVector) Equal(other StateVector) bool {
	return maps.Equal(v.m, other.m)
}

// MarshalJSON encodes the vector as an object keyed by decimal site id.
func (v StateVector) MarshalJSON() ([]byte, error) {
	if v.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v.m)
}

// UnmarshalJSON decodes an object keyed by decimal site id.
func (v *StateVector) UnmarshalJSON(data []byte) error {
	m := make(map[int]int)
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	v.m = m
	return nil
}
