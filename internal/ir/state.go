package ir

import "slices"

// State is an immutable snapshot of a replica's applied history.
//
// Log holds every applied operation in application order; Vector is the
// frontier it produces. A State is produced for persistence and consumed to
// bootstrap a joining replica without replaying the network.
type State struct {
	Vector StateVector     `json:"vector"`
	Log    []RichOperation `json:"log"`
}

// NewState copies vector and log into a snapshot.
func NewState(vector StateVector, log []RichOperation) State {
	return State{
		Vector: vector.Clone(),
		Log:    slices.Clone(log),
	}
}

// Clone returns an independent copy, including payload bytes.
func (s State) Clone() State {
	log := make([]RichOperation, len(s.Log))
	for i, op := range s.Log {
		log[i] = RichOperation{SiteID: op.SiteID, Clock: op.Clock, Op: op.Op.Clone()}
	}
	return State{Vector: s.Vector.Clone(), Log: log}
}

// Equal reports structural equality of vector and log.
func (s State) Equal(other State) bool {
	if !s.Vector.Equal(other.Vector) {
		return false
	}
	return slices.EqualFunc(s.Log, other.Log, RichOperation.Equal)
}

// Len returns the number of logged operations.
func (s State) Len() int {
	return len(s.Log)
}

// sortByDot orders operations by site, then clock.
func sortByDot(ops []RichOperation) {
	slices.SortFunc(ops, func(a, b RichOperation) int {
		if a.SiteID != b.SiteID {
			return a.SiteID - b.SiteID
		}
		return a.Clock - b.Clock
	})
}
