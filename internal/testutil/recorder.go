package testutil

import (
	"sync"

	"github.com/roach88/mutesync/internal/ir"
)

// EmissionKind identifies which outbox method produced an Emission.
type EmissionKind string

const (
	EmitLocal   EmissionKind = "local"
	EmitApplied EmissionKind = "applied"
	EmitQuery   EmissionKind = "query"
	EmitReply   EmissionKind = "reply"
	EmitState   EmissionKind = "state"
)

// Emission is one recorded outbox call. Only the fields matching Kind are
// set.
type Emission struct {
	Kind    EmissionKind
	Local   ir.RichOperation
	Applied []ir.Operation
	Vector  ir.StateVector
	To      int
	Reply   ir.ReplySync
	State   ir.State
}

// Recorder is an outbox that records every call in order.
//
// Thread-safe: the engine calls it from its processing goroutine while
// tests read from the test goroutine.
type Recorder struct {
	mu        sync.Mutex
	emissions []Emission
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(e Emission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions = append(r.emissions, e)
}

func (r *Recorder) LocalOperation(op ir.RichOperation) {
	r.record(Emission{Kind: EmitLocal, Local: op})
}

func (r *Recorder) Applied(ops []ir.Operation) {
	r.record(Emission{Kind: EmitApplied, Applied: ops})
}

func (r *Recorder) QuerySync(vector ir.StateVector) {
	r.record(Emission{Kind: EmitQuery, Vector: vector})
}

func (r *Recorder) ReplySync(to int, reply ir.ReplySync) {
	r.record(Emission{Kind: EmitReply, To: to, Reply: reply})
}

func (r *Recorder) StateChanged(state ir.State) {
	r.record(Emission{Kind: EmitState, State: state})
}

// All returns a copy of every emission so far.
func (r *Recorder) All() []Emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Emission, len(r.emissions))
	copy(out, r.emissions)
	return out
}

// Kinds returns the kind of every emission, in order.
func (r *Recorder) Kinds() []EmissionKind {
	all := r.All()
	out := make([]EmissionKind, len(all))
	for i, e := range all {
		out[i] = e.Kind
	}
	return out
}

// Of returns the emissions of one kind, in order.
func (r *Recorder) Of(kind EmissionKind) []Emission {
	var out []Emission
	for _, e := range r.All() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// AppliedOperations flattens every Applied batch into one slice.
func (r *Recorder) AppliedOperations() []ir.Operation {
	var out []ir.Operation
	for _, e := range r.Of(EmitApplied) {
		out = append(out, e.Applied...)
	}
	return out
}

// Len returns the number of emissions.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.emissions)
}

// Reset discards every recorded emission.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions = nil
}
