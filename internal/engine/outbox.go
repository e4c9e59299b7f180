package engine

import (
	"context"

	"github.com/roach88/mutesync/internal/ir"
)

// Outbox receives everything the engine publishes.
//
// Calls are made from the goroutine processing events (the Run loop, or
// the caller of Drain), one at a time and never after Dispose. Values are
// immutable snapshots; implementations must not modify them.
type Outbox interface {
	// LocalOperation is an operation to broadcast to peers: a fresh local
	// edit or a re-emission answering a reply interval.
	LocalOperation(op ir.RichOperation)

	// Applied is a batch of remote operations for the document layer,
	// in per-origin clock order.
	Applied(ops []ir.Operation)

	// QuerySync is a vector to broadcast as a reconciliation request.
	QuerySync(vector ir.StateVector)

	// ReplySync answers the query received from site to.
	ReplySync(to int, reply ir.ReplySync)

	// StateChanged carries the state after a mutation.
	StateChanged(state ir.State)
}

// OutboxFuncs adapts plain functions to Outbox. Nil fields are no-ops.
type OutboxFuncs struct {
	OnLocalOperation func(op ir.RichOperation)
	OnApplied        func(ops []ir.Operation)
	OnQuerySync      func(vector ir.StateVector)
	OnReplySync      func(to int, reply ir.ReplySync)
	OnStateChanged   func(state ir.State)
}

func (f OutboxFuncs) LocalOperation(op ir.RichOperation) {
	if f.OnLocalOperation != nil {
		f.OnLocalOperation(op)
	}
}

func (f OutboxFuncs) Applied(ops []ir.Operation) {
	if f.OnApplied != nil {
		f.OnApplied(ops)
	}
}

func (f OutboxFuncs) QuerySync(vector ir.StateVector) {
	if f.OnQuerySync != nil {
		f.OnQuerySync(vector)
	}
}

func (f OutboxFuncs) ReplySync(to int, reply ir.ReplySync) {
	if f.OnReplySync != nil {
		f.OnReplySync(to, reply)
	}
}

func (f OutboxFuncs) StateChanged(state ir.State) {
	if f.OnStateChanged != nil {
		f.OnStateChanged(state)
	}
}

// OperationLogger receives editing-session analytics records.
type OperationLogger interface {
	LogLocal(rec ir.LocalOperationLog)
	LogRemote(rec ir.RemoteOperationLog)
}

// SnapshotSource supplies the state a replica bootstraps from.
//
// LoadState returns ok=false when nothing was persisted yet.
type SnapshotSource interface {
	LoadState(ctx context.Context) (state ir.State, ok bool, err error)
}
