package engine

import (
	"github.com/roach88/mutesync/internal/ir"
)

// handleLocal stamps a local edit with (siteID, clock), applies it and
// publishes it. Local operations are never buffered.
func (e *Engine) handleLocal(op ir.Operation) {
	// Our own operations may have come back through a snapshot or a reply
	// (restart under the same site id); never reuse a stamp.
	if last, ok := e.vector.Get(e.siteID); ok {
		e.clock.RaiseTo(last + 1)
	}

	rich := ir.NewRichOperation(e.siteID, e.clock.Peek(), op)

	if e.opLogger != nil {
		if rec, ok := ir.NewLocalOperationLog(rich, e.vector); ok {
			e.emit(func() { e.opLogger.LogLocal(rec) })
		}
	}

	e.updateState(rich)
	e.clock.Advance()
	e.metrics.LocalOps.Add(1)

	e.emit(func() { e.out.LocalOperation(rich) })
	e.emitState()
}

// handleRemote runs causal delivery over a batch received directly from
// the network. State is published even when nothing was applied.
func (e *Engine) handleRemote(ops []ir.RichOperation) {
	if e.opLogger != nil {
		for _, op := range ops {
			if rec, ok := ir.NewRemoteOperationLog(e.siteID, op, e.vector); ok {
				e.emit(func() { e.opLogger.LogRemote(rec) })
			}
		}
	}

	e.emitApplied(e.deliver(ops, nil))
	e.emitState()
}

// deliver applies each operation whose predecessor is present, parks the
// rest and discards duplicates. Applied payloads are appended to applied in
// delivery order; a parked successor chain is released right after the
// operation that unblocks it.
func (e *Engine) deliver(ops []ir.RichOperation, applied []ir.Operation) []ir.Operation {
	for _, op := range ops {
		switch {
		case e.vector.IsAlreadyDelivered(op.SiteID, op.Clock):
			e.metrics.Duplicates.Add(1)
			e.logger.Debug("operation already delivered", "from", op.SiteID, "clock", op.Clock)

		case e.vector.IsDeliverable(op.SiteID, op.Clock):
			applied = e.applyChain(op, applied)

		default:
			if e.pending.park(op) {
				e.logger.Debug("operation buffered",
					"from", op.SiteID,
					"clock", op.Clock,
					"waiting_for", op.Clock-1,
				)
			} else {
				e.metrics.Duplicates.Add(1)
			}
		}
	}
	e.metrics.Buffered.Set(float64(e.pending.len()))
	return applied
}

// applyChain applies op, then every parked successor from the same origin.
func (e *Engine) applyChain(op ir.RichOperation, applied []ir.Operation) []ir.Operation {
	for {
		e.updateState(op)
		e.metrics.Applied.Add(1)
		applied = append(applied, op.Op)

		next, ok := e.pending.take(op.SiteID, op.Clock+1)
		if !ok {
			return applied
		}
		e.logger.Debug("buffered operation released", "from", next.SiteID, "clock", next.Clock)
		op = next
	}
}

// releaseReady drops parked operations the vector already covers and
// applies any parked chain that has become deliverable. Used after the
// vector is replaced wholesale by a snapshot.
func (e *Engine) releaseReady(applied []ir.Operation) []ir.Operation {
	if dropped := e.pending.prune(e.vector); dropped > 0 {
		e.metrics.Duplicates.Add(float64(dropped))
	}
	for _, site := range e.pending.sites() {
		next := 0
		if last, ok := e.vector.Get(site); ok {
			next = last + 1
		}
		if op, ok := e.pending.take(site, next); ok {
			applied = e.applyChain(op, applied)
		}
	}
	e.metrics.Buffered.Set(float64(e.pending.len()))
	return applied
}

// updateState appends op to the log and advances the vector.
//
// Panics with *ir.InvariantError if op is not the next operation expected
// from its origin.
func (e *Engine) updateState(op ir.RichOperation) {
	if !e.vector.IsDeliverable(op.SiteID, op.Clock) {
		panic(ir.NewNotDeliverableError(op.SiteID, op.Clock))
	}
	e.vector.Set(op.SiteID, op.Clock)
	e.log.append(op)
}

func (e *Engine) emitApplied(applied []ir.Operation) {
	if len(applied) == 0 {
		return
	}
	e.emit(func() { e.out.Applied(applied) })
}

func (e *Engine) emitState() {
	state := e.stateLocked()
	e.emit(func() { e.out.StateChanged(state) })
}
