package engine

import (
	"github.com/roach88/mutesync/internal/ir"
)

// handleQuery answers a peer's vector with the operations it lacks and the
// intervals we lack relative to it.
func (e *Engine) handleQuery(q ir.QuerySync) {
	reply := ir.ReplySync{
		Operations: e.log.missing(q.Vector),
		Intervals:  e.missingIntervals(q.Vector),
	}

	e.metrics.Replies.Add(1)
	e.logger.Debug("answering sync query",
		"to", q.From,
		"operations", len(reply.Operations),
		"intervals", len(reply.Intervals),
	)

	e.emit(func() { e.out.ReplySync(q.From, reply) })
}

// missingIntervals lists, in ascending site order, the clock ranges the
// peer claims to have and the local replica does not.
func (e *Engine) missingIntervals(peer ir.StateVector) []ir.Interval {
	out := make([]ir.Interval, 0)
	peer.ForEach(func(id, clock int) {
		local, ok := e.vector.Get(id)
		switch {
		case !ok:
			out = append(out, ir.Interval{SiteID: id, Begin: 0, End: clock})
		case local < clock:
			out = append(out, ir.Interval{SiteID: id, Begin: local + 1, End: clock})
		}
	})
	return out
}

// handleReply applies the operations a peer sent, then re-broadcasts the
// local operations falling in each interval the peer asked for.
func (e *Engine) handleReply(r ir.ReplySync) {
	if len(r.Operations) > 0 {
		e.emitApplied(e.deliver(r.Operations, nil))
		e.emitState()
	}

	for _, iv := range r.Intervals {
		for _, op := range e.log.within(iv) {
			e.metrics.Rebroadcasts.Add(1)
			e.emit(func() { e.out.LocalOperation(op) })
		}
	}
}

// emitQuery publishes the current vector as a sync query.
func (e *Engine) emitQuery() {
	vector := e.vector.Clone()
	e.metrics.Queries.Add(1)
	e.logger.Debug("sync query", "sites", vector.Len())
	e.emit(func() { e.out.QuerySync(vector) })
}
