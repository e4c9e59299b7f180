package engine

import "github.com/roach88/mutesync/internal/ir"

// history is the append-only operation log.
//
// entries is never overwritten in place: reset swaps in a fresh slice, so a
// capped sub-slice handed out by snapshot stays valid for its holder.
// bySite maps site -> clock -> position in entries. Causal delivery means a
// site's clocks arrive as 0, 1, 2, ... so the position list is indexed by
// clock directly.
type history struct {
	entries []ir.RichOperation
	bySite  map[int][]int
}

func newHistory() *history {
	return &history{bySite: make(map[int][]int)}
}

// append records op. The caller has already checked deliverability.
func (h *history) append(op ir.RichOperation) {
	h.bySite[op.SiteID] = append(h.bySite[op.SiteID], len(h.entries))
	h.entries = append(h.entries, op)
}

func (h *history) reset() {
	h.entries = nil
	h.bySite = make(map[int][]int)
}

func (h *history) len() int {
	return len(h.entries)
}

// snapshot returns the entries as a slice the caller may keep.
func (h *history) snapshot() []ir.RichOperation {
	n := len(h.entries)
	return h.entries[:n:n]
}

// missing returns entries not covered by peer, in log order.
func (h *history) missing(peer ir.StateVector) []ir.RichOperation {
	out := make([]ir.RichOperation, 0)
	for _, op := range h.entries {
		if !peer.IsAlreadyDelivered(op.SiteID, op.Clock) {
			out = append(out, op)
		}
	}
	return out
}

// within returns the entries of iv.SiteID whose clock lies in [Begin, End].
func (h *history) within(iv ir.Interval) []ir.RichOperation {
	positions := h.bySite[iv.SiteID]
	begin := max(iv.Begin, 0)
	end := min(iv.End, len(positions)-1)
	if begin > end {
		return nil
	}
	out := make([]ir.RichOperation, 0, end-begin+1)
	for _, pos := range positions[begin : end+1] {
		out = append(out, h.entries[pos])
	}
	return out
}
