package engine

import (
	"maps"
	"slices"

	"github.com/roach88/mutesync/internal/ir"
)

// pendingTable parks remote operations that arrived ahead of their
// same-origin predecessor, keyed by (site, clock). A parked operation is
// released by direct lookup once clock-1 from that site is applied.
type pendingTable struct {
	bySite map[int]map[int]ir.RichOperation
	n      int
}

func newPendingTable() *pendingTable {
	return &pendingTable{bySite: make(map[int]map[int]ir.RichOperation)}
}

// park stores op. Returns false if (site, clock) was already parked; the
// duplicate is dropped.
func (p *pendingTable) park(op ir.RichOperation) bool {
	clocks, ok := p.bySite[op.SiteID]
	if !ok {
		clocks = make(map[int]ir.RichOperation)
		p.bySite[op.SiteID] = clocks
	}
	if _, dup := clocks[op.Clock]; dup {
		return false
	}
	clocks[op.Clock] = op
	p.n++
	return true
}

// take removes and returns the operation parked at (site, clock).
func (p *pendingTable) take(site, clock int) (ir.RichOperation, bool) {
	clocks, ok := p.bySite[site]
	if !ok {
		return ir.RichOperation{}, false
	}
	op, ok := clocks[clock]
	if !ok {
		return ir.RichOperation{}, false
	}
	delete(clocks, clock)
	if len(clocks) == 0 {
		delete(p.bySite, site)
	}
	p.n--
	return op, true
}

// prune drops every parked operation the vector already covers.
func (p *pendingTable) prune(vector ir.StateVector) int {
	dropped := 0
	for site, clocks := range p.bySite {
		for clock := range clocks {
			if vector.IsAlreadyDelivered(site, clock) {
				delete(clocks, clock)
				dropped++
			}
		}
		if len(clocks) == 0 {
			delete(p.bySite, site)
		}
	}
	p.n -= dropped
	return dropped
}

// sites returns sites with parked operations in ascending order.
func (p *pendingTable) sites() []int {
	return slices.Sorted(maps.Keys(p.bySite))
}

func (p *pendingTable) len() int {
	return p.n
}

func (p *pendingTable) clear() {
	clear(p.bySite)
	p.n = 0
}
