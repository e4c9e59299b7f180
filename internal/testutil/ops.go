package testutil

import (
	"context"
	"fmt"

	"github.com/roach88/mutesync/internal/ir"
)

// Payload returns the payload Insert and Delete give (site, clock). Tests
// use it to tell applied operations apart.
func Payload(site, clock int) []byte {
	return []byte(fmt.Sprintf("%d:%d", site, clock))
}

// Insert builds an insert operation from site at clock.
func Insert(site, clock int) ir.RichOperation {
	return ir.NewRichOperation(site, clock, ir.Operation{Kind: ir.OpInsert, Payload: Payload(site, clock)})
}

// Delete builds a delete operation from site at clock.
func Delete(site, clock int) ir.RichOperation {
	return ir.NewRichOperation(site, clock, ir.Operation{Kind: ir.OpDelete, Payload: Payload(site, clock)})
}

// Inserts builds inserts from site for clocks from..to inclusive.
func Inserts(site, from, to int) []ir.RichOperation {
	out := make([]ir.RichOperation, 0, to-from+1)
	for c := from; c <= to; c++ {
		out = append(out, Insert(site, c))
	}
	return out
}

// PayloadStrings renders applied payloads for readable assertions.
func PayloadStrings(ops []ir.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = string(op.Payload)
	}
	return out
}

// StateOf builds the state a replica reaches after applying log in order.
func StateOf(log ...ir.RichOperation) ir.State {
	v := ir.NewStateVector()
	for _, op := range log {
		v.Set(op.SiteID, op.Clock)
	}
	return ir.NewState(v, log)
}

// SnapshotSource is a fixed snapshot source.
type SnapshotSource struct {
	State ir.State
	Found bool
	Err   error
}

// LoadState returns the configured result.
func (s SnapshotSource) LoadState(context.Context) (ir.State, bool, error) {
	return s.State, s.Found, s.Err
}
