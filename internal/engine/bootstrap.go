package engine

import (
	"context"
	"fmt"

	"github.com/roach88/mutesync/internal/ir"
)

// joinCoordinator decides when the initial sync query goes out.
//
// Triggers: the first join event and, when awaitSnapshot is set, the
// snapshot being applied. The query fires once both required triggers have
// happened, unless the session was created by this replica.
type joinCoordinator struct {
	awaitSnapshot bool
	join          *ir.JoinEvent
	ready         bool
	fired         bool
}

// observeJoin records a join. Only the first join counts. Returns true if
// the initial query should be emitted now.
func (j *joinCoordinator) observeJoin(ev ir.JoinEvent) bool {
	if j.join != nil {
		return false
	}
	j.join = &ev
	return j.tryFire()
}

// observeReady records the snapshot as applied. Returns true if the
// initial query should be emitted now.
func (j *joinCoordinator) observeReady() bool {
	if j.ready {
		return false
	}
	j.ready = true
	return j.tryFire()
}

func (j *joinCoordinator) tryFire() bool {
	if j.fired || j.join == nil {
		return false
	}
	if j.awaitSnapshot && !j.ready {
		return false
	}
	j.fired = true
	return !j.join.Created
}

func (e *Engine) awaitingSnapshot() bool {
	return e.join.awaitSnapshot && !e.snapshotDone
}

func (e *Engine) handleJoin(ev ir.JoinEvent) {
	e.logger.Info("joined session", "key", ev.Key, "created", ev.Created)
	if e.join.observeJoin(ev) {
		e.emitQuery()
	}
}

// handleSnapshot applies the first snapshot and then replays the events
// deferred while waiting for it. Later snapshots are ignored. loaded=false
// marks the replica ready without applying anything.
func (e *Engine) handleSnapshot(s ir.State, loaded bool) {
	if e.snapshotDone {
		e.logger.Debug("snapshot ignored: already bootstrapped")
		return
	}
	e.snapshotDone = true

	if loaded {
		e.bootstrap(s)
	}

	if e.join.observeReady() {
		e.emitQuery()
	}

	deferred := e.deferred
	e.deferred = nil
	for _, ev := range deferred {
		e.handle(ev)
	}
}

// bootstrap replaces vector and log with the snapshot's by replaying its
// log through causal delivery. Own operations already stamped here and
// missing from the snapshot are replayed after it: they were broadcast, so
// they keep their stamps.
func (e *Engine) bootstrap(s ir.State) {
	var own []ir.RichOperation
	if e.clock.Peek() > 0 {
		own = e.log.within(ir.Interval{SiteID: e.siteID, Begin: 0, End: e.clock.Peek() - 1})
	}

	e.vector.Clear()
	e.log.reset()

	applied := e.deliver(s.Log, nil)
	applied = e.releaseReady(applied)
	applied = e.deliver(own, applied)

	if last, ok := e.vector.Get(e.siteID); ok {
		e.clock.RaiseTo(last + 1)
	}

	e.logger.Info("bootstrapped from snapshot",
		"operations", e.log.len(),
		"sites", e.vector.Len(),
		"clock", e.clock.Peek(),
	)

	e.emitApplied(applied)
	e.emitState()
}

// LoadSnapshot reads the bootstrap state from the configured source and
// enqueues it. A load failure is logged and the replica proceeds as if no
// snapshot existed; the error is still returned. Without a source it does
// nothing.
func (e *Engine) LoadSnapshot(ctx context.Context) error {
	if e.snapshotSrc == nil {
		return nil
	}

	state, ok, err := e.snapshotSrc.LoadState(ctx)
	if err != nil {
		e.logger.Error("snapshot load failed, starting empty", "error", err)
		state, ok = ir.State{}, false
	}

	if !e.queue.Enqueue(Event{Type: EventTypeSnapshot, Snapshot: state, Loaded: ok}) {
		return ErrDisposed
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return nil
}
