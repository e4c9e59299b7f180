package engine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/mutesync/internal/ir"
)

// Default anti-entropy cadence: a query every 10s, give or take 5s.
const (
	DefaultQueryInterval = 10 * time.Second
	DefaultQueryJitter   = 5 * time.Second
)

// Engine is the single-writer replication engine for one replica.
//
// The engine owns the replica's StateVector, operation log, local clock and
// pending table. Inputs are enqueued from any goroutine and processed in
// FIFO order by exactly one goroutine: Run, or a caller of Drain.
//
// Thread-safety model:
//   - SubmitLocal, DeliverRemote, ... Dispose: safe from any goroutine
//   - CurrentState, Vector, PendingLen, Clock: safe from any goroutine
//   - Run / Drain: one goroutine at a time, never both
//
// Outbox calls happen on the processing goroutine after the state lock is
// released, so callbacks may read CurrentState or call Dispose.
type Engine struct {
	siteID   int
	out      Outbox
	logger   *slog.Logger
	metrics  *Metrics
	opLogger OperationLogger
	queue    *eventQueue
	clock    *LocalClock
	disposed atomic.Bool

	// mu guards the replicated state below. Only the processing goroutine
	// writes; readers take RLock.
	mu      sync.RWMutex
	vector  ir.StateVector
	log     *history
	pending *pendingTable

	// Bootstrap. Events other than join and snapshot are deferred while a
	// snapshot is awaited.
	join         joinCoordinator
	snapshotSrc  SnapshotSource
	snapshotDone bool
	deferred     []Event

	// Periodic anti-entropy, owned by Run.
	periodic    bool
	queryBase   time.Duration
	queryJitter time.Duration
	rng         *rand.Rand

	// emits collects outbox calls made while handling one event.
	emits []func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithQueryInterval sets the periodic query cadence to base +/- jitter.
func WithQueryInterval(base, jitter time.Duration) Option {
	return func(e *Engine) {
		e.queryBase = base
		e.queryJitter = jitter
	}
}

// WithoutPeriodicQuery disables the anti-entropy timer in Run.
func WithoutPeriodicQuery() Option {
	return func(e *Engine) {
		e.periodic = false
	}
}

// WithRand sets the random source used for jitter.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) {
		e.rng = r
	}
}

// WithSnapshotSource makes Run load a bootstrap snapshot from src and hold
// the initial query until it has been applied.
func WithSnapshotSource(src SnapshotSource) Option {
	return func(e *Engine) {
		e.snapshotSrc = src
		e.join.awaitSnapshot = true
	}
}

// WithAwaitSnapshot holds the initial query until OfferSnapshot is called.
// Use it when the snapshot is pushed rather than loaded.
func WithAwaitSnapshot() Option {
	return func(e *Engine) {
		e.join.awaitSnapshot = true
	}
}

// WithLogger sets the base logger. A "site" attribute is added.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the instruments the engine records to.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithOperationLogger receives a record for every local edit and every
// directly received remote operation.
func WithOperationLogger(l OperationLogger) Option {
	return func(e *Engine) {
		e.opLogger = l
	}
}

// New creates an engine for siteID publishing to out.
func New(siteID int, out Outbox, opts ...Option) *Engine {
	e := &Engine{
		siteID:      siteID,
		out:         out,
		logger:      slog.Default(),
		metrics:     NewDiscardMetrics(),
		queue:       newEventQueue(),
		clock:       NewLocalClock(),
		vector:      ir.NewStateVector(),
		log:         newHistory(),
		pending:     newPendingTable(),
		periodic:    true,
		queryBase:   DefaultQueryInterval,
		queryJitter: DefaultQueryJitter,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.out == nil {
		e.out = OutboxFuncs{}
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(siteID)))
	}
	e.logger = e.logger.With("site", siteID)
	e.metrics = e.metrics.forSite(siteID)

	return e
}

// SiteID returns the replica's origin identifier.
func (e *Engine) SiteID() int {
	return e.siteID
}

// Enqueue submits an event for processing.
// Returns false if the engine has been disposed or the event carries an
// operation of unknown kind.
func (e *Engine) Enqueue(ev Event) bool {
	if e.disposed.Load() {
		return false
	}
	if kind, ok := unknownKind(ev); ok {
		e.logger.Warn("rejecting event", "event", ev.Type.String(), "kind", kind.String())
		return false
	}
	return e.queue.Enqueue(ev)
}

// unknownKind returns the first operation kind in ev that cannot be
// logged or persisted.
func unknownKind(ev Event) (ir.OperationKind, bool) {
	var ops []ir.RichOperation
	switch ev.Type {
	case EventTypeLocal:
		if !ev.Local.Kind.Valid() {
			return ev.Local.Kind, true
		}
		return 0, false
	case EventTypeRemote:
		ops = ev.Operations
	case EventTypeReply:
		ops = ev.Reply.Operations
	case EventTypeSnapshot:
		ops = ev.Snapshot.Log
	}
	for _, op := range ops {
		if !op.Op.Kind.Valid() {
			return op.Op.Kind, true
		}
	}
	return 0, false
}

// SubmitLocal submits a local edit.
func (e *Engine) SubmitLocal(op ir.Operation) bool {
	return e.Enqueue(Event{Type: EventTypeLocal, Local: op})
}

// DeliverRemote submits one operation received from the network.
func (e *Engine) DeliverRemote(op ir.RichOperation) bool {
	return e.Enqueue(Event{Type: EventTypeRemote, Operations: []ir.RichOperation{op}})
}

// DeliverBatch submits an ordered batch received from the network.
func (e *Engine) DeliverBatch(ops []ir.RichOperation) bool {
	return e.Enqueue(Event{Type: EventTypeRemote, Operations: slices.Clone(ops)})
}

// ReceiveQuery submits a peer's sync query.
func (e *Engine) ReceiveQuery(q ir.QuerySync) bool {
	return e.Enqueue(Event{Type: EventTypeQuery, Query: q})
}

// ReceiveReply submits a peer's sync reply.
func (e *Engine) ReceiveReply(r ir.ReplySync) bool {
	return e.Enqueue(Event{Type: EventTypeReply, Reply: r})
}

// Join signals that the replica joined a session.
func (e *Engine) Join(ev ir.JoinEvent) bool {
	return e.Enqueue(Event{Type: EventTypeJoin, Join: ev})
}

// OfferSnapshot submits the bootstrap state. Only the first snapshot is
// applied.
func (e *Engine) OfferSnapshot(s ir.State) bool {
	return e.Enqueue(Event{Type: EventTypeSnapshot, Snapshot: s, Loaded: true})
}

// TriggerQuerySync asks for a sync query to be emitted now.
func (e *Engine) TriggerQuerySync() bool {
	return e.Enqueue(Event{Type: EventTypeQueryTick})
}

// Run is the single-writer event loop. It blocks until ctx is cancelled,
// the engine is disposed, or a fault occurs.
//
// With a snapshot source configured, Run loads it in the background. With
// periodic queries enabled, a jittered timer emits a query on each firing
// and is re-armed afterwards.
//
// A broken invariant while processing an event disposes the engine and
// is returned as a *FaultError.
func (e *Engine) Run(ctx context.Context) error {
	if e.disposed.Load() {
		return ErrDisposed
	}

	e.logger.Info("engine starting")

	if e.snapshotSrc != nil {
		go func() {
			_ = e.LoadSnapshot(ctx)
		}()
	}

	var (
		timer *time.Timer
		tick  <-chan time.Time
	)
	if e.periodic {
		timer = time.NewTimer(e.nextQueryDelay())
		defer timer.Stop()
		tick = timer.C
	}

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			if err := e.step(ev); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.Dispose()
			return ctx.Err()

		case <-tick:
			if err := e.step(Event{Type: EventTypeQueryTick}); err != nil {
				return err
			}
			timer.Reset(e.nextQueryDelay())

		case <-e.queue.Wait():
			// The signal channel is closed on dispose.
			if e.queue.Closed() {
				e.logger.Info("engine stopping: disposed")
				return nil
			}
		}
	}
}

// Drain processes every queued event on the calling goroutine and returns
// once the queue is empty. It gives tests and simulations deterministic
// control over scheduling; no timer runs. Must not be used while Run is
// running.
func (e *Engine) Drain() error {
	for !e.disposed.Load() {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			return nil
		}
		if err := e.step(ev); err != nil {
			return err
		}
	}
	return nil
}

// step handles one event and flushes its emissions. A panic raised by a
// broken invariant is converted to a *FaultError and disposes the engine.
func (e *Engine) step(ev Event) (err error) {
	if e.disposed.Load() {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			fault := newFault(e.siteID, ev.Type, r)
			e.logger.Error("engine fault", "event", ev.Type.String(), "error", fault.Cause)
			e.emits = nil
			e.Dispose()
			err = fault
		}
	}()

	func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.handle(ev)
	}()

	e.flush()
	return nil
}

// handle routes an event to its handler. Called with mu held.
func (e *Engine) handle(ev Event) {
	if e.awaitingSnapshot() && ev.Type != EventTypeJoin && ev.Type != EventTypeSnapshot {
		// Queries are re-issued after bootstrap anyway.
		if ev.Type != EventTypeQueryTick {
			e.deferred = append(e.deferred, ev)
		}
		return
	}

	switch ev.Type {
	case EventTypeLocal:
		e.handleLocal(ev.Local)
	case EventTypeRemote:
		e.handleRemote(ev.Operations)
	case EventTypeQuery:
		e.handleQuery(ev.Query)
	case EventTypeReply:
		e.handleReply(ev.Reply)
	case EventTypeJoin:
		e.handleJoin(ev.Join)
	case EventTypeSnapshot:
		e.handleSnapshot(ev.Snapshot, ev.Loaded)
	case EventTypeQueryTick:
		e.emitQuery()
	default:
		e.logger.Warn("unknown event type", "type", int(ev.Type))
	}
}

// emit schedules an outbox call for after the state lock is released.
func (e *Engine) emit(fn func()) {
	e.emits = append(e.emits, fn)
}

// flush runs scheduled outbox calls in order, stopping at dispose.
func (e *Engine) flush() {
	emits := e.emits
	e.emits = nil
	for _, fn := range emits {
		if e.disposed.Load() {
			return
		}
		fn()
	}
}

// Dispose stops the engine. It is idempotent and safe from any goroutine,
// including from inside an Outbox callback.
//
// After Dispose no input is accepted, no event is processed and nothing is
// emitted. Parked operations and deferred events are released; Run returns
// and stops its timer.
func (e *Engine) Dispose() {
	if !e.disposed.CompareAndSwap(false, true) {
		return
	}
	e.queue.Close()

	e.mu.Lock()
	e.pending.clear()
	e.deferred = nil
	e.mu.Unlock()

	e.metrics.Buffered.Set(0)
	e.logger.Info("engine disposed")
}

// Ready reports whether the replica is past bootstrap: no snapshot is
// awaited, so events are no longer deferred.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.awaitingSnapshot()
}

// Disposed reports whether Dispose has been called.
func (e *Engine) Disposed() bool {
	return e.disposed.Load()
}

// CurrentState returns an immutable snapshot of vector and log.
func (e *Engine) CurrentState() ir.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stateLocked()
}

// Vector returns a copy of the current StateVector.
func (e *Engine) Vector() ir.StateVector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vector.Clone()
}

// PendingLen returns the number of operations waiting for a predecessor.
func (e *Engine) PendingLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending.len()
}

// Clock returns the stamp the next local operation will carry.
func (e *Engine) Clock() int {
	return e.clock.Peek()
}

// stateLocked builds a State sharing the append-only log backing array.
func (e *Engine) stateLocked() ir.State {
	return ir.State{Vector: e.vector.Clone(), Log: e.log.snapshot()}
}

// QueueLen returns the number of events waiting to be processed.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}
