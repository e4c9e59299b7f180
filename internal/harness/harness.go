package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/roach88/mutesync/internal/engine"
	"github.com/roach88/mutesync/internal/ir"
	"github.com/roach88/mutesync/internal/simnet"
	"github.com/roach88/mutesync/internal/store"
	"github.com/roach88/mutesync/internal/store/boltstore"
)

// maxSettleRounds bounds the drain/flush loop. Duplicates are re-queued at
// most once per delivery, so a healthy run settles far sooner.
const maxSettleRounds = 10_000

// snapshotStore is what a replica needs from its persistence.
type snapshotStore interface {
	engine.SnapshotSource
	store.StateSaver
	SaveSession(ctx context.Context, sess store.Session) error
	Close() error
}

// replica is one simulated site.
type replica struct {
	id      int
	engine  *engine.Engine
	store   snapshotStore
	persist *store.PersistingOutbox
	edits   int
}

// Option configures a run.
type Option func(*Harness)

// WithDataDir keeps persisted replica stores in dir instead of a temporary
// directory removed after the run.
func WithDataDir(dir string) Option {
	return func(h *Harness) {
		h.dataDir = dir
	}
}

// WithLogger sets the logger handed to every engine.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// WithMetrics shares one metrics set across every engine.
func WithMetrics(m *engine.Metrics) Option {
	return func(h *Harness) {
		h.metrics = m
	}
}

// Harness executes one scenario.
type Harness struct {
	scenario *Scenario
	net      *simnet.Network
	rng      *rand.Rand
	replicas map[int]*replica
	result   *Result
	logger   *slog.Logger
	metrics  *engine.Metrics
	dataDir  string
	key      string
	cleanup  func()
}

// Run executes a scenario and returns the result. The error is non-nil
// only when the run itself broke (engine fault, store failure); failed
// assertions are reported in Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		net: simnet.New(simnet.Config{
			Seed:          scenario.Seed,
			DropRate:      scenario.Network.DropRate,
			DuplicateRate: scenario.Network.DuplicateRate,
			Reorder:       scenario.Network.Reorder,
		}),
		rng:      rand.New(rand.NewPCG(scenario.Seed, scenario.Seed+1)),
		replicas: make(map[int]*replica),
		result:   NewResult(),
		key:      fmt.Sprintf("%s-%d", scenario.Name, scenario.Seed),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		cleanup:  func() {},
	}
	for _, opt := range opts {
		opt(h)
	}
	defer h.close()

	if err := h.prepareDataDir(); err != nil {
		return nil, err
	}
	h.net.OnTrace(h.traceNetwork)

	ctx := context.Background()
	if err := h.start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start replicas: %w", err)
	}
	if err := h.randomEdits(); err != nil {
		return nil, fmt.Errorf("failed to run edits: %w", err)
	}
	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Action, err)
		}
	}
	if err := h.antiEntropy(); err != nil {
		return nil, fmt.Errorf("failed to run anti-entropy: %w", err)
	}

	if err := h.summarize(); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) prepareDataDir() error {
	if h.scenario.Persist == "" || h.dataDir != "" {
		return nil
	}
	dir, err := os.MkdirTemp("", "mutesync-harness-*")
	if err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	h.dataDir = dir
	h.cleanup = func() { os.RemoveAll(dir) }
	return nil
}

// start creates every replica. Site 1 creates the session; the others
// join it and query a peer.
func (h *Harness) start(ctx context.Context) error {
	for id := 1; id <= h.scenario.Sites; id++ {
		r, err := h.newReplica(ctx, id, false)
		if err != nil {
			return err
		}
		r.engine.Join(ir.JoinEvent{Key: h.key, Created: id == 1})
		if err := r.engine.Drain(); err != nil {
			return err
		}
	}
	return h.settle()
}

// newReplica opens the site's store (if any) and attaches a fresh engine.
// With restore set the engine bootstraps from the stored snapshot.
func (h *Harness) newReplica(ctx context.Context, id int, restore bool) (*replica, error) {
	r := &replica{id: id}
	var next engine.Outbox = h.traceOutbox(id)

	if h.scenario.Persist != "" {
		st, err := h.openStore(id)
		if err != nil {
			return nil, fmt.Errorf("site %d: %w", id, err)
		}
		r.store = st
		if !restore {
			if err := st.SaveSession(ctx, store.Session{SiteID: id, Key: h.key}); err != nil {
				return nil, fmt.Errorf("site %d: %w", id, err)
			}
		}
		r.persist = store.NewPersistingOutbox(st, next, h.logger)
		next = r.persist
	}

	opts := []engine.Option{
		engine.WithoutPeriodicQuery(),
		engine.WithLogger(h.logger),
	}
	if h.metrics != nil {
		opts = append(opts, engine.WithMetrics(h.metrics))
	}
	if restore {
		opts = append(opts, engine.WithSnapshotSource(r.store))
	}
	r.engine = engine.New(id, h.net.Endpoint(id, next), opts...)
	h.net.Attach(id, r.engine)
	h.replicas[id] = r
	return r, nil
}

func (h *Harness) openStore(id int) (snapshotStore, error) {
	switch h.scenario.Persist {
	case "sqlite":
		return store.Open(filepath.Join(h.dataDir, fmt.Sprintf("site-%d.db", id)))
	case "bolt":
		return boltstore.Open(filepath.Join(h.dataDir, fmt.Sprintf("site-%d.bolt", id)))
	default:
		return nil, fmt.Errorf("unknown persist backend %q", h.scenario.Persist)
	}
}

// restart disposes the site's engine, reopens its store and bootstraps a
// new engine from the persisted snapshot.
func (h *Harness) restart(ctx context.Context, id int) error {
	old := h.replicas[id]
	old.engine.Dispose()
	if err := old.persist.Err(); err != nil {
		return fmt.Errorf("site %d persisted with error: %w", id, err)
	}
	if err := old.store.Close(); err != nil {
		return fmt.Errorf("site %d: close store: %w", id, err)
	}
	h.result.addTrace(TraceEvent{Type: EventRestart, Site: id})

	r, err := h.newReplica(ctx, id, true)
	if err != nil {
		return err
	}
	r.edits = old.edits
	r.engine.Join(ir.JoinEvent{Key: h.key})
	if err := r.engine.LoadSnapshot(ctx); err != nil {
		return fmt.Errorf("site %d: %w", id, err)
	}
	return r.engine.Drain()
}

func (h *Harness) edit(id int, kind ir.OperationKind) error {
	r := h.replicas[id]
	r.edits++
	r.engine.SubmitLocal(ir.Operation{
		Kind:    kind,
		Payload: []byte(fmt.Sprintf("site%d-edit%d", id, r.edits)),
	})
	return r.engine.Drain()
}

// randomEdits runs the scenario's random phase, letting a few messages
// through after each edit so deliveries interleave with edits.
func (h *Harness) randomEdits() error {
	for i := 0; i < h.scenario.Edits; i++ {
		site := h.rng.IntN(h.scenario.Sites) + 1
		kind := ir.OpInsert
		if h.rng.Float64() < h.scenario.DeleteRatio {
			kind = ir.OpDelete
		}
		if err := h.edit(site, kind); err != nil {
			return err
		}
		h.net.Flush(h.rng.IntN(4))
		if err := h.drainAll(); err != nil {
			return err
		}
	}
	return h.settle()
}

func (h *Harness) runStep(ctx context.Context, step Step) error {
	switch step.Action {
	case StepEdit:
		return h.edit(step.Site, ir.OpInsert)
	case StepDelete:
		return h.edit(step.Site, ir.OpDelete)
	case StepFlush:
		return h.settle()
	case StepQuery:
		e := h.replicas[step.Site].engine
		e.TriggerQuerySync()
		return e.Drain()
	case StepPartition:
		h.net.Partition(step.Site)
	case StepHeal:
		h.net.Heal(step.Site)
	case StepRestart:
		return h.restart(ctx, step.Site)
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

// antiEntropy settles what is in flight, then runs the configured rounds
// on a reliable network: every site queries, then everything settles.
func (h *Harness) antiEntropy() error {
	if err := h.settle(); err != nil {
		return err
	}
	h.net.SetFaults(0, 0)
	for round := 0; round < h.scenario.Rounds; round++ {
		for id := 1; id <= h.scenario.Sites; id++ {
			h.replicas[id].engine.TriggerQuerySync()
		}
		if err := h.settle(); err != nil {
			return err
		}
	}
	return nil
}

// drainAll processes every engine's queue in site order.
func (h *Harness) drainAll() error {
	for id := 1; id <= h.scenario.Sites; id++ {
		if err := h.replicas[id].engine.Drain(); err != nil {
			return fmt.Errorf("site %d: %w", id, err)
		}
	}
	return nil
}

// settle alternates draining engines and flushing the network until no
// message is in flight.
func (h *Harness) settle() error {
	for range maxSettleRounds {
		if err := h.drainAll(); err != nil {
			return err
		}
		if h.net.Flush(maxSettleRounds) == 0 {
			return nil
		}
	}
	return errors.New("network did not settle")
}

func (h *Harness) summarize() error {
	for id := 1; id <= h.scenario.Sites; id++ {
		e := h.replicas[id].engine
		state := e.CurrentState()
		digest, err := ir.ContentDigest(state)
		if err != nil {
			return fmt.Errorf("site %d digest: %w", id, err)
		}
		h.result.Sites = append(h.result.Sites, SiteSummary{
			Site:       id,
			Operations: state.Len(),
			Pending:    e.PendingLen(),
			Vector:     state.Vector.AsMap(),
			Digest:     digest,
		})
	}
	h.result.Network = h.net.Stats()
	return nil
}

func (h *Harness) close() {
	for _, r := range h.replicas {
		r.engine.Dispose()
		if r.store != nil {
			if err := r.store.Close(); err != nil {
				h.logger.Warn("close store failed", "site", r.id, "error", err)
			}
		}
	}
	h.cleanup()
}

// traceOutbox records the emissions of one site.
func (h *Harness) traceOutbox(id int) engine.Outbox {
	return engine.OutboxFuncs{
		OnLocalOperation: func(op ir.RichOperation) {
			h.result.addTrace(TraceEvent{Type: EventLocal, Site: id, Dot: op.Dot().String()})
		},
		OnApplied: func(ops []ir.Operation) {
			h.result.addTrace(TraceEvent{Type: EventApplied, Site: id, Count: len(ops)})
		},
		OnQuerySync: func(ir.StateVector) {
			h.result.addTrace(TraceEvent{Type: EventQuery, Site: id})
		},
		OnReplySync: func(to int, reply ir.ReplySync) {
			h.result.addTrace(TraceEvent{
				Type:      EventReply,
				Site:      id,
				To:        to,
				Count:     len(reply.Operations),
				Intervals: len(reply.Intervals),
			})
		},
	}
}

// traceNetwork records dropped messages. Called by the network with its
// lock held; it must not call back into the network.
func (h *Harness) traceNetwork(m simnet.Message, outcome string) {
	if outcome != "dropped" {
		return
	}
	ev := TraceEvent{Type: EventDropped, Site: m.From, To: m.To, Message: m.Kind.String()}
	if m.Kind == simnet.MsgOperation {
		ev.Dot = m.Operation.Dot().String()
	}
	h.result.addTrace(ev)
}
