package simnet

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/roach88/mutesync/internal/engine"
	"github.com/roach88/mutesync/internal/ir"
)

// MessageKind distinguishes network messages.
type MessageKind int

const (
	// MsgOperation carries one broadcast operation.
	MsgOperation MessageKind = iota + 1
	// MsgQuery carries a sync query vector.
	MsgQuery
	// MsgReply carries a sync reply.
	MsgReply
)

// String returns the kind name used in traces.
func (k MessageKind) String() string {
	switch k {
	case MsgOperation:
		return "op"
	case MsgQuery:
		return "query"
	case MsgReply:
		return "reply"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one unit in flight. Only the fields matching Kind are set.
type Message struct {
	From, To  int
	Kind      MessageKind
	Operation ir.RichOperation
	Vector    ir.StateVector
	Reply     ir.ReplySync
}

// Receiver is the inbound side of a replica. *engine.Engine implements it.
type Receiver interface {
	DeliverRemote(op ir.RichOperation) bool
	ReceiveQuery(q ir.QuerySync) bool
	ReceiveReply(r ir.ReplySync) bool
}

// Config controls fault injection. Rates are probabilities in [0, 1].
type Config struct {
	Seed          uint64
	DropRate      float64
	DuplicateRate float64
	Reorder       bool
}

// Stats counts what happened to messages.
type Stats struct {
	Sent       int
	Delivered  int
	Dropped    int
	Duplicated int
}

// Network routes messages between attached replicas.
//
// Endpoints may be called from several goroutines; Step and Flush are
// meant to be driven from one.
type Network struct {
	mu          sync.Mutex
	cfg         Config
	rng         *rand.Rand
	receivers   map[int]Receiver
	partitioned map[int]bool
	queue       []Message
	stats       Stats
	trace       func(Message, string)
}

// New creates an empty network.
func New(cfg Config) *Network {
	return &Network{
		cfg:         cfg,
		rng:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		receivers:   make(map[int]Receiver),
		partitioned: make(map[int]bool),
	}
}

// Attach registers the receiver for site, replacing any previous one.
func (n *Network) Attach(site int, r Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receivers[site] = r
}

// Detach removes site. Messages addressed to it are dropped on delivery.
func (n *Network) Detach(site int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.receivers, site)
}

// Partition cuts site off: messages from or to it are dropped.
func (n *Network) Partition(site int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[site] = true
}

// Heal reconnects site.
func (n *Network) Heal(site int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, site)
}

// SetFaults changes the drop and duplicate rates for messages delivered
// from now on. Reorder and the RNG stream are unaffected.
func (n *Network) SetFaults(drop, duplicate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.DropRate, n.cfg.DuplicateRate = drop, duplicate
}

// OnTrace registers fn to observe every message outcome
// ("sent", "delivered", "dropped", "duplicated").
func (n *Network) OnTrace(fn func(Message, string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trace = fn
}

// Sites returns the attached site ids in ascending order.
func (n *Network) Sites() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Sorted(maps.Keys(n.receivers))
}

// Pending returns the number of messages in flight.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Stats returns the message counters.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Endpoint returns the outbox for site. Outbound traffic is queued on the
// network; Applied and StateChanged go to next, which may be nil.
func (n *Network) Endpoint(site int, next engine.Outbox) engine.Outbox {
	if next == nil {
		next = engine.OutboxFuncs{}
	}
	return &endpoint{net: n, site: site, next: next}
}

// Step delivers one message. Returns false when nothing is in flight.
func (n *Network) Step() bool {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return false
	}

	i := 0
	if n.cfg.Reorder {
		i = n.rng.IntN(len(n.queue))
	}
	msg := n.queue[i]
	n.queue = slices.Delete(n.queue, i, i+1)

	r, attached := n.receivers[msg.To]
	switch {
	case !attached || n.partitioned[msg.From] || n.partitioned[msg.To] || n.chance(n.cfg.DropRate):
		n.stats.Dropped++
		n.emitTrace(msg, "dropped")
		n.mu.Unlock()
		return true
	case n.chance(n.cfg.DuplicateRate):
		n.stats.Duplicated++
		n.queue = append(n.queue, msg)
		n.emitTrace(msg, "duplicated")
	}
	n.stats.Delivered++
	n.emitTrace(msg, "delivered")
	n.mu.Unlock()

	// Deliver outside the lock; the receiver may enqueue replies.
	deliver(r, msg)
	return true
}

// Flush steps until the network is empty or maxSteps messages have been
// handled. Returns the number of steps taken.
func (n *Network) Flush(maxSteps int) int {
	steps := 0
	for steps < maxSteps && n.Step() {
		steps++
	}
	return steps
}

func deliver(r Receiver, msg Message) {
	switch msg.Kind {
	case MsgOperation:
		r.DeliverRemote(msg.Operation)
	case MsgQuery:
		r.ReceiveQuery(ir.QuerySync{From: msg.From, Vector: msg.Vector})
	case MsgReply:
		r.ReceiveReply(msg.Reply)
	}
}

// chance draws from the RNG. Called with mu held.
func (n *Network) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	return n.rng.Float64() < p
}

// emitTrace is called with mu held.
func (n *Network) emitTrace(msg Message, outcome string) {
	if n.trace != nil {
		n.trace(msg, outcome)
	}
}

func (n *Network) enqueue(msg Message) {
	n.stats.Sent++
	n.queue = append(n.queue, msg)
	n.emitTrace(msg, "sent")
}

func (n *Network) broadcast(from int, msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, to := range slices.Sorted(maps.Keys(n.receivers)) {
		if to == from {
			continue
		}
		msg.From, msg.To = from, to
		n.enqueue(msg)
	}
}

func (n *Network) sendRandom(from int, msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var peers []int
	for _, id := range slices.Sorted(maps.Keys(n.receivers)) {
		if id != from {
			peers = append(peers, id)
		}
	}
	if len(peers) == 0 {
		return
	}
	msg.From, msg.To = from, peers[n.rng.IntN(len(peers))]
	n.enqueue(msg)
}

func (n *Network) send(from, to int, msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	msg.From, msg.To = from, to
	n.enqueue(msg)
}

// endpoint is the outbox of one site.
type endpoint struct {
	net  *Network
	site int
	next engine.Outbox
}

func (e *endpoint) LocalOperation(op ir.RichOperation) {
	e.net.broadcast(e.site, Message{Kind: MsgOperation, Operation: op})
	e.next.LocalOperation(op)
}

func (e *endpoint) Applied(ops []ir.Operation) {
	e.next.Applied(ops)
}

func (e *endpoint) QuerySync(vector ir.StateVector) {
	e.net.sendRandom(e.site, Message{Kind: MsgQuery, Vector: vector})
	e.next.QuerySync(vector)
}

func (e *endpoint) ReplySync(to int, reply ir.ReplySync) {
	e.net.send(e.site, to, Message{Kind: MsgReply, Reply: reply})
	e.next.ReplySync(to, reply)
}

func (e *endpoint) StateChanged(state ir.State) {
	e.next.StateChanged(state)
}
