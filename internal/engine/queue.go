package engine

import (
	"sync"

	"github.com/roach88/mutesync/internal/ir"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeLocal carries a local edit to stamp and broadcast.
	EventTypeLocal EventType = iota + 1
	// EventTypeRemote carries an ordered batch received from the network.
	EventTypeRemote
	// EventTypeQuery carries a peer's vector to answer.
	EventTypeQuery
	// EventTypeReply carries a peer's answer to one of our queries.
	EventTypeReply
	// EventTypeJoin signals the replica joined (or created) a session.
	EventTypeJoin
	// EventTypeSnapshot carries the bootstrap state. Loaded reports whether
	// a snapshot existed at all; false means "ready with nothing to apply".
	EventTypeSnapshot
	// EventTypeQueryTick asks for a sync query to be emitted.
	EventTypeQueryTick
)

var eventTypeNames = map[EventType]string{
	EventTypeLocal:     "local",
	EventTypeRemote:    "remote",
	EventTypeQuery:     "query",
	EventTypeReply:     "reply",
	EventTypeJoin:      "join",
	EventTypeSnapshot:  "snapshot",
	EventTypeQueryTick: "query-tick",
}

// String returns the event type name used in logs.
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is the unit of work for the engine loop. Only the fields matching
// Type are meaningful.
type Event struct {
	Type       EventType
	Local      ir.Operation
	Operations []ir.RichOperation
	Query      ir.QuerySync
	Reply      ir.ReplySync
	Join       ir.JoinEvent
	Snapshot   ir.State
	Loaded     bool
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so network callbacks never block on a busy engine.
// A buffered signal channel lets the Run loop wait in a select alongside
// the context and the anti-entropy timer.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the size-1 buffer coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front event without blocking.
// Returns (Event{}, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Release payload references held by the backing array.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed once the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further events, drops queued ones and wakes waiters.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	clear(q.events)
	q.events = q.events[:0]
	close(q.signal)
}
