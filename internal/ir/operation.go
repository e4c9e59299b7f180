package ir

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// OperationKind tags the opaque CRDT payload carried by an Operation.
// The engine never branches on it; it exists for the document layer and
// for operation logs.
type OperationKind int

const (
	// OpInsert is a sequence-CRDT insertion.
	OpInsert OperationKind = iota + 1
	// OpDelete is a sequence-CRDT deletion.
	OpDelete
)

// String returns the lowercase kind name used in logs and digests.
func (k OperationKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	return k == OpInsert || k == OpDelete
}

// ParseOperationKind is the inverse of OperationKind.String.
func ParseOperationKind(s string) (OperationKind, error) {
	switch s {
	case "insert":
		return OpInsert, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown operation kind %q", s)
	}
}

// MarshalText encodes the kind by name.
func (k OperationKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown operation kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *OperationKind) UnmarshalText(text []byte) error {
	parsed, err := ParseOperationKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Operation is an edit produced by the external sequence CRDT.
// Payload is treated as immutable once the operation has been created.
type Operation struct {
	Kind    OperationKind `json:"kind"`
	Payload []byte        `json:"payload"`
}

// Clone returns a deep copy of the operation.
func (o Operation) Clone() Operation {
	return Operation{Kind: o.Kind, Payload: bytes.Clone(o.Payload)}
}

// Equal reports whether two operations carry the same kind and payload.
func (o Operation) Equal(other Operation) bool {
	return o.Kind == other.Kind && bytes.Equal(o.Payload, other.Payload)
}

// Dot identifies one operation by its origin site and origin clock.
type Dot struct {
	SiteID int `json:"site_id"`
	Clock  int `json:"clock"`
}

// String formats the dot as site:clock.
func (d Dot) String() string {
	return fmt.Sprintf("%d:%d", d.SiteID, d.Clock)
}

// RichOperation is an Operation stamped with its origin identity.
// Clock is the zero-based sequence number assigned by the origin site
// to its own operations.
type RichOperation struct {
	SiteID int       `json:"site_id"`
	Clock  int       `json:"clock"`
	Op     Operation `json:"op"`
}

// NewRichOperation stamps op with its origin identity.
func NewRichOperation(siteID, clock int, op Operation) RichOperation {
	return RichOperation{SiteID: siteID, Clock: clock, Op: op}
}

// Dot returns the origin identity of the operation.
func (r RichOperation) Dot() Dot {
	return Dot{SiteID: r.SiteID, Clock: r.Clock}
}

// Equal compares origin identity and payload.
func (r RichOperation) Equal(other RichOperation) bool {
	return r.SiteID == other.SiteID && r.Clock == other.Clock && r.Op.Equal(other.Op)
}

// Interval is an inclusive run [Begin, End] of clock values for one site.
type Interval struct {
	SiteID int `json:"site_id"`
	Begin  int `json:"begin"`
	End    int `json:"end"`
}

// Contains reports whether clock falls inside the interval.
func (i Interval) Contains(clock int) bool {
	return i.Begin <= clock && clock <= i.End
}

// Len returns the number of clocks covered, 0 for an inverted interval.
func (i Interval) Len() int {
	if i.End < i.Begin {
		return 0
	}
	return i.End - i.Begin + 1
}

// ReplySync answers a sync query.
//
// Operations are entries the replier holds that the querier lacks.
// Intervals are clock ranges the replier itself lacks, relative to the
// querier's vector; they are a piggybacked request in the other direction.
type ReplySync struct {
	Operations []RichOperation `json:"operations"`
	Intervals  []Interval      `json:"intervals"`
}

// QuerySync is a sync query received from a peer. From is the network
// address of the querier; replies are routed back to it.
type QuerySync struct {
	From   int         `json:"from"`
	Vector StateVector `json:"vector"`
}

// JoinEvent signals that the replica has entered a session.
// Created is true for a freshly created session with nothing to reconcile.
type JoinEvent struct {
	Key     string `json:"key"`
	Created bool   `json:"created"`
}

// NewSessionKey returns a time-sortable UUIDv7 session key.
//
// Panics if UUID generation fails (should never happen in practice).
func NewSessionKey() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewSiteID returns a random positive 31-bit site identifier.
func NewSiteID() int {
	u := uuid.New()
	id := int(binary.BigEndian.Uint32(u[:4]) & 0x7fffffff)
	if id == 0 {
		return 1
	}
	return id
}
