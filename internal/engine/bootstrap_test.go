package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mutesync/internal/ir"
	"github.com/roach88/mutesync/internal/testutil"
)

func TestJoinCoordinator(t *testing.T) {
	joined := ir.JoinEvent{Key: "k"}
	created := ir.JoinEvent{Key: "k", Created: true}

	tests := []struct {
		name          string
		awaitSnapshot bool
		steps         []string // "join", "created", "ready"
		want          []bool
	}{
		{"join alone fires", false, []string{"join"}, []bool{true}},
		{"created never fires", false, []string{"created"}, []bool{false}},
		{"fires once", false, []string{"join", "join"}, []bool{true, false}},
		{"only first join counts", false, []string{"created", "join"}, []bool{false, false}},
		{"waits for snapshot", true, []string{"join", "ready"}, []bool{false, true}},
		{"snapshot first", true, []string{"ready", "join"}, []bool{false, true}},
		{"created with snapshot", true, []string{"created", "ready"}, []bool{false, false}},
		{"ready twice", true, []string{"ready", "ready", "join"}, []bool{false, false, true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := joinCoordinator{awaitSnapshot: tt.awaitSnapshot}
			var got []bool
			for _, step := range tt.steps {
				switch step {
				case "join":
					got = append(got, j.observeJoin(joined))
				case "created":
					got = append(got, j.observeJoin(created))
				case "ready":
					got = append(got, j.observeReady())
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBootstrap_JoinWithoutSnapshotQueriesImmediately(t *testing.T) {
	e, rec := newTestEngine(t, 1)

	e.DeliverRemote(testutil.Insert(2, 0))
	e.Join(ir.JoinEvent{Key: "session"})
	e.Join(ir.JoinEvent{Key: "session"})
	drain(t, e)

	queries := rec.Of(testutil.EmitQuery)
	require.Len(t, queries, 1)
	assert.True(t, queries[0].Vector.Equal(ir.StateVectorFrom(map[int]int{2: 0})))
}

func TestBootstrap_CreatedSessionSkipsQuery(t *testing.T) {
	e, rec := newTestEngine(t, 1)

	e.Join(ir.JoinEvent{Key: "session", Created: true})
	drain(t, e)

	assert.Empty(t, rec.Of(testutil.EmitQuery))
}

func TestBootstrap_QueryWaitsForSnapshot(t *testing.T) {
	e, rec := newTestEngine(t, 1, WithAwaitSnapshot())

	e.Join(ir.JoinEvent{Key: "session"})
	drain(t, e)
	assert.Empty(t, rec.All())

	e.OfferSnapshot(testutil.StateOf(testutil.Insert(2, 0), testutil.Insert(2, 1)))
	drain(t, e)

	assert.Equal(t, []testutil.EmissionKind{
		testutil.EmitApplied, testutil.EmitState, testutil.EmitQuery,
	}, rec.Kinds())
	query := rec.Of(testutil.EmitQuery)[0]
	assert.True(t, query.Vector.Equal(ir.StateVectorFrom(map[int]int{2: 1})),
		"the query must carry the bootstrapped vector")
}

func TestBootstrap_SnapshotEquivalence(t *testing.T) {
	snapshot := testutil.StateOf(
		testutil.Insert(1, 0),
		testutil.Insert(2, 0),
		testutil.Delete(1, 1),
		testutil.Insert(3, 0),
		testutil.Insert(2, 1),
	)

	e, _ := newTestEngine(t, 4, WithAwaitSnapshot())
	e.OfferSnapshot(snapshot)
	drain(t, e)

	got := e.CurrentState()
	assert.True(t, snapshot.Equal(got), "want %v, got %v", snapshot, got)

	want, err := ir.StateDigest(snapshot)
	require.NoError(t, err)
	have, err := ir.StateDigest(got)
	require.NoError(t, err)
	assert.Equal(t, want, have)
}

func TestBootstrap_SnapshotReplacesExistingState(t *testing.T) {
	e, _ := newTestEngine(t, 1)

	e.DeliverRemote(testutil.Insert(9, 0))
	e.OfferSnapshot(testutil.StateOf(testutil.Insert(2, 0)))
	drain(t, e)

	_, ok := e.Vector().Get(9)
	assert.False(t, ok, "snapshot replaces the vector wholesale")
	assert.Equal(t, 1, e.CurrentState().Len())
}

func TestBootstrap_LaterSnapshotsIgnored(t *testing.T) {
	e, _ := newTestEngine(t, 1, WithAwaitSnapshot())

	first := testutil.StateOf(testutil.Insert(2, 0))
	e.OfferSnapshot(first)
	e.OfferSnapshot(testutil.StateOf(testutil.Inserts(3, 0, 4)...))
	drain(t, e)

	assert.True(t, first.Equal(e.CurrentState()))
}

func TestBootstrap_OwnOperationsRaiseClock(t *testing.T) {
	e, rec := newTestEngine(t, 3, WithAwaitSnapshot())

	e.OfferSnapshot(testutil.StateOf(testutil.Inserts(3, 0, 2)...))
	e.SubmitLocal(insertOp("after"))
	drain(t, e)

	locals := rec.Of(testutil.EmitLocal)
	require.Len(t, locals, 1)
	assert.Equal(t, 3, locals[0].Local.Clock)
	assert.Equal(t, 4, e.Clock())
}

func TestBootstrap_EventsDeferredUntilSnapshot(t *testing.T) {
	e, rec := newTestEngine(t, 5, WithAwaitSnapshot())

	e.DeliverRemote(testutil.Insert(2, 0))
	e.SubmitLocal(insertOp("early"))
	e.ReceiveQuery(ir.QuerySync{From: 2})
	e.TriggerQuerySync()
	drain(t, e)
	assert.Empty(t, rec.All(), "nothing participates before the snapshot")

	e.OfferSnapshot(testutil.StateOf(testutil.Insert(1, 0)))
	drain(t, e)

	assert.Equal(t, []testutil.EmissionKind{
		testutil.EmitApplied, testutil.EmitState, // snapshot
		testutil.EmitApplied, testutil.EmitState, // deferred remote
		testutil.EmitLocal, testutil.EmitState, // deferred local
		testutil.EmitReply, // deferred query
	}, rec.Kinds())

	reply := rec.Of(testutil.EmitReply)[0]
	assert.Len(t, reply.Reply.Operations, 3)
}

func TestBootstrap_LoadSnapshotFromSource(t *testing.T) {
	snapshot := testutil.StateOf(testutil.Inserts(2, 0, 2)...)
	e, rec := newTestEngine(t, 1, WithSnapshotSource(testutil.SnapshotSource{State: snapshot, Found: true}))

	e.Join(ir.JoinEvent{Key: "session"})
	require.NoError(t, e.LoadSnapshot(context.Background()))
	drain(t, e)

	assert.True(t, snapshot.Equal(e.CurrentState()))
	assert.Len(t, rec.Of(testutil.EmitQuery), 1)
}

func TestBootstrap_NothingPersisted(t *testing.T) {
	e, rec := newTestEngine(t, 1, WithSnapshotSource(testutil.SnapshotSource{}))

	e.Join(ir.JoinEvent{Key: "session"})
	require.NoError(t, e.LoadSnapshot(context.Background()))
	drain(t, e)

	assert.Equal(t, []testutil.EmissionKind{testutil.EmitQuery}, rec.Kinds())
}

func TestBootstrap_LoadErrorStartsEmpty(t *testing.T) {
	boom := errors.New("disk on fire")
	e, rec := newTestEngine(t, 1, WithSnapshotSource(testutil.SnapshotSource{Err: boom}))

	e.Join(ir.JoinEvent{Key: "session"})
	e.DeliverRemote(testutil.Insert(2, 0))
	err := e.LoadSnapshot(context.Background())
	require.ErrorIs(t, err, boom)
	drain(t, e)

	assert.Equal(t, []testutil.EmissionKind{
		testutil.EmitQuery, testutil.EmitApplied, testutil.EmitState,
	}, rec.Kinds())
	assert.Equal(t, 1, e.CurrentState().Len())
}

func TestBootstrap_RunLoadsSnapshot(t *testing.T) {
	snapshot := testutil.StateOf(testutil.Inserts(2, 0, 1)...)
	rec := testutil.NewRecorder()
	e := New(1, rec,
		WithoutPeriodicQuery(),
		WithLogger(quietLogger()),
		WithSnapshotSource(testutil.SnapshotSource{State: snapshot, Found: true}),
	)
	t.Cleanup(e.Dispose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	e.Join(ir.JoinEvent{Key: "session"})

	require.Eventually(t, func() bool {
		return len(rec.Of(testutil.EmitQuery)) == 1
	}, time.Second, time.Millisecond)
	assert.True(t, snapshot.Equal(e.CurrentState()))
}

func TestBootstrap_Ready(t *testing.T) {
	plain, _ := newTestEngine(t, 1)
	assert.True(t, plain.Ready())

	e, _ := newTestEngine(t, 2, WithAwaitSnapshot())
	e.SubmitLocal(insertOp("early"))
	drain(t, e)
	assert.False(t, e.Ready())

	e.OfferSnapshot(testutil.StateOf())
	drain(t, e)
	assert.True(t, e.Ready())
	assert.Equal(t, 1, e.CurrentState().Len())
}

func TestBootstrap_SnapshotAfterLocalEditsKeepsOwnOperations(t *testing.T) {
	e, rec := newTestEngine(t, 1)

	e.SubmitLocal(insertOp("a"))
	e.SubmitLocal(insertOp("b"))
	drain(t, e)

	e.OfferSnapshot(testutil.StateOf(testutil.Insert(2, 0)))
	drain(t, e)

	e.SubmitLocal(insertOp("c"))
	drain(t, e)
	require.False(t, e.Disposed(), "a snapshot after local edits must not fault the engine")

	state := e.CurrentState()
	var dots []ir.Dot
	for _, op := range state.Log {
		dots = append(dots, op.Dot())
	}
	assert.Equal(t, []ir.Dot{{SiteID: 2, Clock: 0}, {SiteID: 1, Clock: 0}, {SiteID: 1, Clock: 1}, {SiteID: 1, Clock: 2}}, dots)
	assert.True(t, state.Vector.Equal(ir.StateVectorFrom(map[int]int{1: 2, 2: 0})))

	locals := rec.Of(testutil.EmitLocal)
	require.Len(t, locals, 3)
	assert.Equal(t, 2, locals[2].Local.Clock, "own stamps are not reused")
}

func TestBootstrap_SnapshotCoveringOwnOperations(t *testing.T) {
	e, _ := newTestEngine(t, 1)

	e.SubmitLocal(insertOp("a"))
	drain(t, e)

	// The snapshot already holds 1:0 and a later own operation.
	e.OfferSnapshot(testutil.StateOf(testutil.Insert(1, 0), testutil.Insert(1, 1)))
	e.SubmitLocal(insertOp("b"))
	drain(t, e)

	require.False(t, e.Disposed())
	assert.Equal(t, 3, e.CurrentState().Len())
	assert.Equal(t, 3, e.Clock())
}
