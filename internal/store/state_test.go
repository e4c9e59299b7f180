package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mutesync/internal/engine"
	"github.com/roach88/mutesync/internal/ir"
	"github.com/roach88/mutesync/internal/testutil"
)

func TestLoadState_Empty(t *testing.T) {
	s := createTestStore(t)

	_, ok, err := s.LoadState(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveState_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	want := testutil.StateOf(
		testutil.Insert(2, 0),
		testutil.Insert(1, 0),
		testutil.Delete(2, 1),
		ir.NewRichOperation(3, 0, ir.Operation{Kind: ir.OpInsert}), // empty payload
	)
	require.NoError(t, s.SaveState(ctx, want))

	got, ok, err := s.LoadState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, want.Equal(got), "want %v, got %v", want, got)

	digest, ok, err := s.Digest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.MustStateDigest(want), digest)
}

func TestSaveState_AppendsTail(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	log := testutil.Inserts(1, 0, 4)
	require.NoError(t, s.SaveState(ctx, testutil.StateOf(log[:2]...)))
	require.NoError(t, s.SaveState(ctx, testutil.StateOf(log...)))
	require.NoError(t, s.SaveState(ctx, testutil.StateOf(log...))) // no-op tail

	got, _, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, testutil.StateOf(log...).Equal(got))
}

func TestSaveState_ReplacesDivergentLog(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveState(ctx, testutil.StateOf(testutil.Inserts(1, 0, 3)...)))

	// A bootstrap replaced the log with a shorter, different one.
	replaced := testutil.StateOf(testutil.Insert(2, 0), testutil.Insert(1, 0))
	require.NoError(t, s.SaveState(ctx, replaced))

	got, _, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, replaced.Equal(got), "want %v, got %v", replaced, got)
}

func TestSaveState_ReplacesLogWithSameEnds(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveState(ctx, testutil.StateOf(testutil.Inserts(1, 0, 2)...)))

	// Same first and last dots, different middle operation.
	next := testutil.StateOf(testutil.Insert(1, 0), testutil.Delete(1, 1), testutil.Insert(1, 2), testutil.Insert(1, 3))
	require.NoError(t, s.SaveState(ctx, next))

	got, _, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, next.Equal(got), "want %v, got %v", next, got)

	// Different middle origin: appending would collide on (site, clock).
	reordered := testutil.StateOf(testutil.Insert(1, 0), testutil.Insert(2, 0), testutil.Insert(1, 1),
		testutil.Insert(1, 2), testutil.Insert(1, 3))
	require.NoError(t, s.SaveState(ctx, testutil.StateOf(testutil.Insert(1, 0), testutil.Insert(3, 0), testutil.Insert(1, 1))))
	require.NoError(t, s.SaveState(ctx, reordered))

	got, _, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, reordered.Equal(got), "want %v, got %v", reordered, got)
}

func TestReadRange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	state := testutil.StateOf(append(testutil.Inserts(1, 0, 5), testutil.Inserts(2, 0, 1)...)...)
	require.NoError(t, s.SaveState(ctx, state))

	got, err := s.ReadRange(ctx, ir.Interval{SiteID: 1, Begin: 2, End: 4})
	require.NoError(t, err)
	assert.Equal(t, testutil.Inserts(1, 2, 4), got)

	none, err := s.ReadRange(ctx, ir.Interval{SiteID: 9, Begin: 0, End: 4})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSession_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadSession(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	want := Session{SiteID: 42, Key: "0190-session"}
	require.NoError(t, s.SaveSession(ctx, want))

	got, ok, err := s.LoadSession(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.db")
	ctx := context.Background()
	want := testutil.StateOf(testutil.Inserts(7, 0, 2)...)

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.SaveState(ctx, want))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.LoadState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, want.Equal(got))
}

func TestPersistingOutbox_RestartFromSnapshot(t *testing.T) {
	s := createTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// First incarnation: persist every state.
	rec := testutil.NewRecorder()
	out := NewPersistingOutbox(s, rec, logger)
	e1 := engine.New(3, out, engine.WithoutPeriodicQuery(), engine.WithLogger(logger))
	e1.SubmitLocal(ir.Operation{Kind: ir.OpInsert, Payload: []byte("a")})
	e1.DeliverBatch(testutil.Inserts(5, 0, 1))
	e1.SubmitLocal(ir.Operation{Kind: ir.OpDelete, Payload: []byte("b")})
	require.NoError(t, e1.Drain())
	require.NoError(t, out.Err())
	assert.Equal(t, 3, out.Saves())
	assert.Len(t, rec.Of(testutil.EmitState), 3, "states are forwarded")
	before := e1.CurrentState()
	e1.Dispose()

	// Second incarnation bootstraps from the store.
	e2 := engine.New(3, nil,
		engine.WithoutPeriodicQuery(),
		engine.WithLogger(logger),
		engine.WithSnapshotSource(s),
	)
	defer e2.Dispose()
	require.NoError(t, e2.LoadSnapshot(context.Background()))
	require.NoError(t, e2.Drain())

	assert.True(t, before.Equal(e2.CurrentState()))
	assert.Equal(t, 2, e2.Clock(), "own operations restore the local clock")
}

type failingSaver struct{ err error }

func (f failingSaver) SaveState(context.Context, ir.State) error { return f.err }

func TestPersistingOutbox_SaveErrorKeepsForwarding(t *testing.T) {
	boom := errors.New("read-only filesystem")
	rec := testutil.NewRecorder()
	out := NewPersistingOutbox(failingSaver{err: boom}, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	out.StateChanged(testutil.StateOf(testutil.Insert(1, 0)))

	assert.ErrorIs(t, out.Err(), boom)
	assert.Len(t, rec.Of(testutil.EmitState), 1)
}
