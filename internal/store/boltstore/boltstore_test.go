package boltstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/roach88/mutesync/internal/ir"
	"github.com/roach88/mutesync/internal/store"
	"github.com/roach88/mutesync/internal/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "replica.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestOpen_CreatesBuckets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.bolt")
	s, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	err = s.db.View(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketLog, bucketVector, bucketMeta} {
			if tx.Bucket(b) == nil {
				return os.ErrNotExist
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOpen_InvalidPath(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "replica.bolt"))
	assert.Error(t, err)
	assert.Nil(t, s)
}

func TestLoadState_Empty(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.LoadState(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Digest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveState_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := testutil.StateOf(
		testutil.Insert(300, 0),
		testutil.Insert(2, 0),
		testutil.Delete(300, 1),
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

func TestSaveState_AppendAndReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// More than 256 entries so positions span multiple key bytes.
	log := testutil.Inserts(1, 0, 299)
	require.NoError(t, s.SaveState(ctx, testutil.StateOf(log[:10]...)))
	require.NoError(t, s.SaveState(ctx, testutil.StateOf(log...)))

	got, _, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, testutil.StateOf(log...).Equal(got))

	replaced := testutil.StateOf(testutil.Insert(9, 0))
	require.NoError(t, s.SaveState(ctx, replaced))

	got, _, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, replaced.Equal(got), "want %v, got %v", replaced, got)
}

func TestSaveState_ReplacesLogWithSameEnds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveState(ctx, testutil.StateOf(testutil.Inserts(1, 0, 2)...)))

	next := testutil.StateOf(testutil.Insert(1, 0), testutil.Delete(1, 1), testutil.Insert(1, 2), testutil.Insert(1, 3))
	require.NoError(t, s.SaveState(ctx, next))

	got, _, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, next.Equal(got), "want %v, got %v", next, got)
}

func TestSession_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadSession(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveSession(ctx, store.Session{SiteID: 1234567, Key: "session-a"}))
	require.NoError(t, s.SaveState(ctx, testutil.StateOf(testutil.Insert(2, 0))))

	sess, ok, err := s.LoadSession(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.Session{SiteID: 1234567, Key: "session-a"}, sess)
}
