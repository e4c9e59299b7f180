// Package boltstore persists replica snapshots in a bbolt file.
//
// It has the same contract as the SQLite store, sessions included:
// LoadState implements engine.SnapshotSource and SaveState appends only the
// new log tail when it can.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/roach88/mutesync/internal/ir"
	"github.com/roach88/mutesync/internal/store"
)

var (
	// bucketLog maps big-endian position -> JSON RichOperation.
	bucketLog = []byte("log")
	// bucketVector maps big-endian site id -> big-endian clock.
	bucketVector = []byte("vector")
	// bucketMeta holds the digest of the last saved state and the session.
	bucketMeta = []byte("meta")

	keyDigest     = []byte("digest")
	keySiteID     = []byte("site_id")
	keySessionKey = []byte("session_key")
)

// Store is a bbolt-backed snapshot store.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Store{db: db}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketLog, bucketVector, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// SaveState persists state, appending only the new log tail when the
// stored log is a prefix of state.Log.
func (s *Store) SaveState(ctx context.Context, state ir.State) error {
	digest, err := ir.StateDigest(state)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		log := tx.Bucket(bucketLog)

		start, err := appendStart(tx, state.Log)
		if err != nil {
			return err
		}
		if start == 0 {
			if err := resetBucket(tx, &log, bucketLog); err != nil {
				return err
			}
		}

		for i := start; i < len(state.Log); i++ {
			data, err := json.Marshal(state.Log[i])
			if err != nil {
				return fmt.Errorf("encode operation %s: %w", state.Log[i].Dot(), err)
			}
			if err := log.Put(uint64Key(uint64(i)), data); err != nil {
				return fmt.Errorf("put operation %s: %w", state.Log[i].Dot(), err)
			}
		}

		var vector *bbolt.Bucket
		if err := resetBucket(tx, &vector, bucketVector); err != nil {
			return err
		}
		var putErr error
		state.Vector.ForEach(func(id, clock int) {
			if putErr == nil {
				putErr = vector.Put(uint64Key(uint64(id)), uint64Key(uint64(clock)))
			}
		})
		if putErr != nil {
			return fmt.Errorf("put vector: %w", putErr)
		}

		return tx.Bucket(bucketMeta).Put(keyDigest, []byte(digest))
	})
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState reads the persisted snapshot. ok is false when nothing has
// been saved yet.
func (s *Store) LoadState(ctx context.Context) (ir.State, bool, error) {
	var state ir.State

	err := s.db.View(func(tx *bbolt.Tx) error {
		state.Log = []ir.RichOperation{}
		err := tx.Bucket(bucketLog).ForEach(func(_, v []byte) error {
			var op ir.RichOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("decode operation: %w", err)
			}
			state.Log = append(state.Log, op)
			return nil
		})
		if err != nil {
			return err
		}

		state.Vector = readVector(tx)
		return nil
	})
	if err != nil {
		return ir.State{}, false, fmt.Errorf("load state: %w", err)
	}

	if len(state.Log) == 0 && state.Vector.Len() == 0 {
		return ir.State{}, false, nil
	}
	return state, true, nil
}

// Digest returns the digest recorded by the last SaveState.
func (s *Store) Digest(ctx context.Context) (string, bool, error) {
	var digest []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyDigest); v != nil {
			digest = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get digest: %w", err)
	}
	return string(digest), digest != nil, nil
}

// appendStart returns the stored length if the stored log is a prefix of
// log, 0 otherwise. Matching ends are checked first, then the stored
// digest against the digest of log's prefix under the stored vector.
func appendStart(tx *bbolt.Tx, log []ir.RichOperation) (int, error) {
	c := tx.Bucket(bucketLog).Cursor()
	lastKey, lastVal := c.Last()
	if lastKey == nil {
		return 0, nil
	}
	stored := int(binary.BigEndian.Uint64(lastKey)) + 1
	if stored > len(log) {
		return 0, nil
	}

	_, firstVal := c.First()
	for _, end := range []struct {
		pos  int
		data []byte
	}{{0, firstVal}, {stored - 1, lastVal}} {
		var op ir.RichOperation
		if err := json.Unmarshal(end.data, &op); err != nil {
			return 0, fmt.Errorf("decode operation at %d: %w", end.pos, err)
		}
		if op.Dot() != log[end.pos].Dot() {
			return 0, nil
		}
	}

	digest := tx.Bucket(bucketMeta).Get(keyDigest)
	if digest == nil {
		return 0, nil
	}
	prefix, err := ir.StateDigest(ir.State{Vector: readVector(tx), Log: log[:stored]})
	if err != nil {
		return 0, err
	}
	if prefix != string(digest) {
		return 0, nil
	}
	return stored, nil
}

func readVector(tx *bbolt.Tx) ir.StateVector {
	entries := make(map[int]int)
	_ = tx.Bucket(bucketVector).ForEach(func(k, v []byte) error {
		entries[int(binary.BigEndian.Uint64(k))] = int(binary.BigEndian.Uint64(v))
		return nil
	})
	return ir.StateVectorFrom(entries)
}

// SaveSession records which replica and session the database belongs to.
func (s *Store) SaveSession(ctx context.Context, sess store.Session) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keySiteID, uint64Key(uint64(sess.SiteID))); err != nil {
			return err
		}
		return meta.Put(keySessionKey, []byte(sess.Key))
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the session recorded by SaveSession.
func (s *Store) LoadSession(ctx context.Context) (store.Session, bool, error) {
	var (
		sess  store.Session
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		site := meta.Get(keySiteID)
		if site == nil {
			return nil
		}
		if len(site) != 8 {
			return fmt.Errorf("site id: %d bytes", len(site))
		}
		sess.SiteID = int(binary.BigEndian.Uint64(site))
		sess.Key = string(meta.Get(keySessionKey))
		found = true
		return nil
	})
	if err != nil {
		return store.Session{}, false, fmt.Errorf("load session: %w", err)
	}
	return sess, found, nil
}

func resetBucket(tx *bbolt.Tx, b **bbolt.Bucket, name []byte) error {
	if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
		return fmt.Errorf("failed to reset %s bucket: %w", name, err)
	}
	nb, err := tx.CreateBucket(name)
	if err != nil {
		return fmt.Errorf("failed to create %s bucket: %w", name, err)
	}
	*b = nb
	return nil
}

func uint64Key(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}
