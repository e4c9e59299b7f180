package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/roach88/mutesync/internal/ir"
)

// Meta keys.
const (
	metaDigest     = "digest"
	metaSiteID     = "site_id"
	metaSessionKey = "session_key"
)

// Session identifies the replica a database belongs to.
type Session struct {
	SiteID int
	Key    string
}

// SaveState persists state in one transaction.
//
// When the stored log is a prefix of state.Log only the new tail is
// inserted. Any other state replaces the stored log. The vector is rewritten and the
// state digest recorded.
func (s *Store) SaveState(ctx context.Context, state ir.State) error {
	digest, err := ir.StateDigest(state)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save state: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	start, err := appendStart(ctx, tx, state.Log)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if start == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM operations`); err != nil {
			return fmt.Errorf("save state: reset log: %w", err)
		}
	}

	if err := insertOperations(ctx, tx, state.Log, start); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := writeVector(ctx, tx, state.Vector); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := setMeta(ctx, tx, metaDigest, digest); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save state: commit: %w", err)
	}
	return nil
}

// appendStart returns the log position to insert from: the stored length
// if the stored log is a prefix of log, 0 otherwise. The stored state's
// digest must equal the digest of log's prefix under the stored vector.
func appendStart(ctx context.Context, tx *sql.Tx, log []ir.RichOperation) (int, error) {
	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&stored); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	if stored == 0 || stored > len(log) {
		return 0, nil
	}

	var first, last ir.Dot
	err := tx.QueryRowContext(ctx, `
		SELECT f.site_id, f.clock, l.site_id, l.clock
		FROM operations f, operations l
		WHERE f.position = 0 AND l.position = ?
	`, stored-1).Scan(&first.SiteID, &first.Clock, &last.SiteID, &last.Clock)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read log ends: %w", err)
	}
	if first != log[0].Dot() || last != log[stored-1].Dot() {
		return 0, nil
	}

	digest, ok, err := getMetaTx(ctx, tx, metaDigest)
	if err != nil || !ok {
		return 0, err
	}
	vector, err := readVector(ctx, tx)
	if err != nil {
		return 0, err
	}
	prefix, err := ir.StateDigest(ir.State{Vector: vector, Log: log[:stored]})
	if err != nil {
		return 0, err
	}
	if prefix != digest {
		return 0, nil
	}
	return stored, nil
}

func insertOperations(ctx context.Context, tx *sql.Tx, log []ir.RichOperation, start int) error {
	if start >= len(log) {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO operations (position, site_id, clock, kind, payload)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := start; i < len(log); i++ {
		op := log[i]
		payload := op.Op.Payload
		if payload == nil {
			payload = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, i, op.SiteID, op.Clock, op.Op.Kind.String(), payload); err != nil {
			return fmt.Errorf("insert operation %s: %w", op.Dot(), err)
		}
	}
	return nil
}

func writeVector(ctx context.Context, tx *sql.Tx, v ir.StateVector) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM vector`); err != nil {
		return fmt.Errorf("reset vector: %w", err)
	}
	var err error
	v.ForEach(func(id, clock int) {
		if err != nil {
			return
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO vector (site_id, clock) VALUES (?, ?)`, id, clock)
	})
	if err != nil {
		return fmt.Errorf("write vector: %w", err)
	}
	return nil
}

func setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// SaveSession records which replica and session the database belongs to.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save session: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := setMeta(ctx, tx, metaSiteID, strconv.Itoa(sess.SiteID)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := setMeta(ctx, tx, metaSessionKey, sess.Key); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save session: commit: %w", err)
	}
	return nil
}
