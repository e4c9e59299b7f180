package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/roach88/mutesync/internal/ir"
)

// LoadState reads the persisted snapshot. ok is false when nothing has
// been saved yet. Implements engine.SnapshotSource.
func (s *Store) LoadState(ctx context.Context) (ir.State, bool, error) {
	log, err := s.readOperations(ctx, `
		SELECT site_id, clock, kind, payload
		FROM operations
		ORDER BY position ASC
	`)
	if err != nil {
		return ir.State{}, false, fmt.Errorf("load state: %w", err)
	}

	vector, err := readVector(ctx, s.db)
	if err != nil {
		return ir.State{}, false, fmt.Errorf("load state: %w", err)
	}

	if len(log) == 0 && vector.Len() == 0 {
		return ir.State{}, false, nil
	}
	return ir.State{Vector: vector, Log: log}, true, nil
}

// ReadRange returns the stored operations of iv.SiteID with clocks in
// [Begin, End], in clock order.
func (s *Store) ReadRange(ctx context.Context, iv ir.Interval) ([]ir.RichOperation, error) {
	ops, err := s.readOperations(ctx, `
		SELECT site_id, clock, kind, payload
		FROM operations
		WHERE site_id = ? AND clock BETWEEN ? AND ?
		ORDER BY clock ASC
	`, iv.SiteID, iv.Begin, iv.End)
	if err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}
	return ops, nil
}

// Digest returns the digest recorded by the last SaveState.
func (s *Store) Digest(ctx context.Context) (string, bool, error) {
	return s.getMeta(ctx, metaDigest)
}

// LoadSession returns the session recorded by SaveSession.
func (s *Store) LoadSession(ctx context.Context) (Session, bool, error) {
	site, ok, err := s.getMeta(ctx, metaSiteID)
	if err != nil || !ok {
		return Session{}, false, err
	}
	id, err := strconv.Atoi(site)
	if err != nil {
		return Session{}, false, fmt.Errorf("load session: site id %q: %w", site, err)
	}
	key, _, err := s.getMeta(ctx, metaSessionKey)
	if err != nil {
		return Session{}, false, err
	}
	return Session{SiteID: id, Key: key}, true, nil
}

func (s *Store) readOperations(ctx context.Context, query string, args ...any) ([]ir.RichOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []ir.RichOperation{}
	for rows.Next() {
		var (
			site, clock int
			kind        string
			payload     []byte
		)
		if err := rows.Scan(&site, &clock, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		k, err := ir.ParseOperationKind(kind)
		if err != nil {
			return nil, fmt.Errorf("operation %d:%d: %w", site, clock, err)
		}
		ops = append(ops, ir.NewRichOperation(site, clock, ir.Operation{Kind: k, Payload: payload}))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readVector(ctx context.Context, q queryer) (ir.StateVector, error) {
	rows, err := q.QueryContext(ctx, `SELECT site_id, clock FROM vector ORDER BY site_id ASC`)
	if err != nil {
		return ir.StateVector{}, fmt.Errorf("query vector: %w", err)
	}
	defer rows.Close()

	entries := make(map[int]int)
	for rows.Next() {
		var site, clock int
		if err := rows.Scan(&site, &clock); err != nil {
			return ir.StateVector{}, fmt.Errorf("scan vector: %w", err)
		}
		entries[site] = clock
	}
	if err := rows.Err(); err != nil {
		return ir.StateVector{}, fmt.Errorf("iterate vector: %w", err)
	}
	return ir.StateVectorFrom(entries), nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	return getMetaTx(ctx, s.db, key)
}

func getMetaTx(ctx context.Context, q queryer, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}
