package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/mutesync/internal/ir"
	"github.com/roach88/mutesync/internal/store"
	"github.com/roach88/mutesync/internal/store/boltstore"
)

// Store backends selectable with --backend.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// snapshotStore is the part of both store backends the commands use.
type snapshotStore interface {
	LoadState(ctx context.Context) (ir.State, bool, error)
	SaveState(ctx context.Context, state ir.State) error
	Digest(ctx context.Context) (string, bool, error)
	LoadSession(ctx context.Context) (store.Session, bool, error)
	SaveSession(ctx context.Context, sess store.Session) error
	Close() error
}

// openStore opens a snapshot store. With mustExist set a missing file is
// an error instead of a new empty store.
func openStore(path, backend string, mustExist bool) (snapshotStore, error) {
	if mustExist {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("database not found: %s", path)
		}
	}
	switch backend {
	case BackendSQLite, "":
		return store.Open(path)
	case BackendBolt:
		return boltstore.Open(path)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be %s or %s", backend, BackendSQLite, BackendBolt)
	}
}
