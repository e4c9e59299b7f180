package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/mutesync/internal/engine"
	"github.com/roach88/mutesync/internal/ir"
)

// StateSaver is implemented by every snapshot store.
type StateSaver interface {
	SaveState(ctx context.Context, state ir.State) error
}

// PersistingOutbox forwards every engine emission to the wrapped Outbox and
// saves each published state first. Save failures are logged and kept;
// the engine keeps running.
type PersistingOutbox struct {
	engine.Outbox

	saver  StateSaver
	logger *slog.Logger

	mu      sync.Mutex
	lastErr error
	saves   int
}

// NewPersistingOutbox wraps next. A nil next discards everything but the
// saves.
func NewPersistingOutbox(saver StateSaver, next engine.Outbox, logger *slog.Logger) *PersistingOutbox {
	if next == nil {
		next = engine.OutboxFuncs{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistingOutbox{Outbox: next, saver: saver, logger: logger}
}

// StateChanged saves state, then forwards it.
func (p *PersistingOutbox) StateChanged(state ir.State) {
	err := p.saver.SaveState(context.Background(), state)

	p.mu.Lock()
	p.saves++
	if err != nil {
		p.lastErr = err
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("persist state failed", "operations", state.Len(), "error", err)
	}
	p.Outbox.StateChanged(state)
}

// Err returns the most recent save error, if any.
func (p *PersistingOutbox) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Saves returns the number of save attempts.
func (p *PersistingOutbox) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
