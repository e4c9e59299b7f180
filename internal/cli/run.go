package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mutesync/internal/engine"
	"github.com/roach88/mutesync/internal/ir"
	"github.com/roach88/mutesync/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database      string
	Backend       string
	SiteID        int
	QueryInterval time.Duration
	QueryJitter   time.Duration
	MetricsAddr   string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a live replica backed by a snapshot store",
		Long: `Run one replica with its event loop and periodic anti-entropy timer.

The replica bootstraps from the store, reads edits from stdin (one insert
per line, an empty line requests a sync query) and persists every state
change. Broadcasts and queries are written to stdout. The replica stops
at end of input or on SIGINT/SIGTERM.

Examples:
  mutesync run --db ./site.db
  mutesync run --db ./site.bolt --backend bolt --site 7
  mutesync run --db ./site.db --query-interval 2s --query-jitter 1s --metrics-addr :9100`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplica(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the replica store (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Backend, "backend", BackendSQLite, "store backend (sqlite|bolt)")
	cmd.Flags().IntVar(&opts.SiteID, "site", 0, "site id (default: stored session, else random)")
	cmd.Flags().DurationVar(&opts.QueryInterval, "query-interval", engine.DefaultQueryInterval, "mean delay between sync queries (0 disables)")
	cmd.Flags().DurationVar(&opts.QueryJitter, "query-jitter", engine.DefaultQueryJitter, "maximum deviation from the query interval")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runReplica(opts *RunOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	st, err := openStore(opts.Database, opts.Backend, false)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	session, created, err := resolveSession(ctx, st, opts.SiteID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read session", err)
	}
	logger = logger.With("db", opts.Database)
	logger.Info("replica starting", "site", session.SiteID, "session", session.Key, "created", created)

	engOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithSnapshotSource(st),
		engine.WithOperationLogger(slogOperationLogger{logger}),
	}
	if opts.QueryInterval > 0 {
		engOpts = append(engOpts, engine.WithQueryInterval(opts.QueryInterval, opts.QueryJitter))
	} else {
		engOpts = append(engOpts, engine.WithoutPeriodicQuery())
	}
	if opts.MetricsAddr != "" {
		srv, err := startMetricsServer(opts.MetricsAddr, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics server", err)
		}
		defer srv.Stop()
		engOpts = append(engOpts, engine.WithMetrics(prometheusMetrics()))
	}

	persist := store.NewPersistingOutbox(st, replicaPrinter(cmd.OutOrStdout()), logger)
	eng := engine.New(session.SiteID, persist, engOpts...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	eng.Join(ir.JoinEvent{Key: session.Key, Created: created})
	go func() {
		// Query ticks before bootstrap are dropped, so input waits for it.
		waitUntil(ctx, eng, eng.Ready)
		readEdits(cmd.InOrStdin(), eng, logger)
		waitUntil(ctx, eng, func() bool { return eng.QueueLen() == 0 && eng.Ready() })
		cancel()
	}()

	err = <-runErr
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	if err := persist.Err(); err != nil {
		return WrapExitError(ExitFailure, "failed to persist state", err)
	}

	state := eng.CurrentState()
	logger.Info("replica stopped", "operations", state.Len(), "saves", persist.Saves())
	return nil
}

// resolveSession picks the site id and session key. The store keeps them
// across runs; created reports that the store held no state yet.
func resolveSession(ctx context.Context, st snapshotStore, siteFlag int) (store.Session, bool, error) {
	_, existed, err := st.Digest(ctx)
	if err != nil {
		return store.Session{}, false, err
	}

	sess, _, err := st.LoadSession(ctx)
	if err != nil {
		return store.Session{}, false, err
	}

	if siteFlag != 0 {
		sess.SiteID = siteFlag
	}
	if sess.SiteID == 0 {
		sess.SiteID = ir.NewSiteID()
	}
	if sess.Key == "" {
		sess.Key = ir.NewSessionKey()
	}

	if err := st.SaveSession(ctx, sess); err != nil {
		return store.Session{}, false, err
	}
	return sess, !existed, nil
}

// readEdits submits one insert per input line; an empty line triggers a
// sync query.
func readEdits(r io.Reader, eng *engine.Engine, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			eng.TriggerQuerySync()
			continue
		}
		if !eng.SubmitLocal(ir.Operation{Kind: ir.OpInsert, Payload: []byte(line)}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("reading edits", "error", err)
	}
}

// waitUntil polls cond until it holds, the engine is disposed or ctx ends.
func waitUntil(ctx context.Context, eng *engine.Engine, cond func() bool) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !cond() && !eng.Disposed() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// replicaPrinter writes what a transport would send.
func replicaPrinter(w io.Writer) engine.Outbox {
	return engine.OutboxFuncs{
		OnLocalOperation: func(op ir.RichOperation) {
			fmt.Fprintf(w, "broadcast %s %s %q\n", op.Dot(), op.Op.Kind, op.Op.Payload)
		},
		OnQuerySync: func(vector ir.StateVector) {
			fmt.Fprintf(w, "query %v\n", vector.AsMap())
		},
		OnReplySync: func(to int, reply ir.ReplySync) {
			fmt.Fprintf(w, "reply to=%d operations=%d intervals=%d\n", to, len(reply.Operations), len(reply.Intervals))
		},
	}
}

// slogOperationLogger writes operation records as debug logs.
type slogOperationLogger struct {
	logger *slog.Logger
}

func (l slogOperationLogger) LogLocal(rec ir.LocalOperationLog) {
	l.logger.Debug("operation", "type", rec.Type, "clock", rec.Clock, "context", rec.Context.AsMap())
}

func (l slogOperationLogger) LogRemote(rec ir.RemoteOperationLog) {
	l.logger.Debug("operation", "type", rec.Type, "remote_site", rec.RemoteSiteID,
		"remote_clock", rec.RemoteClock, "context", rec.Context.AsMap())
}
