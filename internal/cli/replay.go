package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/mutesync/internal/engine"
	"github.com/roach88/mutesync/internal/ir"
	"github.com/roach88/mutesync/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Backend  string
	Interval string // optional "site:begin:end", SQLite only
}

// ReplayResult holds the replay result.
type ReplayResult struct {
	SiteID       int                `json:"site_id,omitempty"`
	Operations   int                `json:"operations"`
	Applied      int                `json:"applied"`
	Vector       map[int]int        `json:"vector"`
	StoredDigest string             `json:"stored_digest"`
	Digest       string             `json:"digest"`
	Verified     bool               `json:"verified"`
	Interval     *ir.Interval       `json:"interval,omitempty"`
	Range        []ir.RichOperation `json:"range,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <db>",
		Short: "Bootstrap a replica from a stored state and verify it",
		Long: `Load the persisted state, bootstrap a fresh engine from it through
causal delivery, and check that the replayed state has the stored digest.

Exit codes:
  0 - Replayed state matches the stored state
  1 - Digest mismatch
  2 - Command error (database not found, etc.)

Examples:
  mutesync replay ./site-1.db
  mutesync replay ./site-1.bolt --backend bolt --format json
  mutesync replay ./site-1.db --interval 2:0:9`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", BackendSQLite, "store backend (sqlite|bolt)")
	cmd.Flags().StringVar(&opts.Interval, "interval", "", "also print the stored operations in site:begin:end (sqlite)")

	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var interval *ir.Interval
	if opts.Interval != "" {
		iv, err := parseInterval(opts.Interval)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --interval", err)
		}
		interval = &iv
	}

	st, err := openStore(path, opts.Backend, true)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	stored, ok, err := st.LoadState(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load state", err)
	}
	if !ok {
		if formatter.JSON() {
			return formatter.Error(ErrCodeStoreFailed, "no state found in database", nil)
		}
		fmt.Fprintln(formatter.Writer, "No state found in database.")
		return nil
	}

	logger := newLogger(opts.RootOptions, formatter.GetErrWriter())
	result, err := replayState(ctx, st, stored, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "replay failed", err)
	}

	if interval != nil {
		sq, isSQLite := st.(*store.Store)
		if !isSQLite {
			return NewExitError(ExitCommandError, "--interval requires the sqlite backend")
		}
		ops, err := sq.ReadRange(ctx, *interval)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read interval", err)
		}
		result.Interval, result.Range = interval, ops
	}

	return outputReplay(formatter, result)
}

// replayState bootstraps a fresh engine from the store and compares what
// it rebuilt with what was stored.
func replayState(ctx context.Context, st snapshotStore, stored ir.State, logger *slog.Logger) (ReplayResult, error) {
	result := ReplayResult{}
	if sess, found, err := st.LoadSession(ctx); err == nil && found {
		result.SiteID = sess.SiteID
	}

	out := engine.OutboxFuncs{
		OnApplied: func(ops []ir.Operation) { result.Applied += len(ops) },
	}
	eng := engine.New(result.SiteID, out,
		engine.WithSnapshotSource(st),
		engine.WithoutPeriodicQuery(),
		engine.WithLogger(logger),
	)
	defer eng.Dispose()

	if err := eng.LoadSnapshot(ctx); err != nil {
		return result, err
	}
	if err := eng.Drain(); err != nil {
		return result, err
	}

	replayed := eng.CurrentState()
	digest, err := ir.StateDigest(replayed)
	if err != nil {
		return result, err
	}
	storedDigest, ok, err := st.Digest(ctx)
	if err != nil {
		return result, err
	}
	if !ok {
		if storedDigest, err = ir.StateDigest(stored); err != nil {
			return result, err
		}
	}

	result.Operations = replayed.Len()
	result.Vector = replayed.Vector.AsMap()
	result.Digest = digest
	result.StoredDigest = storedDigest
	result.Verified = digest == storedDigest && stored.Equal(replayed)
	return result, nil
}

// parseInterval parses "site:begin:end".
func parseInterval(s string) (ir.Interval, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ir.Interval{}, fmt.Errorf("want site:begin:end, got %q", s)
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return ir.Interval{}, fmt.Errorf("bad number %q in %q", p, s)
		}
		n[i] = v
	}
	if n[1] > n[2] {
		return ir.Interval{}, fmt.Errorf("begin %d after end %d", n[1], n[2])
	}
	return ir.Interval{SiteID: n[0], Begin: n[1], End: n[2]}, nil
}

func outputReplay(f *OutputFormatter, result ReplayResult) error {
	var failure *ExitError
	if !result.Verified {
		failure = NewExitError(ExitFailure, "replayed state does not match the stored state")
	}

	if f.JSON() {
		code, msg := "", ""
		if failure != nil {
			code, msg = ErrCodeDigestMismatch, failure.Message
		}
		if err := f.Result(result, code, msg); err != nil {
			return err
		}
	} else {
		writeReplayText(f.Writer, result)
	}

	if failure != nil {
		return failure
	}
	return nil
}

func writeReplayText(w io.Writer, result ReplayResult) {
	if result.SiteID != 0 {
		fmt.Fprintf(w, "Site: %d\n", result.SiteID)
	}
	fmt.Fprintf(w, "Operations: %d (%d applied on replay)\n", result.Operations, result.Applied)
	fmt.Fprintf(w, "Vector: %v\n", result.Vector)
	fmt.Fprintf(w, "Digest: %s\n", result.Digest)

	if result.Interval != nil {
		iv := result.Interval
		fmt.Fprintf(w, "Interval %d:[%d,%d]: %d operation(s)\n", iv.SiteID, iv.Begin, iv.End, len(result.Range))
		for _, op := range result.Range {
			fmt.Fprintf(w, "  %s %s %q\n", op.Dot(), op.Op.Kind, op.Op.Payload)
		}
	}

	if result.Verified {
		fmt.Fprintln(w, "✓ Replay matches stored state")
		return
	}
	fmt.Fprintf(w, "✗ Replay mismatch: stored digest %s\n", result.StoredDigest)
}
