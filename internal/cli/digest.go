package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/mutesync/internal/ir"
)

// DigestResult is the output of the digest command.
type DigestResult struct {
	Path       string `json:"path"`
	Digest     string `json:"digest"`
	Content    string `json:"content_digest"`
	Operations int    `json:"operations"`
	Recomputed bool   `json:"recomputed"`
}

// NewDigestCommand creates the digest command.
func NewDigestCommand(rootOpts *RootOptions) *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "digest <db>",
		Short: "Print the digest of a stored state",
		Long: `Print the state digest recorded in a store, plus the content digest
(independent of application order) used to compare replicas.

Example:
  mutesync digest ./site-1.db
  mutesync digest ./site-1.bolt --backend bolt`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDigest(rootOpts, args[0], backend, cmd)
		},
	}

	cmd.Flags().StringVar(&backend, "backend", BackendSQLite, "store backend (sqlite|bolt)")

	return cmd
}

func runDigest(opts *RootOptions, path, backend string, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := openStore(path, backend, true)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	state, ok, err := st.LoadState(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load state", err)
	}
	if !ok {
		state = ir.NewState(ir.NewStateVector(), nil)
	}

	result := DigestResult{Path: path, Operations: state.Len()}
	digest, found, err := st.Digest(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read digest", err)
	}
	if !found {
		if digest, err = ir.StateDigest(state); err != nil {
			return WrapExitError(ExitCommandError, "failed to compute digest", err)
		}
		result.Recomputed = true
	}
	result.Digest = digest

	if result.Content, err = ir.ContentDigest(state); err != nil {
		return WrapExitError(ExitCommandError, "failed to compute content digest", err)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintln(formatter.Writer, result.Digest)
	formatter.VerboseLog("content %s, %d operation(s)", result.Content, result.Operations)
	return nil
}
