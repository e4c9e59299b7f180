package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/mutesync/internal/harness"
)

// ValidationError is one scenario file that failed to load.
type ValidationError struct {
	File    string `json:"file"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Files  int               `json:"files"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "validate <scenario|dir>...",
		Short: "Validate scenario files without running them",
		Long: `Check scenario files against the scenario schema and the field
rules (site ranges, persistence for restarts) without running them.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, filter, cmd)
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runValidate(opts *RootOptions, paths []string, filter string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var files []string
	for _, p := range paths {
		found, err := findScenarioFiles(p, filter)
		if err != nil {
			if fmtErr := formatter.Error(ErrCodeNotFound, err.Error(), nil); fmtErr != nil {
				return fmtErr
			}
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
		files = append(files, found...)
	}

	result := ValidationResult{Valid: true, Files: len(files)}
	for _, file := range files {
		formatter.VerboseLog("Validating %s", file)
		if _, err := harness.LoadScenario(file); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{
				File:    filepath.ToSlash(file),
				Message: err.Error(),
				Code:    ErrCodeInvalidScenario,
			})
		}
	}

	return outputValidation(formatter, result)
}

func outputValidation(f *OutputFormatter, result ValidationResult) error {
	if f.JSON() {
		code, msg := "", ""
		if !result.Valid {
			code, msg = ErrCodeInvalidScenario, fmt.Sprintf("%d invalid scenario(s)", len(result.Errors))
		}
		if err := f.Result(result, code, msg); err != nil {
			return err
		}
	} else {
		for _, e := range result.Errors {
			fmt.Fprintf(f.Writer, "✗ %s\n  %s\n", e.File, e.Message)
		}
		if result.Valid {
			fmt.Fprintf(f.Writer, "✓ %d scenario(s) valid\n", result.Files)
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d invalid scenario(s)", len(result.Errors)))
	}
	return nil
}
