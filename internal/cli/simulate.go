package cli

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mutesync/internal/harness"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Filter      string        // scenario filter (glob pattern)
	Update      bool          // regenerate golden files
	DataDir     string        // keep replica stores here
	MetricsAddr string        // serve Prometheus metrics on this address
	Linger      time.Duration // keep serving metrics after the run
	Trace       bool          // print each scenario's trace
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name      string                `json:"name"`
	Pass      bool                  `json:"pass"`
	Converged bool                  `json:"converged"`
	Sites     []harness.SiteSummary `json:"sites,omitempty"`
	Trace     []harness.TraceEvent  `json:"trace,omitempty"`
	Errors    []string              `json:"errors,omitempty"`
}

// SimulateResult holds the overall simulation result.
type SimulateResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario|dir>...",
		Short: "Run replica scenarios on a simulated network",
		Long: `Run scenario files against in-process replicas connected by a
deterministic, optionally lossy network, and check their assertions.

When a golden file exists next to a scenario (golden/<name>.golden) the
trace must match it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  mutesync simulate ./scenarios
  mutesync simulate ./scenarios --filter "restart_*" --data-dir ./out
  mutesync simulate lossy.yaml --metrics-addr :9100 --linger 30s
  mutesync simulate ./scenarios --update`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "keep replica stores under this directory")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&opts.Linger, "linger", 0, "keep serving metrics for this long after the run")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "include each scenario's trace in the output")

	return cmd
}

func runSimulate(opts *SimulateOptions, paths []string, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	var files []string
	for _, p := range paths {
		found, err := findScenarioFiles(p, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
		files = append(files, found...)
	}

	runOpts := []harness.Option{harness.WithLogger(logger)}
	if opts.MetricsAddr != "" {
		srv, err := startMetricsServer(opts.MetricsAddr, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics server", err)
		}
		defer func() {
			if opts.Linger > 0 {
				logger.Info("lingering for metrics scrape", "duration", opts.Linger)
				time.Sleep(opts.Linger)
			}
			srv.Stop()
		}()
		runOpts = append(runOpts, harness.WithMetrics(prometheusMetrics()))
	}

	result := SimulateResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		sr := runScenario(file, opts, runOpts, logger)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	return outputSimulate(newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()), result, opts.Trace)
}

// findScenarioFiles returns path itself when it is a file, or every YAML
// file below it when it is a directory.
func findScenarioFiles(path string, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(p), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, p)
		return nil
	})
	return files, err
}

// runScenario loads and executes one scenario file, then checks its golden
// trace if one exists.
func runScenario(file string, opts *SimulateOptions, runOpts []harness.Option, logger *slog.Logger) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	if opts.DataDir != "" {
		dir := filepath.Join(opts.DataDir, scenario.Name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return ScenarioResult{Name: scenario.Name, Errors: []string{err.Error()}}
		}
		runOpts = append(slices.Clip(runOpts), harness.WithDataDir(dir))
	}

	logger.Debug("running scenario", "name", scenario.Name, "sites", scenario.Sites, "seed", scenario.Seed)
	result, err := harness.Run(scenario, runOpts...)
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	sr := ScenarioResult{
		Name:      scenario.Name,
		Pass:      result.Pass,
		Converged: result.Converged(),
		Sites:     result.Sites,
		Errors:    result.Errors,
	}
	if opts.Trace {
		sr.Trace = result.Trace
	}

	goldenPath := goldenFilePath(file)
	if opts.Update {
		if err := writeGolden(goldenPath, scenario.Name, result.Trace); err != nil {
			sr.Pass = false
			sr.Errors = append(sr.Errors, fmt.Sprintf("failed to update golden file: %v", err))
		}
		return sr
	}

	if _, err := os.Stat(goldenPath); err == nil {
		match, err := matchesGolden(goldenPath, scenario.Name, result.Trace)
		switch {
		case err != nil:
			sr.Pass = false
			sr.Errors = append(sr.Errors, fmt.Sprintf("golden comparison failed: %v", err))
		case !match:
			sr.Pass = false
			sr.Errors = append(sr.Errors, "trace does not match golden file (run with --update to regenerate)")
		}
	}
	return sr
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

func writeGolden(path, name string, trace []harness.TraceEvent) error {
	data, err := harness.MarshalTrace(name, trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func matchesGolden(path, name string, trace []harness.TraceEvent) (bool, error) {
	want, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read golden file: %w", err)
	}
	got, err := harness.MarshalTrace(name, trace)
	if err != nil {
		return false, fmt.Errorf("failed to marshal trace: %w", err)
	}
	return bytes.Equal(want, got), nil
}

func outputSimulate(f *OutputFormatter, result SimulateResult, withTrace bool) error {
	var failure *ExitError
	if result.Failed > 0 {
		failure = NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	if f.JSON() {
		code, msg := "", ""
		if failure != nil {
			code, msg = ErrCodeScenarioFailed, failure.Message
		}
		if err := f.Result(result, code, msg); err != nil {
			return err
		}
		if failure != nil {
			return failure
		}
		return nil
	}

	w := f.Writer
	for _, s := range result.Scenarios {
		status := "✓"
		if !s.Pass {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s\n", status, s.Name)
		for _, site := range s.Sites {
			f.VerboseLog("  site %d: %d ops, %d pending, digest %.12s", site.Site, site.Operations, site.Pending, site.Digest)
		}
		if withTrace {
			for _, ev := range s.Trace {
				fmt.Fprintf(w, "  %s\n", formatTraceEvent(ev))
			}
		}
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Simulation Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if failure != nil {
		return failure
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}

// formatTraceEvent renders one trace line.
func formatTraceEvent(ev harness.TraceEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s site=%d", ev.Seq, ev.Type, ev.Site)
	if ev.To != 0 {
		fmt.Fprintf(&b, " to=%d", ev.To)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " msg=%s", ev.Message)
	}
	if ev.Dot != "" {
		fmt.Fprintf(&b, " dot=%s", ev.Dot)
	}
	if ev.Count != 0 {
		fmt.Fprintf(&b, " count=%d", ev.Count)
	}
	if ev.Intervals != 0 {
		fmt.Fprintf(&b, " intervals=%d", ev.Intervals)
	}
	return b.String()
}
