package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/eventide/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Trace bool
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file>...",
		Short: "Run conformance scenarios",
		Long: `Run YAML conformance scenarios against a fresh in-memory engine.

Each scenario appends events, checks the outcome of every append, and
evaluates its assertions. The command fails if any scenario fails.

Example:
  eventide scenario ./scenarios/order_lifecycle.yaml
  eventide scenario ./scenarios/*.yaml --trace`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the trace of every scenario")

	return cmd
}

// scenarioReport is the output of one scenario run.
type scenarioReport struct {
	Name   string               `json:"name"`
	File   string               `json:"file"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace,omitempty"`
}

func runScenarios(cmd *cobra.Command, opts *ScenarioOptions, files []string) error {
	out := opts.output(cmd)
	logger := opts.Logger()

	reports := make([]scenarioReport, 0, len(files))
	for _, file := range files {
		scenario, err := harness.LoadScenario(file)
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeScenario, fmt.Sprintf("load %s", file), err, nil)
		}

		logger.Debug("running scenario", "name", scenario.Name, "file", file)
		result, err := harness.RunContext(cmd.Context(), scenario)
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeScenario, fmt.Sprintf("run %s", scenario.Name), err, nil)
		}

		report := scenarioReport{
			Name:   scenario.Name,
			File:   file,
			Pass:   result.Pass,
			Errors: result.Errors,
		}
		if opts.Trace {
			report.Trace = result.Trace
		}
		reports = append(reports, report)
	}

	failed := 0
	for _, r := range reports {
		if !r.Pass {
			failed++
		}
	}

	err := out.Print(reports, func(w io.Writer) error {
		for _, r := range reports {
			status := "PASS"
			if !r.Pass {
				status = "FAIL"
			}
			fmt.Fprintf(w, "%s %s (%s)\n", status, r.Name, r.File)
			for _, msg := range r.Errors {
				fmt.Fprintf(w, "    %s\n", msg)
			}
			if opts.Trace {
				data, err := harness.TraceSnapshot{ScenarioName: r.Name, Trace: r.Trace}.Marshal()
				if err != nil {
					return err
				}
				w.Write(data)
			}
		}
		fmt.Fprintf(w, "%d passed, %d failed\n", len(reports)-failed, failed)
		return nil
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "write output", err)
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", failed, len(reports)))
	}
	return nil
}
