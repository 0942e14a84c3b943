package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/anaysingh0542/multi-agent/internal/engine"
	"github.com/anaysingh0542/multi-agent/internal/expressions"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

const (
	defaultSession   = "manual-test"
	stepOutputMaxLen = 200
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan.json|plan.yaml|->",
		Short: "Validate and execute a plan",
		Long: `Validates the plan, executes it and prints the final output followed by
every step output. HITL escalations do not fail the command.

Exit codes: 0 on success (including HITL outcomes), 1 when the plan is
invalid, 2 when execution fails.`,
		Args: cobra.ExactArgs(1),
		RunE: runPlan,
	}
	cmd.Flags().String("session", defaultSession, "session id recorded on the run")
	cmd.Flags().String("query", "", `original query (default "manual:<plan name>")`)
	cmd.Flags().StringToString("meta", nil, "initial state metadata as key=value pairs")
	cmd.Flags().Bool("trace", false, "print the trace as JSON lines after the outputs")
	return cmd
}

func runPlan(cmd *cobra.Command, args []string) error {
	data, name, err := readPlan(cmd, args[0])
	if err != nil {
		return withExitCode(exitValidation, err)
	}

	a, err := newApp(cmd)
	if err != nil {
		return withExitCode(exitValidation, err)
	}
	defer a.Close()

	plan, result := a.validator.ValidateDocument(data, name)
	printIssues(cmd.ErrOrStderr(), result)
	if !result.Valid() {
		return withExitCode(exitValidation, fmt.Errorf("plan %s is invalid", name))
	}

	session, _ := cmd.Flags().GetString("session")
	query, _ := cmd.Flags().GetString("query")
	meta, _ := cmd.Flags().GetStringToString("meta")
	state := engine.NewState(plan, session, query)
	for k, v := range meta {
		state.SetMetadata(k, v)
	}

	ctx := cmd.Context()
	a.serveMetrics(ctx)

	res, execErr := a.executor.Execute(ctx, plan, state)
	out := cmd.OutOrStdout()
	printResult(out, res)
	if withTrace, _ := cmd.Flags().GetBool("trace"); withTrace {
		if err := printTrace(out, res.Trace); err != nil {
			return withExitCode(exitRuntime, err)
		}
	}
	if execErr != nil {
		return withExitCode(exitRuntime, fmt.Errorf("execution failed: %w", execErr))
	}
	return nil
}

// readPlan reads a plan document from path, or from stdin when path is "-".
func readPlan(cmd *cobra.Command, path string) ([]byte, string, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, "", fmt.Errorf("read plan from stdin: %w", err)
		}
		return data, "stdin", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read plan: %w", err)
	}
	return data, path, nil
}

// printResult writes the final output and the step outputs sorted by id.
func printResult(w io.Writer, res *engine.Result) {
	fmt.Fprintln(w, "=== Plan Executed ===")
	fmt.Fprintln(w, "Final Output:")
	fmt.Fprintln(w, formatValue(res.FinalOutput))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Step Outputs:")

	ids := make([]string, 0, len(res.Steps))
	for id := range res.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "- %s: %s\n", id, truncate(formatValue(res.Steps[id]), stepOutputMaxLen))
	}
}

func printTrace(w io.Writer, trace []schema.TraceEvent) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, ev := range trace {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode trace: %w", err)
		}
	}
	return nil
}

func printIssues(w io.Writer, result *schema.ValidationResult) {
	for _, issue := range result.Errors {
		fmt.Fprintln(w, issue)
	}
	for _, issue := range result.Warnings {
		fmt.Fprintln(w, issue)
	}
}

// formatValue renders strings verbatim and everything else as compact JSON.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return val
	}
	data, err := expressions.CompactJSON(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
