package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK         = 0
	exitValidation = 1
	exitRuntime    = 2
)

// exitError carries a process exit code out of a command. A nil err exits
// silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "multiagent",
		Short: "Run multi-agent plans",
		Long: `multiagent executes declarative plans: trees of sequential, parallel,
branch and loop nodes whose leaves call registered agent handlers.

Plans are JSON or YAML documents. Ambiguous or failed steps escalate to a
human-in-the-loop record instead of aborting silently.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "settings file (default ~/.multiagent/settings.yaml)")
	flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("db", "", "run database path; \":memory:\" keeps runs in memory")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newGraphCmd(),
		newHandlersCmd(),
		newRunsCmd(),
		newScheduleCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command and exits with the command's exit code.
func Execute() {
	os.Exit(runCLI(newRootCmd(), os.Args[1:]))
}

func runCLI(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
	return exitValidation
}
