// Warden runs development commands inside a workspace under per-program policies.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

// Exit codes shared by run and check.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitPolicyDenied = 2
	ExitTimeout      = 3
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden runs development commands inside a workspace under per-program policies.",
	Long: `Warden validates a command line against a per-program policy and runs it
without a shell, fenced to a workspace root, with a sanitized environment,
a hard timeout and capped output.

Commands can be run one-shot from the CLI, served over HTTP, or exposed
to an MCP client over stdio.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (or WARDEN_CONFIG env; default ~/.warden/config.yaml)")
	rootCmd.AddCommand(runCmd, checkCmd, policiesCmd, serveCmd, mcpCmd, historyCmd, initCmd, versionCmd)
}

// exitError carries a process exit code out of RunE so deferred cleanup
// still runs before the process exits.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
	os.Exit(ExitFailure)
}
