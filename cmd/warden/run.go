package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/executor"
	"github.com/jkaninda/warden/internal/report"
)

var (
	runCwd       string
	runWorkspace string
	runTimeout   time.Duration
	runMaxOutput int
	runJSON      bool
	runQuiet     bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command line>",
	Short: "Validate and run one command inside the workspace",
	Long: `Validate a command line against its program policy and run it.
The command line is tokenized with POSIX quoting rules; no shell is involved,
so pipes, redirection, globbing and variable expansion are refused.

Examples:
  warden run -- pytest -q tests/test_api.py
  warden run --cwd pkg "git log --oneline -n 5"
  warden run --timeout 30s -- ruff check src

Exit codes:
  0  command ran and exited 0
  1  command ran and failed
  2  command denied by policy
  3  command timed out or was cancelled`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	addExecFlags(runCmd)
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "shorter timeout than the policy default")
	runCmd.Flags().IntVar(&runMaxOutput, "max-output", 0, "per-stream output cap in bytes, bounded by the policy")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the report as JSON")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "omit output of successful commands from the report")
}

// addExecFlags registers the flags shared by run and check.
func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&runCwd, "cwd", "", "working directory, relative to the workspace root")
	cmd.Flags().StringVarP(&runWorkspace, "workspace", "w", "", "workspace root (default: config workspace, then the current directory)")
}

func runRun(_ *cobra.Command, args []string) error {
	sc, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req, err := execRequest(sc, args)
	if err != nil {
		return err
	}
	req.Timeout = runTimeout
	req.MaxOutputBytes = runMaxOutput

	res := sc.Runner.Run(ctx, req)

	opts := report.Options{
		MaxBytes:              sc.Config.Executor.ReportMaxBytes,
		SuppressSuccessOutput: runQuiet,
	}
	if runJSON {
		data, err := json.MarshalIndent(report.Build(res, opts), "", "  ")
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		fmt.Println(string(data))
	} else {
		text, err := report.Render(res, opts)
		if err != nil {
			return fmt.Errorf("rendering report: %w", err)
		}
		fmt.Print(text)
	}

	if code := statusExitCode(res.Status()); code != ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

// execRequest builds a request from the command-line arguments. Several
// arguments are joined with spaces, so quoting must survive the caller's shell.
func execRequest(sc *SharedComponents, args []string) (executor.Request, error) {
	workspace := runWorkspace
	if workspace == "" {
		workspace = sc.Config.ResolvedWorkspace()
	}
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return executor.Request{}, fmt.Errorf("determining working directory: %w", err)
		}
		workspace = wd
	}
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return executor.Request{}, fmt.Errorf("resolving workspace: %w", err)
	}
	return executor.Request{
		CommandLine:   strings.Join(args, " "),
		WorkspaceRoot: workspace,
		Cwd:           runCwd,
		BaseEnv:       sc.Config.Executor.BaseEnvironment(),
	}, nil
}

func statusExitCode(status string) int {
	switch status {
	case executor.StatusSuccess:
		return ExitSuccess
	case executor.StatusDenied:
		return ExitPolicyDenied
	case executor.StatusTimeout, executor.StatusCancelled:
		return ExitTimeout
	default:
		return ExitFailure
	}
}
