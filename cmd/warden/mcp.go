package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/gateway/mcp"
)

var mcpWorkspace string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Expose warden to an MCP client over stdin/stdout.
Declares run_command, check_command, list_policies and, unless disabled,
one run_<program> tool per policy. Logs go to stderr or the configured file.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVarP(&mcpWorkspace, "workspace", "w", "", "workspace root (default: config workspace, then the current directory)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	sc, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	workspace := mcpWorkspace
	if workspace == "" {
		workspace = sc.Config.ResolvedWorkspace()
	}
	if workspace == "" {
		if workspace, err = os.Getwd(); err != nil {
			return fmt.Errorf("determining working directory: %w", err)
		}
	}
	if workspace, err = filepath.Abs(workspace); err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}

	mcpCfg := sc.Config.Gateways.MCP
	server := mcp.NewServer(mcp.ServerConfig{
		Name:                  mcpCfg.ServerName(),
		Version:               version,
		Workspace:             workspace,
		BaseEnv:               sc.Config.Executor.BaseEnvironment(),
		ReportMaxBytes:        sc.Config.Executor.ReportMaxBytes,
		SuppressSuccessOutput: mcpCfg != nil && mcpCfg.SuppressSuccessOutput,
		PerProgramTools:       mcpCfg.ProgramTools(),
	}, sc.Runner, sc.Policies, sc.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
