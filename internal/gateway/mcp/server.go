// Package mcp exposes the executor as a Model Context Protocol server.
//
// Each policy program gets its own run_<program> tool so the caller sees
// exactly which programs are available. run_command and check_command
// accept a full command line; list_policies and the warden://policies
// resource describe what each program permits. Results are rendered as
// YAML reports sized for a model's context window.
package mcp

import (
	"context"
	"io"
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/warden/internal/executor"
	"github.com/jkaninda/warden/internal/policy"
)

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Name    string
	Version string

	// Workspace is the root every command is fenced to.
	Workspace string
	BaseEnv   map[string]string

	ReportMaxBytes        int
	SuppressSuccessOutput bool
	PerProgramTools       bool
}

// Server wraps an mcp-go server bound to one executor.
type Server struct {
	cfg       ServerConfig
	runner    executor.Runner
	policies  *policy.Store
	logger    *slog.Logger
	mcpServer *mcpserver.MCPServer
}

// NewServer creates an MCP server with every tool and resource registered.
func NewServer(cfg ServerConfig, runner executor.Runner, policies *policy.Store, logger *slog.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "warden"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		cfg:      cfg,
		runner:   runner,
		policies: policies,
		logger:   logger,
	}
	s.mcpServer = mcpserver.NewMCPServer(cfg.Name, cfg.Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(instructions),
	)
	s.registerTools()
	s.registerResources()
	return s
}

const instructions = "Runs development commands inside a fixed workspace. " +
	"Commands are executed without a shell; pipes, redirection and chaining are refused. " +
	"Only programs with a policy are allowed, and only with the flags their policy lists. " +
	"Read warden://policies or call list_policies before guessing flags."

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP over stdin/stdout until ctx is cancelled or the
// client disconnects.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("mcp server listening on stdio",
		slog.String("name", s.cfg.Name),
		slog.String("workspace", s.cfg.Workspace),
		slog.Int("tools", len(s.mcpServer.ListTools())),
	)
	return stdio.Listen(ctx, in, out)
}
