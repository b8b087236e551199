package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/warden/internal/executor"
	"github.com/jkaninda/warden/internal/policy"
	"github.com/jkaninda/warden/internal/report"
)

const (
	runCommandTool   = "run_command"
	checkCommandTool = "check_command"
	listPoliciesTool = "list_policies"
	programToolPre   = "run_"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	tools := []mcpserver.ServerTool{
		s.runCommandTool(),
		s.checkCommandTool(),
		s.listPoliciesTool(),
	}
	if s.cfg.PerProgramTools {
		for _, name := range s.policies.Names() {
			p, _ := s.policies.Lookup(name)
			toolName := ProgramToolName(p.Name)
			if toolName == runCommandTool {
				s.logger.Warn("policy name collides with run_command; per-program tool skipped",
					slog.String("policy", p.Name))
				continue
			}
			tools = append(tools, s.programTool(p, toolName))
		}
	}
	s.mcpServer.AddTools(tools...)
}

// ProgramToolName returns the per-program tool name for a policy.
// Characters outside [A-Za-z0-9_-] become underscores.
func ProgramToolName(program string) string {
	var b strings.Builder
	b.WriteString(programToolPre)
	for _, c := range program {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// execOptions are the tool arguments shared by every run tool.
func execOptions() []mcplib.ToolOption {
	return []mcplib.ToolOption{
		mcplib.WithString("cwd",
			mcplib.Description("Working directory, relative to the workspace root. Defaults to the root."),
		),
		mcplib.WithNumber("timeout_seconds",
			mcplib.Description("Shorter timeout than the policy default. Longer values are ignored."),
		),
		mcplib.WithNumber("max_output_bytes",
			mcplib.Description("Per-stream output cap, bounded by the policy's own cap."),
		),
	}
}

func (s *Server) runCommandTool() mcpserver.ServerTool {
	opts := []mcplib.ToolOption{
		mcplib.WithDescription("Run one command line inside the workspace. No shell: quotes are honoured, " +
			"but pipes, redirection, globbing and variable expansion are refused."),
		mcplib.WithString("command",
			mcplib.Required(),
			mcplib.Description("The full command line, e.g. `pytest -q tests/test_api.py`"),
		),
		mcplib.WithDestructiveHintAnnotation(true),
	}
	return mcpserver.ServerTool{
		Tool:    mcplib.NewTool(runCommandTool, append(opts, execOptions()...)...),
		Handler: s.handleRunCommand,
	}
}

func (s *Server) checkCommandTool() mcpserver.ServerTool {
	tool := mcplib.NewTool(checkCommandTool,
		mcplib.WithDescription("Report whether a command line would be allowed, and with which limits, without running it."),
		mcplib.WithString("command",
			mcplib.Required(),
			mcplib.Description("The full command line to check"),
		),
		mcplib.WithString("cwd",
			mcplib.Description("Working directory, relative to the workspace root"),
		),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleCheckCommand,
	}
}

func (s *Server) listPoliciesTool() mcpserver.ServerTool {
	tool := mcplib.NewTool(listPoliciesTool,
		mcplib.WithDescription("List every allowed program with its permitted flags and limits"),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListPolicies,
	}
}

func (s *Server) programTool(p *policy.Policy, name string) mcpserver.ServerTool {
	opts := []mcplib.ToolOption{
		mcplib.WithDescription(programDescription(p)),
		mcplib.WithString("args",
			mcplib.Description("Arguments after the program name, quoted as in a POSIX shell"),
		),
		mcplib.WithDestructiveHintAnnotation(true),
	}
	program := p.Name
	handler := func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		args := req.GetArguments()
		line := program
		if rest := strings.TrimSpace(stringArg(args, "args")); rest != "" {
			line += " " + rest
		}
		return s.execute(ctx, line, args), nil
	}
	return mcpserver.ServerTool{
		Tool:    mcplib.NewTool(name, append(opts, execOptions()...)...),
		Handler: handler,
	}
}

func programDescription(p *policy.Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s inside the workspace (timeout %s).", p.Name, p.DefaultTimeout)
	if subs := p.Extensions.Strings(policy.ExtSubcommands); len(subs) > 0 {
		fmt.Fprintf(&b, " Subcommands: %s.", strings.Join(subs, ", "))
	}
	if len(p.AllowedFlags) > 0 {
		fmt.Fprintf(&b, " Allowed flags: %s.", strings.Join(p.AllowedFlags, " "))
	} else {
		b.WriteString(" No flags are allowed.")
	}
	if len(p.ValueFlags) > 0 {
		fmt.Fprintf(&b, " Flags taking a value: %s.", strings.Join(p.ValueFlags, " "))
	}
	return b.String()
}

func (s *Server) handleRunCommand(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := req.GetArguments()
	command := stringArg(args, "command")
	if strings.TrimSpace(command) == "" {
		return mcplib.NewToolResultError("command is required"), nil
	}
	return s.execute(ctx, command, args), nil
}

func (s *Server) handleCheckCommand(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := req.GetArguments()
	command := stringArg(args, "command")
	if strings.TrimSpace(command) == "" {
		return mcplib.NewToolResultError("command is required"), nil
	}
	d := s.runner.Check(ctx, s.request(command, args))
	text, err := report.RenderDecision(d)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to render decision", err), nil
	}
	return mcplib.NewToolResultText(text), nil
}

func (s *Server) handleListPolicies(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(s.policies.Summaries())
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal policies", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

// execute runs line and renders the result. Denials are flagged as tool
// errors; a command that ran is reported normally whatever its exit code.
func (s *Server) execute(ctx context.Context, line string, args map[string]any) *mcplib.CallToolResult {
	res := s.runner.Run(ctx, s.request(line, args))
	text, err := report.Render(res, report.Options{
		MaxBytes:              s.cfg.ReportMaxBytes,
		SuppressSuccessOutput: s.cfg.SuppressSuccessOutput,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to render result", err)
	}
	s.logger.Debug("mcp tool executed",
		slog.String("request_id", res.RequestID),
		slog.String("status", res.Status()),
	)
	if res.Status() == executor.StatusDenied {
		return mcplib.NewToolResultError(text)
	}
	return mcplib.NewToolResultText(text)
}

func (s *Server) request(line string, args map[string]any) executor.Request {
	return executor.Request{
		CommandLine:    line,
		WorkspaceRoot:  s.cfg.Workspace,
		Cwd:            stringArg(args, "cwd"),
		BaseEnv:        s.cfg.BaseEnv,
		Timeout:        time.Duration(numberArg(args, "timeout_seconds") * float64(time.Second)),
		MaxOutputBytes: int(numberArg(args, "max_output_bytes")),
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// numberArg returns a non-negative number argument; anything else is zero.
func numberArg(args map[string]any, key string) float64 {
	var n float64
	switch v := args[key].(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		n, _ = v.Float64()
	}
	return max(n, 0)
}
