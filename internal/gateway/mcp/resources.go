package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const policiesURI = "warden://policies"

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			policiesURI,
			"Program Policies",
			mcplib.WithResourceDescription("Allowed programs with their flags, limits and subcommands"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePoliciesResource,
	)
}

func (s *Server) handlePoliciesResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.Marshal(s.policies.Summaries())
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
