package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	uriRoles          = "kaigi://roles"
	uriSessionsRecent = "kaigi://sessions/recent"
	uriSessionPrefix  = "kaigi://session/"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriRoles,
			"Council Roles",
			mcplib.WithResourceDescription("Deliberation roles agents play during a council run"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRolesResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriSessionsRecent,
			"Recent Sessions",
			mcplib.WithResourceDescription("The most recently created sessions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessionsRecent,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			uriSessionPrefix+"{id}",
			"Session Transcript",
			mcplib.WithTemplateDescription("A session with its full transcript"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionResource,
	)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRolesResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(uriRoles, s.svc.Roles(ctx))
}

func (s *Server) handleSessionsRecent(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	sessions, err := s.svc.ListSessions(ctx, 10, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent sessions: %w", err)
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, compactSession(sess))
	}
	return jsonResource(uriSessionsRecent, out)
}

func (s *Server) handleSessionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw, ok := strings.CutPrefix(uri, uriSessionPrefix)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid session URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid session id in URI: %s", uri)
	}
	detail, err := s.svc.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: session %s: %w", id, err)
	}
	return jsonResource(uri, detail)
}
