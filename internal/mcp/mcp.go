// Package mcp exposes the council engine to MCP clients.
//
// Every engine operation is a tool; roles and recent sessions are also
// published as resources so a client can orient itself without a call.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kaigi/internal/council"
	"github.com/ashita-ai/kaigi/internal/ctxutil"
)

// Server wraps the MCP server around the council service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *council.Service
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools, resources and prompts.
func New(svc *council.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kaigi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(`kaigi hosts multi-agent chat sessions that can be escalated into a council.

Create a session with two or more agents, talk in it with kaigi_append_user,
then call kaigi_escalate to freeze the conversation into a council run and
kaigi_run to deliberate. The run ends with a synthesis and the session
returns to chat on its own.`),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Error codes carried in tool error results.
const (
	codeSessionNotFound    = "session_not_found"
	codeRunNotFound        = "run_not_found"
	codeInsufficientAgents = "insufficient_agents"
	codeWrongMode          = "wrong_mode"
	codeInvalidInput       = "invalid_input"
	codeBusy               = "busy"
	codeRunFailed          = "run_failed"
	codeInternal           = "internal_error"
)

// errorCode maps engine errors onto stable tool error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, council.ErrSessionNotFound):
		return codeSessionNotFound
	case errors.Is(err, council.ErrRunNotFound):
		return codeRunNotFound
	case errors.Is(err, council.ErrInsufficientAgents):
		return codeInsufficientAgents
	case errors.Is(err, council.ErrWrongMode):
		return codeWrongMode
	case errors.Is(err, council.ErrInvalidInput):
		return codeInvalidInput
	case errors.Is(err, council.ErrBusy):
		return codeBusy
	case errors.Is(err, council.ErrRunFailed):
		return codeRunFailed
	default:
		return codeInternal
	}
}

// toolError converts an engine error into a tool error result. Internal
// errors are logged and their detail withheld from the client.
func (s *Server) toolError(tool string, err error) *mcplib.CallToolResult {
	code := errorCode(err)
	msg := err.Error()
	if code == codeInternal {
		s.logger.Error("mcp: tool failed", "tool", tool, "error", err)
		msg = "internal error"
	}
	return errorResult(code, msg)
}

func errorResult(code, msg string) *mcplib.CallToolResult {
	data, _ := json.Marshal(map[string]string{"error": code, "message": msg})
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// userID prefers the explicit user_id argument over the transport's
// X-Kaigi-User header. Either is attribution only.
func userID(ctx context.Context, request mcplib.CallToolRequest) string {
	if u := request.GetString("user_id", ""); u != "" {
		return u
	}
	return ctxutil.UserIDFromContext(ctx)
}
