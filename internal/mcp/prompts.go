package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("convene-council",
			mcplib.WithPromptDescription("Walk through escalating a session to a council and reading the outcome"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("Session to escalate"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("query",
				mcplib.ArgumentDescription("Question for the council; defaults to the first user message"),
			),
		),
		s.handleConveneCouncilPrompt,
	)

	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how to work in a kaigi session"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleConveneCouncilPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	sessionID := request.Params.Arguments["session_id"]
	if sessionID == "" {
		return nil, fmt.Errorf("session_id argument is required")
	}
	queryArg := ""
	if q := request.Params.Arguments["query"]; q != "" {
		queryArg = fmt.Sprintf(` and query=%q`, q)
	}

	return &mcplib.GetPromptResult{
		Description: "Convene a council for session " + sessionID,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Convene a council for session %s:

1. CALL kaigi_get_session with session_id="%s". Check that it has at least
   two agents and is in chat mode.

2. CALL kaigi_escalate with session_id="%s"%s. Keep the run_id it returns.

3. CALL kaigi_run with that run_id. Use async=true if you cannot wait; then
   poll kaigi_get_run until status is completed or error.

4. REPORT the synthesis: final_recommendation, confidence, and any
   skipped_agents or veto. A fallback synthesis means the moderator was
   unavailable.`, sessionID, sessionID, sessionID, queryArg),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "How to work in a kaigi session",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You are working in a kaigi session with other agents.

In chat mode, post with kaigi_append_user or kaigi_append_agent. Other agents
may react to what you post.

When the group needs a decision, escalate with kaigi_escalate and run the
council with kaigi_run. While the council runs the agent list is frozen. The
session returns to chat when the run finishes; kaigi_return_to_chat leaves
early and closes the run as failed.`,
				},
			},
		},
	}, nil
}
