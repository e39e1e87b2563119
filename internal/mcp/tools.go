package mcp

import (
	"context"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kaigi/internal/council"
)

// Default and maximum page sizes for list tools.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func userIDArg() mcplib.ToolOption {
	return mcplib.WithString("user_id",
		mcplib.Description("Opaque caller identity, recorded for attribution only"),
	)
}

func sessionIDArg() mcplib.ToolOption {
	return mcplib.WithString("session_id",
		mcplib.Description("Session UUID"),
		mcplib.Required(),
	)
}

func stringItems() mcplib.PropertyOption {
	return mcplib.Items(map[string]any{"type": "string"})
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_create_session",
			mcplib.WithDescription(`Create a chat session with a fixed set of agents.

A council needs at least two agents. Agent names double as deliberation
roles when they match one (see kaigi_get_roles); any other name is assigned
a role in rotation.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("title", mcplib.Description("Session title"), mcplib.Required()),
			mcplib.WithString("description", mcplib.Description("What the session is about")),
			mcplib.WithArray("agents", mcplib.Description("Agent names taking part"), mcplib.Required(), stringItems()),
			userIDArg(),
		),
		s.handleCreateSession,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_list_sessions",
			mcplib.WithDescription("List sessions, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return"),
				mcplib.Min(1), mcplib.Max(maxListLimit), mcplib.DefaultNumber(defaultListLimit)),
			mcplib.WithNumber("offset", mcplib.Description("Results to skip"), mcplib.Min(0)),
			userIDArg(),
		),
		s.handleListSessions,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_get_session",
			mcplib.WithDescription("Get a session with its full transcript."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			sessionIDArg(),
			userIDArg(),
		),
		s.handleGetSession,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_update_session",
			mcplib.WithDescription("Change a session's title, description or agents. Agents cannot change while a council run is open."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			sessionIDArg(),
			mcplib.WithString("title", mcplib.Description("New title")),
			mcplib.WithString("description", mcplib.Description("New description")),
			mcplib.WithArray("agents", mcplib.Description("Replacement agent list"), stringItems()),
			userIDArg(),
		),
		s.handleUpdateSession,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_delete_session",
			mcplib.WithDescription("Delete a session with its messages and runs. Outstanding agent jobs are asked to cancel."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			sessionIDArg(),
			userIDArg(),
		),
		s.handleDeleteSession,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_append_user",
			mcplib.WithDescription(`Post a user message to a session.

Other agents may react to it. When agent is set, that agent answers: with
async=false the reply is returned directly; with async=true a job handle is
returned and the reply lands in the transcript when the backend calls back.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			sessionIDArg(),
			mcplib.WithString("text", mcplib.Description("Message text"), mcplib.Required()),
			mcplib.WithString("agent", mcplib.Description("Agent that should answer")),
			mcplib.WithBoolean("async", mcplib.Description("Return a job handle instead of waiting for the reply")),
			userIDArg(),
		),
		s.handleAppendUser,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_append_agent",
			mcplib.WithDescription("Post a message on behalf of one of the session's agents."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			sessionIDArg(),
			mcplib.WithString("agent", mcplib.Description("Agent name"), mcplib.Required()),
			mcplib.WithString("text", mcplib.Description("Message text"), mcplib.Required()),
			userIDArg(),
		),
		s.handleAppendAgent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_get_roles",
			mcplib.WithDescription("List the deliberation roles agents play during a council run."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			userIDArg(),
		),
		s.handleGetRoles,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_escalate",
			mcplib.WithDescription(`Freeze the session's conversation into a pending council run.

The session switches to council mode until the run finishes or
kaigi_return_to_chat is called. Without a query, the first user message
becomes the question. Call kaigi_run with the returned run_id next.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			sessionIDArg(),
			mcplib.WithString("query", mcplib.Description("Question for the council")),
			userIDArg(),
		),
		s.handleEscalate,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_run",
			mcplib.WithDescription(`Run the council on a pending run: positions, debate, synthesis.

With async=false the call returns the finished run. With async=true it
returns at once and progress can be read with kaigi_get_run.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("run_id", mcplib.Description("Run id from kaigi_escalate"), mcplib.Required()),
			mcplib.WithString("session_id", mcplib.Description("Optional session UUID; checked against the run")),
			mcplib.WithBoolean("async", mcplib.Description("Schedule the run and return immediately")),
			userIDArg(),
		),
		s.handleRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_return_to_chat",
			mcplib.WithDescription("Leave council mode. Any open run is closed as failed. Safe to repeat."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			sessionIDArg(),
			mcplib.WithString("message", mcplib.Description("Notice recorded in the transcript")),
			userIDArg(),
		),
		s.handleReturnToChat,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_get_run",
			mcplib.WithDescription("Get a council run with its positions, debate rounds and synthesis."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run id"), mcplib.Required()),
			userIDArg(),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kaigi_list_runs",
			mcplib.WithDescription("List a session's council runs, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			sessionIDArg(),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return"),
				mcplib.Min(1), mcplib.Max(maxListLimit), mcplib.DefaultNumber(defaultListLimit)),
			mcplib.WithNumber("offset", mcplib.Description("Results to skip"), mcplib.Min(0)),
			userIDArg(),
		),
		s.handleListRuns,
	)
}

// sessionID parses the required session_id argument. A nil result means the
// returned tool error should be sent as is.
func sessionID(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := strings.TrimSpace(request.GetString("session_id", ""))
	if raw == "" {
		return uuid.Nil, errorResult(codeInvalidInput, "session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(codeInvalidInput, "session_id must be a UUID")
	}
	return id, nil
}

func page(request mcplib.CallToolRequest) (limit, offset int) {
	limit = request.GetInt("limit", defaultListLimit)
	if limit < 1 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset = max(request.GetInt("offset", 0), 0)
	return limit, offset
}

// optString returns a pointer to a string argument only when the caller sent it.
func optString(request mcplib.CallToolRequest, key string) *string {
	v, ok := request.GetArguments()[key].(string)
	if !ok {
		return nil
	}
	return &v
}

func (s *Server) handleCreateSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sess, err := s.svc.CreateSession(ctx, council.CreateSessionInput{
		Title:       request.GetString("title", ""),
		Description: request.GetString("description", ""),
		Agents:      request.GetStringSlice("agents", nil),
		UserID:      userID(ctx, request),
	})
	if err != nil {
		return s.toolError("kaigi_create_session", err), nil
	}
	return jsonResult(sess)
}

func (s *Server) handleListSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit, offset := page(request)
	sessions, err := s.svc.ListSessions(ctx, limit, offset)
	if err != nil {
		return s.toolError("kaigi_list_sessions", err), nil
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, compactSession(sess))
	}
	return jsonResult(map[string]any{
		"sessions": out,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleGetSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	detail, err := s.svc.GetSession(ctx, id)
	if err != nil {
		return s.toolError("kaigi_get_session", err), nil
	}
	return jsonResult(detail)
}

func (s *Server) handleUpdateSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	sess, err := s.svc.UpdateSession(ctx, id, council.UpdateSessionInput{
		Title:       optString(request, "title"),
		Description: optString(request, "description"),
		Agents:      request.GetStringSlice("agents", nil),
		UserID:      userID(ctx, request),
	})
	if err != nil {
		return s.toolError("kaigi_update_session", err), nil
	}
	return jsonResult(sess)
}

func (s *Server) handleDeleteSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	if err := s.svc.DeleteSession(ctx, id, userID(ctx, request)); err != nil {
		return s.toolError("kaigi_delete_session", err), nil
	}
	return jsonResult(map[string]any{"session_id": id, "deleted": true})
}

func (s *Server) handleAppendUser(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	res, err := s.svc.AppendUser(ctx, council.AppendUserInput{
		SessionID: id,
		Text:      request.GetString("text", ""),
		Agent:     strings.TrimSpace(request.GetString("agent", "")),
		Async:     request.GetBool("async", false),
		UserID:    userID(ctx, request),
	})
	if err != nil {
		// The user message may already be stored when the reply fails.
		if res.Message.ID != uuid.Nil {
			s.logger.Warn("mcp: reply failed after append", "session_id", id, "error", err)
		}
		return s.toolError("kaigi_append_user", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleAppendAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	m, err := s.svc.AppendAgent(ctx, council.AppendAgentInput{
		SessionID: id,
		Agent:     strings.TrimSpace(request.GetString("agent", "")),
		Text:      request.GetString("text", ""),
		UserID:    userID(ctx, request),
	})
	if err != nil {
		return s.toolError("kaigi_append_agent", err), nil
	}
	return jsonResult(m)
}

func (s *Server) handleGetRoles(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(map[string]any{"roles": s.svc.Roles(ctx)})
}

func (s *Server) handleEscalate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	run, err := s.svc.Escalate(ctx, council.EscalateInput{
		SessionID: id,
		Query:     optString(request, "query"),
		UserID:    userID(ctx, request),
	})
	if err != nil {
		return s.toolError("kaigi_escalate", err), nil
	}
	return jsonResult(compactRun(run))
}

func (s *Server) handleRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := strings.TrimSpace(request.GetString("run_id", ""))
	if runID == "" {
		return errorResult(codeInvalidInput, "run_id is required"), nil
	}
	if raw := request.GetString("session_id", ""); raw != "" {
		run, err := s.svc.GetRun(ctx, runID)
		if err != nil {
			return s.toolError("kaigi_run", err), nil
		}
		if run.SessionID.String() != raw {
			return errorResult(codeRunNotFound, "run "+runID+" does not belong to session "+raw), nil
		}
	}
	if request.GetBool("async", false) {
		run, err := s.svc.StartCouncil(ctx, runID)
		if err != nil {
			return s.toolError("kaigi_run", err), nil
		}
		return jsonResult(map[string]any{
			"run_id":     run.RunID,
			"session_id": run.SessionID,
			"status":     "scheduled",
		})
	}
	run, err := s.svc.RunCouncil(ctx, runID)
	if err != nil {
		return s.toolError("kaigi_run", err), nil
	}
	return jsonResult(run)
}

func (s *Server) handleReturnToChat(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	sess, err := s.svc.ReturnToChat(ctx, council.ReturnToChatInput{
		SessionID: id,
		Message:   optString(request, "message"),
		UserID:    userID(ctx, request),
	})
	if err != nil {
		return s.toolError("kaigi_return_to_chat", err), nil
	}
	return jsonResult(sess)
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := strings.TrimSpace(request.GetString("run_id", ""))
	if runID == "" {
		return errorResult(codeInvalidInput, "run_id is required"), nil
	}
	run, err := s.svc.GetRun(ctx, runID)
	if err != nil {
		return s.toolError("kaigi_get_run", err), nil
	}
	return jsonResult(run)
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := sessionID(request)
	if bad != nil {
		return bad, nil
	}
	limit, offset := page(request)
	runs, err := s.svc.ListRuns(ctx, id, limit, offset)
	if err != nil {
		return s.toolError("kaigi_list_runs", err), nil
	}
	out := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		out = append(out, compactRun(r))
	}
	return jsonResult(map[string]any{
		"runs":   out,
		"limit":  limit,
		"offset": offset,
	})
}
