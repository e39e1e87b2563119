package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaigi/internal/council"
	"github.com/ashita-ai/kaigi/internal/ctxutil"
	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning/reasoningtest"
	"github.com/ashita-ai/kaigi/internal/retry"
	"github.com/ashita-ai/kaigi/internal/storage/sqlite"
	"github.com/ashita-ai/kaigi/internal/testutil"
)

func newTestServer(t *testing.T, respond reasoningtest.Responder) *Server {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "mcp.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := council.New(council.Deps{
		Store:    store,
		Reasoner: &reasoningtest.Fake{Respond: respond},
		Logger:   testutil.TestLogger(),
		Config: council.Config{
			Retry:       retry.Policy{Attempts: 2, Backoff: time.Millisecond},
			CallTimeout: time.Second,
		},
	})
	return New(svc, testutil.TestLogger(), "test")
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func decode[T any](t *testing.T, result *mcplib.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, parseToolText(t, result))
	var v T
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &v))
	return v
}

func errorCodeOf(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.True(t, result.IsError, "expected tool error")
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &body))
	return body["error"]
}

func createSession(t *testing.T, s *Server, agents ...any) model.Session {
	t.Helper()
	res, err := s.handleCreateSession(context.Background(), toolRequest("kaigi_create_session", map[string]any{
		"title":   "release planning",
		"agents":  agents,
		"user_id": "u1",
	}))
	require.NoError(t, err)
	return decode[model.Session](t, res)
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	sess := createSession(t, s, "A", "B")
	assert.Equal(t, []string{"A", "B"}, sess.Agents)
	assert.Equal(t, model.ModeChat, sess.Mode)
	assert.Equal(t, "u1", sess.CreatedBy)

	res, err := s.handleGetSession(ctx, toolRequest("kaigi_get_session", map[string]any{"session_id": sess.ID.String()}))
	require.NoError(t, err)
	detail := decode[model.SessionDetail](t, res)
	assert.Equal(t, sess.ID, detail.Session.ID)
	assert.Empty(t, detail.Messages)

	res, err = s.handleListSessions(ctx, toolRequest("kaigi_list_sessions", map[string]any{"limit": 500}))
	require.NoError(t, err)
	list := decode[map[string]any](t, res)
	assert.Equal(t, float64(maxListLimit), list["limit"])
	assert.Len(t, list["sessions"], 1)
}

func TestCreateSession_InvalidAgents(t *testing.T) {
	s := newTestServer(t, nil)
	res, err := s.handleCreateSession(context.Background(), toolRequest("kaigi_create_session", map[string]any{
		"title":  "dupes",
		"agents": []any{"A", "A"},
	}))
	require.NoError(t, err)
	assert.Equal(t, codeInvalidInput, errorCodeOf(t, res))
}

func TestSessionIDValidation(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	res, err := s.handleGetSession(ctx, toolRequest("kaigi_get_session", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, codeInvalidInput, errorCodeOf(t, res))

	res, err = s.handleGetSession(ctx, toolRequest("kaigi_get_session", map[string]any{"session_id": "nope"}))
	require.NoError(t, err)
	assert.Equal(t, codeInvalidInput, errorCodeOf(t, res))

	res, err = s.handleGetSession(ctx, toolRequest("kaigi_get_session", map[string]any{"session_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.Equal(t, codeSessionNotFound, errorCodeOf(t, res))
}

func TestEscalate_InsufficientAgents(t *testing.T) {
	s := newTestServer(t, nil)
	sess := createSession(t, s, "solo")
	res, err := s.handleEscalate(context.Background(), toolRequest("kaigi_escalate", map[string]any{
		"session_id": sess.ID.String(),
		"query":      "Should we ship?",
	}))
	require.NoError(t, err)
	assert.Equal(t, codeInsufficientAgents, errorCodeOf(t, res))
}

func TestCouncilFlow(t *testing.T) {
	s := newTestServer(t, reasoningtest.ByStage(nil, map[string]map[string]reasoningtest.Responder{
		council.StagePosition:  {"*": reasoningtest.Finish(`{"recommendation":"ship"}`)},
		council.StageDebate:    {"*": reasoningtest.Finish("no disagreements")},
		council.StageSynthesis: {"*": reasoningtest.Finish(`{"final_recommendation":"Ship v2","confidence":0.8}`)},
	}))
	ctx := context.Background()
	sess := createSession(t, s, "A", "B")
	sid := sess.ID.String()

	res, err := s.handleAppendUser(ctx, toolRequest("kaigi_append_user", map[string]any{
		"session_id": sid,
		"text":       "Should we ship v2 now?",
	}))
	require.NoError(t, err)
	decode[council.AppendResult](t, res)

	res, err = s.handleEscalate(ctx, toolRequest("kaigi_escalate", map[string]any{"session_id": sid}))
	require.NoError(t, err)
	escalated := decode[map[string]any](t, res)
	runID, _ := escalated["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, "pending", escalated["status"])

	// A second escalation is refused while the run is open.
	res, err = s.handleEscalate(ctx, toolRequest("kaigi_escalate", map[string]any{"session_id": sid}))
	require.NoError(t, err)
	assert.Equal(t, codeWrongMode, errorCodeOf(t, res))

	res, err = s.handleRun(ctx, toolRequest("kaigi_run", map[string]any{"run_id": runID, "session_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.Equal(t, codeRunNotFound, errorCodeOf(t, res))

	res, err = s.handleRun(ctx, toolRequest("kaigi_run", map[string]any{"run_id": runID, "session_id": sid}))
	require.NoError(t, err)
	run := decode[model.Run](t, res)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Len(t, run.DebateRounds, 1)
	require.NotNil(t, run.Synthesis)
	assert.Equal(t, "Ship v2", run.Synthesis.FinalRecommendation)

	res, err = s.handleListRuns(ctx, toolRequest("kaigi_list_runs", map[string]any{"session_id": sid}))
	require.NoError(t, err)
	runs := decode[map[string]any](t, res)
	require.Len(t, runs["runs"], 1)
	first := runs["runs"].([]any)[0].(map[string]any)
	assert.Equal(t, "Ship v2", first["final_recommendation"])

	res, err = s.handleGetSession(ctx, toolRequest("kaigi_get_session", map[string]any{"session_id": sid}))
	require.NoError(t, err)
	assert.Equal(t, model.ModeChat, decode[model.SessionDetail](t, res).Session.Mode)
}

func TestRun_AsyncWithoutPoolIsBusy(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	sess := createSession(t, s, "A", "B")
	res, err := s.handleEscalate(ctx, toolRequest("kaigi_escalate", map[string]any{
		"session_id": sess.ID.String(),
		"query":      "Pick a database",
	}))
	require.NoError(t, err)
	runID := decode[map[string]any](t, res)["run_id"].(string)

	res, err = s.handleRun(ctx, toolRequest("kaigi_run", map[string]any{"run_id": runID, "async": true}))
	require.NoError(t, err)
	assert.Equal(t, codeBusy, errorCodeOf(t, res))
}

func TestReturnToChat_Repeatable(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	sess := createSession(t, s, "A", "B")
	sid := sess.ID.String()
	_, err := s.handleEscalate(ctx, toolRequest("kaigi_escalate", map[string]any{"session_id": sid, "query": "q"}))
	require.NoError(t, err)

	for range 2 {
		res, err := s.handleReturnToChat(ctx, toolRequest("kaigi_return_to_chat", map[string]any{"session_id": sid}))
		require.NoError(t, err)
		assert.Equal(t, model.ModeChat, decode[model.Session](t, res).Mode)
	}
}

func TestUpdateSession_OnlySentFieldsChange(t *testing.T) {
	s := newTestServer(t, nil)
	sess := createSession(t, s, "A", "B")
	res, err := s.handleUpdateSession(context.Background(), toolRequest("kaigi_update_session", map[string]any{
		"session_id": sess.ID.String(),
		"title":      "renamed",
	}))
	require.NoError(t, err)
	updated := decode[model.Session](t, res)
	assert.Equal(t, "renamed", updated.Title)
	assert.Equal(t, []string{"A", "B"}, updated.Agents)
}

func TestAppendAgent_UnknownAgent(t *testing.T) {
	s := newTestServer(t, nil)
	sess := createSession(t, s, "A", "B")
	res, err := s.handleAppendAgent(context.Background(), toolRequest("kaigi_append_agent", map[string]any{
		"session_id": sess.ID.String(),
		"agent":      "C",
		"text":       "hello",
	}))
	require.NoError(t, err)
	assert.Equal(t, codeInvalidInput, errorCodeOf(t, res))
}

func TestDeleteSession(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	sess := createSession(t, s, "A", "B")
	args := map[string]any{"session_id": sess.ID.String()}

	res, err := s.handleDeleteSession(ctx, toolRequest("kaigi_delete_session", args))
	require.NoError(t, err)
	assert.Equal(t, true, decode[map[string]any](t, res)["deleted"])

	res, err = s.handleDeleteSession(ctx, toolRequest("kaigi_delete_session", args))
	require.NoError(t, err)
	assert.Equal(t, codeSessionNotFound, errorCodeOf(t, res))
}

func TestGetRoles(t *testing.T) {
	s := newTestServer(t, nil)
	res, err := s.handleGetRoles(context.Background(), toolRequest("kaigi_get_roles", nil))
	require.NoError(t, err)
	body := decode[map[string][]council.Role](t, res)
	var vetoers []string
	for _, r := range body["roles"] {
		if r.CanVeto {
			vetoers = append(vetoers, r.Name)
		}
	}
	assert.Equal(t, []string{"safety"}, vetoers)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestServer(t, nil)
	res, err := s.handleGetRun(context.Background(), toolRequest("kaigi_get_run", map[string]any{"run_id": "council-missing"}))
	require.NoError(t, err)
	assert.Equal(t, codeRunNotFound, errorCodeOf(t, res))
}

func TestUserID_ArgumentWinsOverContext(t *testing.T) {
	ctx := ctxutil.WithUserID(context.Background(), "header-user")
	assert.Equal(t, "arg-user", userID(ctx, toolRequest("x", map[string]any{"user_id": "arg-user"})))
	assert.Equal(t, "header-user", userID(ctx, toolRequest("x", nil)))
}

func TestCompactRun(t *testing.T) {
	reason := "irreversible"
	r := model.Run{
		RunID:      "council-1",
		Status:     model.RunStatusCompleted,
		Phase:      model.PhaseComplete,
		Query:      string(make([]byte, 1000)),
		Veto:       true,
		VetoReason: &reason,
		Synthesis:  &model.Synthesis{FinalRecommendation: "Do not proceed", SkippedAgents: []string{"B"}},
	}
	m := compactRun(r)
	assert.Equal(t, "irreversible", m["veto_reason"])
	assert.Equal(t, []string{"B"}, m["skipped_agents"])
	assert.Contains(t, m["context_note"], "Vetoed")
	assert.Len(t, m["query"], maxCompactQuery+3)
	assert.NotContains(t, m, "context")
}

func TestTruncate_RuneSafe(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "日...", truncate("日本語", 4))
}
