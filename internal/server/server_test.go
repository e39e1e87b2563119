package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaigi/internal/callback"
	"github.com/ashita-ai/kaigi/internal/council"
	"github.com/ashita-ai/kaigi/internal/eventlog"
	"github.com/ashita-ai/kaigi/internal/mcp"
	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning/reasoningtest"
	"github.com/ashita-ai/kaigi/internal/retry"
	"github.com/ashita-ai/kaigi/internal/server"
	"github.com/ashita-ai/kaigi/internal/storage"
	"github.com/ashita-ai/kaigi/internal/testutil"
	"github.com/ashita-ai/kaigi/internal/workpool"
)

var (
	testSrv    *httptest.Server
	testDB     *storage.DB
	testBroker *server.Broker
	fake       *reasoningtest.Fake
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())

	tc := testutil.MustStartPostgres()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	signer, err := callback.NewSigner("http://kaigi.test", "", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create signer: %v\n", err)
		os.Exit(1)
	}

	fake = &reasoningtest.Fake{Respond: reasoningtest.ByStage(reasoningtest.Finish("sure"), map[string]map[string]reasoningtest.Responder{
		council.StagePosition:  {"*": reasoningtest.Finish(`{"recommendation":"ship","confidence":0.7}`)},
		council.StageDebate:    {"*": reasoningtest.Finish("no disagreements")},
		council.StageSynthesis: {"*": reasoningtest.Finish(`{"final_recommendation":"Ship v2","confidence":0.8}`)},
	})}

	buf := eventlog.NewBuffer(testDB, logger, 100, 20*time.Millisecond)
	buf.Start(ctx)

	pool := workpool.New(logger, 2, 16)
	pool.Start()

	testBroker = server.NewBroker(logger)
	go testBroker.Start(ctx, testDB)

	svc := council.New(council.Deps{
		Store:    testDB,
		Reasoner: fake,
		Events:   buf,
		Pool:     pool,
		Notifier: testDB,
		Signer:   signer,
		Logger:   logger,
		Config: council.Config{
			RunIDPrefix: "council",
			Retry:       retry.Policy{Attempts: 2, Backoff: time.Millisecond},
			CallTimeout: 5 * time.Second,
		},
	})

	mcpSrv := mcp.New(svc, logger, "test")
	srv := server.New(server.ServerConfig{
		Council:             svc,
		Store:               testDB,
		StoreKind:           "postgres",
		Logger:              logger,
		Verifier:            signer,
		Broker:              testBroker,
		Pool:                pool,
		Events:              buf,
		EventLog:            testDB,
		MCPServer:           mcpSrv.MCPServer(),
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	})
	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	pool.Drain(context.Background())
	cancel()
	buf.Drain(context.Background())
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

// apiResp is the decoded envelope of a single-object response.
type apiResp[T any] struct {
	Data T `json:"data"`
}

func do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.UserHeader, "tester")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var env apiResp[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Data
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error.Code
}

func createSession(t *testing.T, agents ...string) model.Session {
	t.Helper()
	resp := do(t, http.MethodPost, "/v1/sessions", model.CreateSessionRequest{
		Title:  "release planning",
		Agents: agents,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeData[model.Session](t, resp)
}

func TestHealth(t *testing.T) {
	resp := do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "postgres:connected", health.Store)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "ok", health.BufferStatus)
	assert.Equal(t, "running", health.SSEBroker)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestSessionLifecycle(t *testing.T) {
	sess := createSession(t, "planner", "skeptic")
	assert.Equal(t, model.ModeChat, sess.Mode)
	assert.Equal(t, "tester", sess.CreatedBy)

	resp := do(t, http.MethodGet, "/v1/sessions/"+sess.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeData[model.SessionDetail](t, resp)
	assert.Equal(t, sess.ID, detail.Session.ID)
	assert.Empty(t, detail.Messages)

	title := "release planning v2"
	resp = do(t, http.MethodPatch, "/v1/sessions/"+sess.ID.String(), model.UpdateSessionRequest{Title: &title})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeData[model.Session](t, resp)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, sess.Agents, updated.Agents)

	resp = do(t, http.MethodGet, "/v1/sessions?limit=100", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data  []model.Session `json:"data"`
		Limit int             `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 100, list.Limit)
	found := false
	for _, s := range list.Data {
		found = found || s.ID == sess.ID
	}
	assert.True(t, found, "created session should be listed")

	resp = do(t, http.MethodDelete, "/v1/sessions/"+sess.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, "/v1/sessions/"+sess.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeSessionNotFound, errorCode(t, resp))
}

func TestCreateSession_Validation(t *testing.T) {
	resp := do(t, http.MethodPost, "/v1/sessions", model.CreateSessionRequest{Title: "empty"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))

	resp = do(t, http.MethodPost, "/v1/sessions", map[string]any{"title": "x", "agents": []string{"a"}, "org": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, "/v1/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCouncilRoundTrip(t *testing.T) {
	sess := createSession(t, "planner", "skeptic", "safety")
	sid := sess.ID.String()

	resp := do(t, http.MethodPost, "/v1/sessions/"+sid+"/messages", model.AppendUserRequest{Text: "Should we ship v2 this week?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodPost, "/v1/sessions/"+sid+"/escalate", model.EscalateRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decodeData[model.Run](t, resp)
	assert.Equal(t, model.RunStatusPending, run.Status)
	assert.Equal(t, "Should we ship v2 this week?", run.Query)
	assert.True(t, strings.HasPrefix(run.RunID, "council"))

	resp = do(t, http.MethodPost, "/v1/sessions/"+sid+"/escalate", model.EscalateRequest{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeWrongMode, errorCode(t, resp))

	resp = do(t, http.MethodPost, "/v1/runs/"+run.RunID+"/start", model.RunCouncilRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decodeData[model.Run](t, resp)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	assert.Len(t, done.Positions, 3)
	require.NotNil(t, done.Synthesis)
	assert.Equal(t, "Ship v2", done.Synthesis.FinalRecommendation)

	resp = do(t, http.MethodGet, "/v1/runs/"+run.RunID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RunStatusCompleted, decodeData[model.Run](t, resp).Status)

	resp = do(t, http.MethodGet, "/v1/sessions/"+sid+"/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decodeData[[]model.Run](t, resp)
	require.Len(t, runs, 1)

	resp = do(t, http.MethodGet, "/v1/sessions/"+sid, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.ModeChat, decodeData[model.SessionDetail](t, resp).Session.Mode)

	// A finished run cannot be started again.
	resp = do(t, http.MethodPost, "/v1/runs/"+run.RunID+"/start", model.RunCouncilRequest{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEscalate_InsufficientAgents(t *testing.T) {
	sess := createSession(t, "solo")
	resp := do(t, http.MethodPost, "/v1/sessions/"+sess.ID.String()+"/escalate", model.EscalateRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInsufficientAgents, errorCode(t, resp))
}

func TestStartRun_Async(t *testing.T) {
	sess := createSession(t, "planner", "skeptic")
	query := "Pick a database"
	resp := do(t, http.MethodPost, "/v1/sessions/"+sess.ID.String()+"/escalate", model.EscalateRequest{Query: &query})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decodeData[model.Run](t, resp)

	resp = do(t, http.MethodPost, "/v1/runs/"+run.RunID+"/start", model.RunCouncilRequest{Async: true})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		r := do(t, http.MethodGet, "/v1/runs/"+run.RunID, nil)
		return decodeData[model.Run](t, r).Status == model.RunStatusCompleted
	}, 10*time.Second, 50*time.Millisecond)
}

func TestReturnToChat(t *testing.T) {
	sess := createSession(t, "planner", "skeptic")
	sid := sess.ID.String()
	query := "Rewrite in a weekend?"
	resp := do(t, http.MethodPost, "/v1/sessions/"+sid+"/escalate", model.EscalateRequest{Query: &query})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decodeData[model.Run](t, resp)

	note := "never mind"
	resp = do(t, http.MethodPost, "/v1/sessions/"+sid+"/return", model.ReturnToChatRequest{Message: &note})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.ModeChat, decodeData[model.Session](t, resp).Mode)

	resp = do(t, http.MethodGet, "/v1/runs/"+run.RunID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RunStatusError, decodeData[model.Run](t, resp).Status)

	// Repeating the return is a no-op.
	resp = do(t, http.MethodPost, "/v1/sessions/"+sid+"/return", model.ReturnToChatRequest{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSyncStep(t *testing.T) {
	sess := createSession(t, "planner", "skeptic")
	resp := do(t, http.MethodPost, "/v1/sessions/"+sess.ID.String()+"/steps", model.StepRequest{Agent: "planner", Goal: "say hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decodeData[struct {
		Message *model.Message `json:"message"`
	}](t, resp)
	require.NotNil(t, out.Message)
	assert.Equal(t, "planner", out.Message.AgentName)
	assert.Equal(t, "sure", out.Message.Text)

	resp = do(t, http.MethodPost, "/v1/sessions/"+sess.ID.String()+"/steps", model.StepRequest{Agent: "stranger"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAsyncStepAndCallback(t *testing.T) {
	sess := createSession(t, "planner", "skeptic")
	resp := do(t, http.MethodPost, "/v1/sessions/"+sess.ID.String()+"/messages", model.AppendUserRequest{
		Text:  "planner, draft the plan",
		Agent: "planner",
		Async: true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	res := decodeData[council.AppendResult](t, resp)
	require.NotNil(t, res.Job)

	var callbackURL string
	for _, c := range fake.AsyncCalls() {
		if c.Request.CorrelationID == res.Job.CorrelationID {
			callbackURL = c.CallbackURL
		}
	}
	require.NotEmpty(t, callbackURL)
	u, err := url.Parse(callbackURL)
	require.NoError(t, err)
	assert.Equal(t, callback.Path, u.Path)
	token := u.Query().Get("token")

	post := func(token string, body any) *http.Response {
		data, _ := json.Marshal(body)
		r, err := http.Post(testSrv.URL+callback.Path+"?token="+url.QueryEscape(token), "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Body.Close() })
		return r
	}

	r := post("garbage", map[string]any{"correlation_id": res.Job.CorrelationID})
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)

	r = post(token, map[string]any{"correlation_id": "someone-else", "finish": true, "final_text": "x"})
	assert.Equal(t, http.StatusForbidden, r.StatusCode)

	body := map[string]any{
		"correlation_id": res.Job.CorrelationID,
		"job_id":         res.Job.JobID,
		"finish":         true,
		"final_text":     "here is the plan",
		"backend_extra":  "ignored",
	}
	r = post(token, body)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.True(t, decodeData[map[string]bool](t, r)["resolved"])

	// Redelivery is harmless.
	r = post(token, body)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.False(t, decodeData[map[string]bool](t, r)["resolved"])

	resp = do(t, http.MethodGet, "/v1/sessions/"+sess.ID.String(), nil)
	detail := decodeData[model.SessionDetail](t, resp)
	var reply *model.Message
	for i := range detail.Messages {
		if detail.Messages[i].ID == res.Job.MessageID {
			reply = &detail.Messages[i]
		}
	}
	require.NotNil(t, reply)
	assert.Equal(t, model.MessageOK, reply.Status)
	assert.Equal(t, "here is the plan", reply.Text)
}

func TestDeleteTurn(t *testing.T) {
	sess := createSession(t, "planner", "skeptic")
	sid := sess.ID.String()

	resp := do(t, http.MethodPost, "/v1/sessions/"+sid+"/messages", model.AppendUserRequest{Text: "first"})
	first := decodeData[council.AppendResult](t, resp).Message
	resp = do(t, http.MethodPost, "/v1/sessions/"+sid+"/agent-messages", model.AppendAgentRequest{Agent: "planner", Text: "reply"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = do(t, http.MethodPost, "/v1/sessions/"+sid+"/messages", model.AppendUserRequest{Text: "second"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodDelete, "/v1/sessions/"+sid+"/turns/"+first.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), decodeData[map[string]int64](t, resp)["deleted"])

	resp = do(t, http.MethodGet, "/v1/sessions/"+sid, nil)
	msgs := decodeData[model.SessionDetail](t, resp).Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", msgs[0].Text)
}

func TestRoles(t *testing.T) {
	resp := do(t, http.MethodGet, "/v1/roles", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	roles := decodeData[[]council.Role](t, resp)
	assert.NotEmpty(t, roles)
}

func TestListEvents_AuditTrail(t *testing.T) {
	sess := createSession(t, "planner", "skeptic")
	path := "/v1/sessions/" + sess.ID.String() + "/events"

	// The buffer flushes in the background.
	var events []model.Event
	require.Eventually(t, func() bool {
		resp := do(t, http.MethodGet, path, nil)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		events = decodeData[[]model.Event](t, resp)
		return len(events) > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, model.EventSessionCreated, events[0].Type)
	assert.Equal(t, sess.ID.String(), events[0].SessionRef)
	assert.Equal(t, "tester", events[0].ActorID)

	resp := do(t, http.MethodGet, "/v1/sessions/not-a-uuid/events", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscribe_SessionEvents(t *testing.T) {
	sess := createSession(t, "planner", "skeptic")
	sid := sess.ID.String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testSrv.URL+"/v1/subscribe?session_id="+sid, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	data := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				data <- line
			}
		}
	}()

	// Wait until the LISTEN connection is up: probes go through Postgres.
	probe := fmt.Sprintf(`{"session_id":%q,"status":"probe"}`, sid)
	require.Eventually(t, func() bool {
		_ = testDB.Notify(context.Background(), storage.ChannelRuns, probe)
		select {
		case <-data:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)

	query := "Monolith or services?"
	r := do(t, http.MethodPost, "/v1/sessions/"+sid+"/escalate", model.EscalateRequest{Query: &query})
	require.Equal(t, http.StatusCreated, r.StatusCode)
	run := decodeData[model.Run](t, r)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case line := <-data:
			if strings.Contains(line, run.RunID) {
				assert.Contains(t, line, `"status":"pending"`)
				return
			}
		case <-deadline:
			t.Fatal("no run event received")
		}
	}
}

func TestSubscribe_InvalidSession(t *testing.T) {
	resp := do(t, http.MethodGet, "/v1/subscribe?session_id=nope", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit_ReadsUnlimited(t *testing.T) {
	for range 5 {
		resp := do(t, http.MethodGet, "/v1/roles", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func newMCPClient(t *testing.T, user string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			server.UserHeader: user,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestMCPListTools(t *testing.T) {
	c := newMCPClient(t, "mcp-user")
	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"kaigi_create_session", "kaigi_append_user", "kaigi_escalate", "kaigi_run", "kaigi_return_to_chat"} {
		assert.True(t, names[want], "expected %s tool", want)
	}
}

func TestMCPCreateSessionAttributesHeaderUser(t *testing.T) {
	c := newMCPClient(t, "mcp-user")
	res, err := c.CallTool(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "kaigi_create_session",
			Arguments: map[string]any{
				"title":  "from mcp",
				"agents": []any{"planner", "skeptic"},
			},
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)

	var sess model.Session
	require.NoError(t, json.Unmarshal([]byte(text.Text), &sess))
	assert.Equal(t, "mcp-user", sess.CreatedBy)
}
