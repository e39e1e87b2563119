package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Intent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/intent" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req IntentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		assert.Equal(t, "s1", req.SessionID)
		assert.Equal(t, "critic", req.Role)
		_ = json.NewEncoder(w).Encode(Decision{Finish: true, FinalText: "ship it"})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL+"/", time.Second)
	d, err := c.Intent(context.Background(), IntentRequest{SessionID: "s1", Role: "critic", Goal: "g", CorrelationID: "s1:x"})
	require.NoError(t, err)
	assert.True(t, d.Finish)
	assert.Equal(t, "ship it", d.Text())
}

func TestHTTPClient_IntentAsync(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/intent/async", r.URL.Path)
		var req asyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "http://hub/cb?token=t", req.CallbackURL)
		assert.Equal(t, "s1:abc", req.CorrelationID)
		_ = json.NewEncoder(w).Encode(Job{JobID: "job-1", Status: "queued"})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, time.Second)
	j, err := c.IntentAsync(context.Background(), IntentRequest{SessionID: "s1", CorrelationID: "s1:abc"}, "http://hub/cb?token=t")
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.JobID)
}

func TestHTTPClient_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL, time.Second).Intent(context.Background(), IntentRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "model overloaded")
	assert.False(t, IsTimeout(err))
}

func TestHTTPClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := NewHTTPClient(server.URL, 50*time.Millisecond).Intent(context.Background(), IntentRequest{})
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)
}

func TestDecision_Text(t *testing.T) {
	assert.Equal(t, "done", Decision{Finish: true, FinalText: "done"}.Text())
	assert.Equal(t, "[search]", Decision{ToolName: "search"}.Text())
	assert.Equal(t, `[search] limit=3 q="go"`, Decision{ToolName: "search", ToolArgs: map[string]any{"q": "go", "limit": 3}}.Text())
}

func TestHTTPClient_CancelJobs(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs/cancel", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"cancelled":2}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, c.CancelJobs(context.Background(), "sess:"))
	assert.Equal(t, "sess:", got["correlation_prefix"])

	var _ Canceller = c
}
