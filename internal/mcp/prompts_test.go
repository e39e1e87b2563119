package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConveneCouncilPrompt(t *testing.T) {
	s := newTestServer(t, nil)
	req := mcplib.GetPromptRequest{Params: mcplib.GetPromptParams{
		Name:      "convene-council",
		Arguments: map[string]string{"session_id": "abc", "query": "Ship v2?"},
	}}
	res, err := s.handleConveneCouncilPrompt(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	text := res.Messages[0].Content.(mcplib.TextContent).Text
	assert.Contains(t, text, `kaigi_escalate with session_id="abc" and query="Ship v2?"`)
	assert.Contains(t, text, "kaigi_run")
}

func TestConveneCouncilPrompt_RequiresSession(t *testing.T) {
	s := newTestServer(t, nil)
	_, err := s.handleConveneCouncilPrompt(context.Background(), mcplib.GetPromptRequest{})
	assert.Error(t, err)
}

func TestAgentSetupPrompt(t *testing.T) {
	s := newTestServer(t, nil)
	res, err := s.handleAgentSetupPrompt(context.Background(), mcplib.GetPromptRequest{})
	require.NoError(t, err)
	assert.Contains(t, res.Messages[0].Content.(mcplib.TextContent).Text, "kaigi_return_to_chat")
}
