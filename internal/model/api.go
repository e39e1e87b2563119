package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits for caller-supplied text. These keep a single oversized
// field from bloating prompts sent to the reasoning backend.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 4 * 1024
	MaxAgentNameLen   = 64
	MaxAgents         = 16
	MaxMessageLen     = 64 * 1024 // 64 KB
)

// ValidateAgents checks the participant list: non-empty names, no duplicates,
// bounded count.
func ValidateAgents(agents []string) error {
	if len(agents) == 0 {
		return fmt.Errorf("agents must contain at least one name")
	}
	if len(agents) > MaxAgents {
		return fmt.Errorf("agents exceeds maximum of %d", MaxAgents)
	}
	seen := make(map[string]struct{}, len(agents))
	for i, a := range agents {
		a = strings.TrimSpace(a)
		if a == "" {
			return fmt.Errorf("agents[%d] is empty", i)
		}
		if len(a) > MaxAgentNameLen {
			return fmt.Errorf("agents[%d] exceeds maximum length of %d characters", i, MaxAgentNameLen)
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("agents[%d] duplicates %q", i, a)
		}
		seen[a] = struct{}{}
	}
	return nil
}

// ValidateSessionFields checks per-field limits on session text.
func ValidateSessionFields(title, description string) error {
	if len(title) > MaxTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	if len(description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	return nil
}

// ValidateMessageText checks a message body.
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("text is required")
	}
	if len(text) > MaxMessageLen {
		return fmt.Errorf("text exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeSessionNotFound    = "SESSION_NOT_FOUND"
	ErrCodeRunNotFound        = "RUN_NOT_FOUND"
	ErrCodeInsufficientAgents = "INSUFFICIENT_AGENTS"
	ErrCodeWrongMode          = "WRONG_MODE"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeBusy               = "BUSY"
	ErrCodeRunFailed          = "RUN_FAILED"
)

// CreateSessionRequest is the request body for POST /v1/sessions.
type CreateSessionRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Agents      []string `json:"agents"`
}

// UpdateSessionRequest is the request body for PATCH /v1/sessions/{id}.
type UpdateSessionRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Agents      []string `json:"agents,omitempty"`
}

// AppendUserRequest is the request body for POST /v1/sessions/{id}/messages.
type AppendUserRequest struct {
	Text string `json:"text"`
	// Agent, when set, asks that agent to respond after the message is stored.
	Agent string `json:"agent,omitempty"`
	Async bool   `json:"async,omitempty"`
}

// AppendAgentRequest is the request body for POST /v1/sessions/{id}/agent-messages.
type AppendAgentRequest struct {
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

// StepRequest is the request body for POST /v1/sessions/{id}/steps.
type StepRequest struct {
	Agent string `json:"agent"`
	Goal  string `json:"goal,omitempty"`
	Async bool   `json:"async,omitempty"`
}

// EscalateRequest is the request body for POST /v1/sessions/{id}/escalate.
type EscalateRequest struct {
	Query *string `json:"query,omitempty"`
}

// RunCouncilRequest is the request body for POST /v1/runs/{run_id}/start.
type RunCouncilRequest struct {
	Async bool `json:"async,omitempty"`
}

// ReturnToChatRequest is the request body for POST /v1/sessions/{id}/return.
type ReturnToChatRequest struct {
	Message *string `json:"message,omitempty"`
}

// SessionDetail is a session together with its transcript.
type SessionDetail struct {
	Session  Session   `json:"session"`
	Messages []Message `json:"messages"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Store        string `json:"store"`
	QueueDepth   int    `json:"queue_depth"`
	EventBuffer  int    `json:"event_buffer_depth"`
	BufferStatus string `json:"event_buffer_status"` // ok, high or critical
	Dropped      int64  `json:"events_dropped"`
	SSEBroker    string `json:"sse_broker,omitempty"`
	Uptime       int64  `json:"uptime_seconds"`
}
