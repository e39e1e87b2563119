package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionMode is the conversational mode of a session.
type SessionMode string

const (
	ModeChat    SessionMode = "chat"
	ModeCouncil SessionMode = "council"
)

// Session is a conversation between a user and an ordered set of agents.
type Session struct {
	ID          uuid.UUID      `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Agents      []string       `json:"agents"`
	Mode        SessionMode    `json:"mode"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// HasAgent reports whether name participates in the session.
func (s Session) HasAgent(name string) bool {
	for _, a := range s.Agents {
		if a == name {
			return true
		}
	}
	return false
}

// MessageRole identifies the author class of a message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// MessageStatus tracks asynchronous resolution of a message.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageOK      MessageStatus = "ok"
	MessageError   MessageStatus = "error"
	MessageDone    MessageStatus = "done"
)

// Message is a single transcript entry. A pending message is resolved exactly
// once, in place, by the callback carrying its correlation id.
type Message struct {
	ID            uuid.UUID      `json:"id"`
	SessionID     uuid.UUID      `json:"session_id"`
	Role          MessageRole    `json:"role"`
	AgentName     string         `json:"agent_name,omitempty"`
	RunID         *string        `json:"run_id,omitempty"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	JobID         *string        `json:"job_id,omitempty"`
	Status        MessageStatus  `json:"status"`
	Text          string         `json:"text"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Bookkeeping reports whether the message is excluded from deliberation
// transcripts (system notices and unresolved placeholders).
func (m Message) Bookkeeping() bool {
	return m.Role == RoleSystem || m.Status == MessagePending
}
