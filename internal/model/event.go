package model

import "time"

// EventType names an entry in the secondary event log.
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionUpdated   EventType = "session.updated"
	EventSessionDeleted   EventType = "session.deleted"
	EventMessageAppended  EventType = "message.appended"
	EventMessageResolved  EventType = "message.resolved"
	EventCouncilEscalated EventType = "council.escalated"
	EventCouncilPhase     EventType = "council.phase"
	EventCouncilCompleted EventType = "council.completed"
	EventCouncilFailed    EventType = "council.failed"
	EventReturnedToChat   EventType = "council.returned_to_chat"
)

// ActorType classifies who caused an event.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Event is an append-only record in the secondary event log. Writes are
// best-effort and never part of the primary transaction.
type Event struct {
	ID         int64          `json:"id,omitempty"`
	Type       EventType      `json:"type"`
	ActorID    string         `json:"actor_id"`
	ActorType  ActorType      `json:"actor_type"`
	Payload    map[string]any `json:"payload"`
	SessionRef string         `json:"session_ref"`
	OccurredAt time.Time      `json:"occurred_at"`
}
