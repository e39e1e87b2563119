// Package model defines the core domain types for kaigi.
//
// Types map directly onto store rows and tool payloads. Loosely-typed agent
// output (positions, debate items, synthesis) is confined to a small set of
// shapes so that deliberation code never probes arbitrary keys.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a council run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusError
}

// Phase is the deliberation phase of a run. Phases only move forward.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhasePositions Phase = "positions"
	PhaseDebate    Phase = "debate"
	PhaseSynthesis Phase = "synthesis"
	PhaseComplete  Phase = "complete"
)

var phaseRank = map[Phase]int{
	PhaseInit:      0,
	PhasePositions: 1,
	PhaseDebate:    2,
	PhaseSynthesis: 3,
	PhaseComplete:  4,
}

// Rank returns the ordinal of p, or -1 for an unknown phase.
func (p Phase) Rank() int {
	if r, ok := phaseRank[p]; ok {
		return r
	}
	return -1
}

// Before reports whether p strictly precedes other.
func (p Phase) Before(other Phase) bool {
	return p.Rank() < other.Rank()
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.Rank() >= 0
}

// Run is one execution of the deliberation protocol for a session.
// It is created by escalation and mutated only by the deliberation engine.
type Run struct {
	ID           uuid.UUID     `json:"id"`
	SessionID    uuid.UUID     `json:"session_id"`
	RunID        string        `json:"run_id"`
	Status       RunStatus     `json:"status"`
	Phase        Phase         `json:"phase"`
	Query        string        `json:"query"`
	Context      FrozenContext `json:"context"`
	Positions    []Position    `json:"positions"`
	DebateRounds []DebateRound `json:"debate_rounds"`
	Synthesis    *Synthesis    `json:"synthesis,omitempty"`
	Veto         bool          `json:"veto"`
	VetoReason   *string       `json:"veto_reason,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Error        *string       `json:"error,omitempty"`
	CreatedBy    string        `json:"created_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Active reports whether the run still holds its session in council mode.
func (r Run) Active() bool {
	return !r.Status.Terminal()
}

// TranscriptEntry is one chat line copied verbatim into a frozen context.
type TranscriptEntry struct {
	Role      MessageRole `json:"role"`
	Agent     string      `json:"agent,omitempty"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"created_at"`
}

// FrozenContext is the deliberation input captured at escalation time.
// Later chat traffic never changes it.
type FrozenContext struct {
	Transcript    []TranscriptEntry `json:"transcript"`
	Summary       string            `json:"summary"`
	Constraints   []string          `json:"constraints"`
	Options       []string          `json:"options"`
	OriginalQuery string            `json:"original_query"`
	Agents        []string          `json:"agents"`
	FrozenAt      time.Time         `json:"frozen_at"`
}
