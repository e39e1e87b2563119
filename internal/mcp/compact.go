package mcp

import (
	"github.com/ashita-ai/kaigi/internal/model"
)

const (
	maxCompactDescription = 200
	maxCompactQuery       = 300
)

// compactSession returns the fields an agent needs to pick a session from a
// list. Transcript and free-form context are left to kaigi_get_session.
func compactSession(s model.Session) map[string]any {
	m := map[string]any{
		"id":         s.ID,
		"title":      s.Title,
		"agents":     s.Agents,
		"mode":       s.Mode,
		"updated_at": s.UpdatedAt,
	}
	if s.Description != "" {
		m["description"] = truncate(s.Description, maxCompactDescription)
	}
	return m
}

// compactRun drops the frozen transcript and per-agent output from a run.
// The headline of the synthesis is kept so a list is useful on its own.
func compactRun(r model.Run) map[string]any {
	m := map[string]any{
		"run_id":     r.RunID,
		"session_id": r.SessionID,
		"status":     r.Status,
		"phase":      r.Phase,
		"query":      truncate(r.Query, maxCompactQuery),
		"created_at": r.CreatedAt,
	}
	if len(r.DebateRounds) > 0 {
		m["debate_rounds"] = len(r.DebateRounds)
	}
	if r.Veto {
		m["veto"] = true
		if r.VetoReason != nil {
			m["veto_reason"] = *r.VetoReason
		}
	}
	if r.Synthesis != nil {
		m["final_recommendation"] = r.Synthesis.FinalRecommendation
		m["confidence"] = r.Synthesis.Confidence
		if len(r.Synthesis.SkippedAgents) > 0 {
			m["skipped_agents"] = r.Synthesis.SkippedAgents
		}
	}
	if r.Error != nil {
		m["error"] = *r.Error
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt
	}
	if note := runNote(r); note != "" {
		m["context_note"] = note
	}
	return m
}

// runNote tells the caller what to do next with a run. First match wins.
func runNote(r model.Run) string {
	switch {
	case r.Status == model.RunStatusPending:
		return "Run is waiting. Call kaigi_run to deliberate."
	case r.Status == model.RunStatusRunning:
		return "Deliberation in progress (" + string(r.Phase) + ")."
	case r.Veto:
		return "Vetoed. The recommendation must not go ahead as proposed."
	case r.Synthesis != nil && r.Synthesis.Fallback:
		return "Synthesis was assembled without the moderator. Treat it as a summary."
	case r.Synthesis != nil && len(r.Synthesis.SkippedAgents) > 0:
		return "Some agents did not answer; their views are missing."
	default:
		return ""
	}
}

// truncate shortens s to at most maxLen bytes without splitting a rune,
// appending "..." when cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}
