package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SkipStatus records why a participant was skipped.
type SkipStatus string

const (
	SkipTimeout SkipStatus = "timeout"
	SkipError   SkipStatus = "error"
)

// Skip is the canonical placeholder for a participant whose call failed after
// retries. It has the same shape in every phase.
type Skip struct {
	Status SkipStatus `json:"status"`
	Error  string     `json:"error"`
}

type skipWire struct {
	Agent   string     `json:"agent"`
	Skipped bool       `json:"skipped"`
	Status  SkipStatus `json:"status"`
	Error   string     `json:"error"`
}

// Position is one agent's independent analysis of the query: either a set of
// structured fields produced by the agent, or a skip.
type Position struct {
	Agent   string
	Fields  map[string]any
	Skipped *Skip
}

// SkippedPosition builds the placeholder for a failed participant.
func SkippedPosition(agent string, status SkipStatus, errMsg string) Position {
	return Position{Agent: agent, Skipped: &Skip{Status: status, Error: errMsg}}
}

// IsSkipped reports whether p is a skip placeholder.
func (p Position) IsSkipped() bool { return p.Skipped != nil }

// Veto reports whether the position carries a veto, and its reason.
func (p Position) Veto() (bool, string) {
	if p.Skipped != nil {
		return false, ""
	}
	return vetoFromFields(p.Fields)
}

// Summary returns the most descriptive single string in the position.
func (p Position) Summary() string {
	if p.Skipped != nil {
		return fmt.Sprintf("(skipped: %s)", p.Skipped.Status)
	}
	for _, k := range []string{"recommendation", "position", "response", "summary"} {
		if s, ok := p.Fields[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	b, err := json.Marshal(p.Fields)
	if err != nil {
		return ""
	}
	return string(b)
}

// MarshalJSON flattens the position into a single object with an "agent" key.
func (p Position) MarshalJSON() ([]byte, error) {
	if p.Skipped != nil {
		return json.Marshal(skipWire{Agent: p.Agent, Skipped: true, Status: p.Skipped.Status, Error: p.Skipped.Error})
	}
	out := make(map[string]any, len(p.Fields)+1)
	for k, v := range p.Fields {
		out[k] = v
	}
	out["agent"] = p.Agent
	return json.Marshal(out)
}

// UnmarshalJSON accepts either the structured or the skipped form.
func (p *Position) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	agent, _ := raw["agent"].(string)
	if skipped, _ := raw["skipped"].(bool); skipped {
		status, _ := raw["status"].(string)
		errMsg, _ := raw["error"].(string)
		*p = SkippedPosition(agent, SkipStatus(status), errMsg)
		return nil
	}
	delete(raw, "agent")
	*p = Position{Agent: agent, Fields: raw}
	return nil
}

// DebateItem is one agent's contribution to a debate round.
type DebateItem struct {
	Agent      string
	Text       string
	Veto       bool
	VetoReason string
	Skipped    *Skip
}

type debateItemWire struct {
	Agent      string `json:"agent"`
	Text       string `json:"text"`
	Veto       bool   `json:"veto,omitempty"`
	VetoReason string `json:"veto_reason,omitempty"`
}

// SkippedItem builds the placeholder for a failed debate participant.
func SkippedItem(agent string, status SkipStatus, errMsg string) DebateItem {
	return DebateItem{Agent: agent, Skipped: &Skip{Status: status, Error: errMsg}}
}

// IsSkipped reports whether d is a skip placeholder.
func (d DebateItem) IsSkipped() bool { return d.Skipped != nil }

// MarshalJSON writes either the canonical skip or the text form.
func (d DebateItem) MarshalJSON() ([]byte, error) {
	if d.Skipped != nil {
		return json.Marshal(skipWire{Agent: d.Agent, Skipped: true, Status: d.Skipped.Status, Error: d.Skipped.Error})
	}
	return json.Marshal(debateItemWire{Agent: d.Agent, Text: d.Text, Veto: d.Veto, VetoReason: d.VetoReason})
}

// UnmarshalJSON accepts either the text or the skipped form.
func (d *DebateItem) UnmarshalJSON(data []byte) error {
	var probe struct {
		Skipped bool `json:"skipped"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Skipped {
		var w skipWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		*d = SkippedItem(w.Agent, w.Status, w.Error)
		return nil
	}
	var w debateItemWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = DebateItem{Agent: w.Agent, Text: w.Text, Veto: w.Veto, VetoReason: w.VetoReason}
	return nil
}

// DebateRound is one synchronized round of the debate phase.
type DebateRound struct {
	Round     int          `json:"round"`
	Items     []DebateItem `json:"items"`
	Consensus bool         `json:"consensus"`
}

// Synthesis is the final, single-author recommendation of a run.
type Synthesis struct {
	KeyInsights         map[string]string `json:"key_insights"`
	ConflictResolutions []string          `json:"conflict_resolutions"`
	FinalRecommendation string            `json:"final_recommendation"`
	Confidence          float64           `json:"confidence"`
	NextSteps           []string          `json:"next_steps"`
	SkippedAgents       []string          `json:"skipped_agents"`
	Fallback            bool              `json:"fallback,omitempty"`
	Note                string            `json:"note,omitempty"`
	Veto                bool              `json:"veto,omitempty"`
	VetoReason          string            `json:"veto_reason,omitempty"`
	Raw                 map[string]any    `json:"raw,omitempty"`
}

func vetoFromFields(fields map[string]any) (bool, string) {
	v, ok := fields["veto"]
	if !ok {
		return false, ""
	}
	vetoed := false
	switch t := v.(type) {
	case bool:
		vetoed = t
	case string:
		vetoed = strings.EqualFold(t, "true") || strings.EqualFold(t, "yes")
	}
	if !vetoed {
		return false, ""
	}
	reason, _ := fields["veto_reason"].(string)
	return true, reason
}
