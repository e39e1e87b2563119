package council

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/kaigi/internal/model"
)

// Role is a deliberation persona an agent plays during a council run.
type Role struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Instructions string `json:"-"`
	// CanVeto marks roles whose positions may block a recommendation.
	CanVeto bool `json:"can_veto"`
}

const (
	roleModerator = "moderator"
	roleSafety    = "safety"
)

var builtinRoles = []Role{
	{
		Name:         "strategist",
		Description:  "Frames the decision in terms of goals, trade-offs and long-term consequences.",
		Instructions: "Weigh the decision against the stated goals. Name the trade-off you consider decisive.",
	},
	{
		Name:         "critic",
		Description:  "Looks for weaknesses, hidden assumptions and failure modes.",
		Instructions: "Challenge the framing. List the assumptions most likely to be wrong and what happens if they are.",
	},
	{
		Name:         "pragmatist",
		Description:  "Focuses on feasibility, cost and the smallest next step.",
		Instructions: "Judge what can actually be done with the stated constraints. Prefer reversible steps.",
	},
	{
		Name:         roleSafety,
		Description:  "Guards against irreversible or unsafe outcomes and may veto.",
		Instructions: "Identify harms that would be hard to undo. If the proposal must not go ahead, set \"veto\": true and give \"veto_reason\".",
		CanVeto:      true,
	},
	{
		Name:         roleModerator,
		Description:  "Synthesizes all positions and debate into one recommendation.",
		Instructions: "Resolve conflicts explicitly and commit to one recommendation.",
	},
}

// rotation is the persona order assigned to agents whose name is not itself a role.
var rotation = []string{"strategist", "critic", "pragmatist"}

// Roles returns the built-in deliberation roles.
func (s *Service) Roles(_ context.Context) []Role {
	return append([]Role(nil), builtinRoles...)
}

func roleByName(name string) (Role, bool) {
	for _, r := range builtinRoles {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return Role{}, false
}

// roleFor assigns a persona to the agent at position idx in the session.
func roleFor(agent string, idx int) Role {
	if r, ok := roleByName(agent); ok && r.Name != roleModerator {
		return r
	}
	r, _ := roleByName(rotation[idx%len(rotation)])
	return r
}

func writeContext(b *strings.Builder, fc model.FrozenContext) {
	fmt.Fprintf(b, "Question: %s\n", fc.OriginalQuery)
	if fc.Summary != "" {
		fmt.Fprintf(b, "Conversation summary: %s\n", fc.Summary)
	}
	if len(fc.Constraints) > 0 {
		b.WriteString("Constraints raised:\n")
		for _, c := range fc.Constraints {
			fmt.Fprintf(b, "- %s\n", c)
		}
	}
	if len(fc.Options) > 0 {
		b.WriteString("Options raised:\n")
		for _, o := range fc.Options {
			fmt.Fprintf(b, "- %s\n", o)
		}
	}
}

func writeTranscript(b *strings.Builder, entries []model.TranscriptEntry) {
	if len(entries) == 0 {
		return
	}
	b.WriteString("Full conversation:\n")
	for _, e := range entries {
		speaker := string(e.Role)
		if e.Agent != "" {
			speaker = e.Agent
		}
		fmt.Fprintf(b, "[%s] %s\n", speaker, e.Text)
	}
}

func writePositions(b *strings.Builder, positions []model.Position) {
	b.WriteString("Positions:\n")
	for _, p := range positions {
		fmt.Fprintf(b, "- %s: %s\n", p.Agent, p.Summary())
	}
}

func writeRounds(b *strings.Builder, rounds []model.DebateRound) {
	for _, r := range rounds {
		fmt.Fprintf(b, "Debate round %d:\n", r.Round)
		for _, it := range r.Items {
			if it.IsSkipped() {
				fmt.Fprintf(b, "- %s: (skipped: %s)\n", it.Agent, it.Skipped.Status)
				continue
			}
			fmt.Fprintf(b, "- %s: %s\n", it.Agent, it.Text)
		}
	}
}

func positionPrompt(role Role, fc model.FrozenContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s on a council. %s\n\n", role.Name, role.Instructions)
	writeContext(&b, fc)
	writeTranscript(&b, fc.Transcript)
	b.WriteString("\nGive your independent position as a JSON object with keys ")
	b.WriteString(`"recommendation", "rationale", "risks", "concerns", "confidence" (0 to 1)`)
	if role.CanVeto {
		b.WriteString(`, and optionally "veto" and "veto_reason"`)
	}
	b.WriteString(".\n")
	return b.String()
}

func debatePrompt(role Role, fc model.FrozenContext, positions []model.Position, prior []model.DebateRound, round int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s on a council, debate round %d. %s\n\n", role.Name, round, role.Instructions)
	writeContext(&b, fc)
	writePositions(&b, positions)
	writeRounds(&b, prior)
	b.WriteString("\nIn light of the other positions:\n")
	b.WriteString("(a) restate your position, updated for anything new;\n")
	b.WriteString("(b) flag any contradiction with another agent by name;\n")
	b.WriteString("(c) either argue your case or state \"no disagreements\" if you agree with the emerging view.\n")
	if role.CanVeto {
		b.WriteString("If the proposal must not go ahead, include a JSON object {\"veto\": true, \"veto_reason\": \"...\"}.\n")
	}
	return b.String()
}

func synthesisPrompt(run model.Run, vetoBy, vetoReason string) string {
	var b strings.Builder
	moderator, _ := roleByName(roleModerator)
	fmt.Fprintf(&b, "You are the %s of a council. %s\n\n", moderator.Name, moderator.Instructions)
	writeContext(&b, run.Context)
	writePositions(&b, run.Positions)
	writeRounds(&b, run.DebateRounds)
	if vetoBy != "" {
		fmt.Fprintf(&b, "\n%s vetoed the proposal: %s\nYour recommendation must respect the veto.\n", vetoBy, vetoReason)
	}
	b.WriteString("\nRespond with a JSON object with keys ")
	b.WriteString(`"key_insights" (object of agent name to one-line insight), "conflict_resolutions" (list), `)
	b.WriteString(`"final_recommendation" (string), "confidence" (0 to 1), "next_steps" (list).`)
	b.WriteString("\n")
	return b.String()
}

func stepPrompt(agent, goal string, tail []model.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s in a group conversation.\n", agent)
	if len(tail) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range tail {
			speaker := string(m.Role)
			if m.AgentName != "" {
				speaker = m.AgentName
			}
			fmt.Fprintf(&b, "[%s] %s\n", speaker, m.Text)
		}
	}
	fmt.Fprintf(&b, "\nRespond to: %s\n", goal)
	return b.String()
}

func reactionPrompt(agent string, trigger model.Message) string {
	speaker := string(trigger.Role)
	if trigger.AgentName != "" {
		speaker = trigger.AgentName
	}
	return fmt.Sprintf(
		"You are %s in a group conversation. %s just said:\n%s\n\n"+
			"If you have a short, useful comment, give it in one or two sentences. Otherwise reply with exactly \"pass\".\n",
		agent, speaker, trigger.Text)
}
