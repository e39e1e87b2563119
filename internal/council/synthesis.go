package council

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/kaigi/internal/model"
)

// Fallback notes, one per cause.
const (
	unreachableNote = "The reasoning backend was unreachable; this synthesis was assembled locally from the recorded positions and debate."
	emptyAnswerNote = "The moderator answered without a final recommendation; this synthesis was assembled locally from the recorded positions and debate."
)

// synthesisPhase asks the moderator for one recommendation. If the call
// fails after retries a deterministic local synthesis is used instead, so the
// result is never empty.
func (s *Service) synthesisPhase(ctx context.Context, run *model.Run, vetoBy, vetoReason string) (model.Synthesis, error) {
	if err := s.advancePhase(ctx, run, model.PhaseSynthesis); err != nil {
		return model.Synthesis{}, err
	}
	ctx, end := s.phaseSpan(ctx, run, model.PhaseSynthesis)
	defer end()

	moderator, _ := roleByName(roleModerator)
	req := s.request(run, StageSynthesis, moderator, roleModerator, synthesisPrompt(*run, vetoBy, vetoReason))
	var syn model.Synthesis
	d, err := s.callAgent(ctx, req)
	if err != nil {
		status, _ := s.skipFor(ctx, run, StageSynthesis, roleModerator, err)
		s.logger.Warn("council: using fallback synthesis", "run_id", run.RunID, "status", status)
		syn = fallbackSynthesis(*run, unreachableNote)
	} else {
		syn = parseSynthesis(d)
		if strings.TrimSpace(syn.FinalRecommendation) == "" {
			s.logger.Warn("council: moderator gave no recommendation, using fallback synthesis", "run_id", run.RunID)
			syn = fallbackSynthesis(*run, emptyAnswerNote)
		}
	}
	syn.SkippedAgents = skippedAgents(*run)
	if vetoBy != "" {
		syn.Veto = true
		syn.VetoReason = vetoReason
		syn.FinalRecommendation = fmt.Sprintf("Do not proceed: vetoed by %s: %s", vetoBy, vetoReason)
	}
	return syn, nil
}

// fallbackSynthesis builds a synthesis from whatever the run recorded.
// note says why the moderator's answer could not be used.
func fallbackSynthesis(run model.Run, note string) model.Synthesis {
	next := "Re-run the council once the reasoning backend is reachable."
	if note == emptyAnswerNote {
		next = "Re-run the council; the moderator returned no recommendation."
	}
	syn := model.Synthesis{
		KeyInsights:         map[string]string{},
		ConflictResolutions: []string{},
		NextSteps:           []string{next},
		Fallback:            true,
		Note:                note,
	}
	answered := 0
	for _, p := range run.Positions {
		if p.IsSkipped() {
			continue
		}
		answered++
		syn.KeyInsights[p.Agent] = clip(p.Summary(), 300)
	}
	if n := len(run.DebateRounds); n > 0 {
		last := run.DebateRounds[n-1]
		for _, it := range last.Items {
			if !it.IsSkipped() && it.Text != "" {
				syn.KeyInsights[it.Agent] = clip(it.Text, 300)
			}
		}
		if !last.Consensus {
			syn.ConflictResolutions = append(syn.ConflictResolutions,
				fmt.Sprintf("Debate ended after %d rounds without consensus; disagreements remain unresolved.", n))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "On %q: ", run.Query)
	if len(syn.KeyInsights) == 0 {
		b.WriteString("no agent produced a position, so no recommendation can be made.")
		syn.Confidence = 0
	} else {
		b.WriteString("the council's views were ")
		keys := sortedKeys(syn.KeyInsights)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, syn.KeyInsights[k]))
		}
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(".")
		if total := len(run.Positions); total > 0 {
			syn.Confidence = 0.3 * float64(answered) / float64(total)
		}
	}
	syn.FinalRecommendation = b.String()
	return syn
}

// skippedAgents lists, once each and sorted, every agent skipped in any phase.
func skippedAgents(run model.Run) []string {
	seen := map[string]struct{}{}
	for _, p := range run.Positions {
		if p.IsSkipped() {
			seen[p.Agent] = struct{}{}
		}
	}
	for _, r := range run.DebateRounds {
		for _, it := range r.Items {
			if it.IsSkipped() {
				seen[it.Agent] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// synthesisText renders a synthesis as the transcript message.
func synthesisText(syn model.Synthesis) string {
	var b strings.Builder
	b.WriteString("Council recommendation: ")
	b.WriteString(syn.FinalRecommendation)
	fmt.Fprintf(&b, "\nConfidence: %.2f", syn.Confidence)
	if len(syn.NextSteps) > 0 {
		b.WriteString("\nNext steps:")
		for _, step := range syn.NextSteps {
			fmt.Fprintf(&b, "\n- %s", step)
		}
	}
	if len(syn.SkippedAgents) > 0 {
		fmt.Fprintf(&b, "\nSkipped: %s", strings.Join(syn.SkippedAgents, ", "))
	}
	if syn.Note != "" {
		fmt.Fprintf(&b, "\nNote: %s", syn.Note)
	}
	return b.String()
}
