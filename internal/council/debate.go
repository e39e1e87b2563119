package council

import (
	"context"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning"
)

// debatePhase runs rounds until consensus, a veto, or the round cap. Rounds
// are written to the run together once the loop ends. It returns the vetoing
// agent and reason, if any.
func (s *Service) debatePhase(ctx context.Context, run *model.Run) (vetoBy, vetoReason string, err error) {
	if err := s.advancePhase(ctx, run, model.PhaseDebate); err != nil {
		return "", "", err
	}
	ctx, end := s.phaseSpan(ctx, run, model.PhaseDebate)
	defer end()

	agents := run.Context.Agents
	maxRounds := s.cfg.debateRounds()
	rounds := make([]model.DebateRound, 0, maxRounds)
	for round := 1; round <= maxRounds; round++ {
		prior := rounds
		results := s.fanOut(ctx, agents, func(i int, agent string) reasoning.IntentRequest {
			role := roleFor(agent, i)
			return s.request(run, StageDebate, role, agent, debatePrompt(role, run.Context, run.Positions, prior, round))
		})

		items := make([]model.DebateItem, len(agents))
		for i, agent := range agents {
			if err := results[i].err; err != nil {
				status, msg := s.skipFor(ctx, run, StageDebate, agent, err)
				items[i] = model.SkippedItem(agent, status, msg)
				continue
			}
			items[i] = parseDebateItem(agent, results[i].decision)
			if items[i].Veto && vetoBy == "" {
				vetoBy, vetoReason = agent, vetoReasonOr(items[i].VetoReason)
			}
		}
		consensus := vetoBy == "" && s.detector.Consensus(items)
		rounds = append(rounds, model.DebateRound{Round: round, Items: items, Consensus: consensus})
		s.logger.Debug("council: debate round", "run_id", run.RunID, "round", round, "consensus", consensus)
		if consensus || vetoBy != "" {
			break
		}
	}
	run.DebateRounds = rounds
	return vetoBy, vetoReason, s.writeRun(ctx, run)
}
