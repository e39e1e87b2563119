package council

import (
	"context"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning"
)

// positionPhase asks every agent for an independent position and writes all
// of them to the run in one update.
func (s *Service) positionPhase(ctx context.Context, run *model.Run) error {
	if err := s.advancePhase(ctx, run, model.PhasePositions); err != nil {
		return err
	}
	ctx, end := s.phaseSpan(ctx, run, model.PhasePositions)
	defer end()

	agents := run.Context.Agents
	results := s.fanOut(ctx, agents, func(i int, agent string) reasoning.IntentRequest {
		role := roleFor(agent, i)
		return s.request(run, StagePosition, role, agent, positionPrompt(role, run.Context))
	})

	positions := make([]model.Position, len(agents))
	for i, agent := range agents {
		if err := results[i].err; err != nil {
			status, msg := s.skipFor(ctx, run, StagePosition, agent, err)
			positions[i] = model.SkippedPosition(agent, status, msg)
			continue
		}
		positions[i] = parsePosition(agent, results[i].decision)
	}
	run.Positions = positions
	return s.writeRun(ctx, run)
}

// positionVeto returns the first agent whose position carries a veto.
func positionVeto(positions []model.Position) (agent, reason string) {
	for _, p := range positions {
		if vetoed, why := p.Veto(); vetoed {
			return p.Agent, vetoReasonOr(why)
		}
	}
	return "", ""
}

func vetoReasonOr(reason string) string {
	if reason == "" {
		return "no reason given"
	}
	return reason
}
