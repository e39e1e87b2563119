package council

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning"
	"github.com/ashita-ai/kaigi/internal/retry"
	"github.com/ashita-ai/kaigi/internal/storage"
	"github.com/ashita-ai/kaigi/internal/telemetry"
)

// Reasoning stages sent with every IntentRequest.
const (
	StagePosition  = "position"
	StageDebate    = "debate"
	StageSynthesis = "synthesis"
	StageReaction  = "reaction"
	StageChat      = "chat"
)

// StartCouncil validates the run and schedules RunCouncil on the worker
// pool. It returns without waiting for deliberation.
func (s *Service) StartCouncil(ctx context.Context, runID string) (model.Run, error) {
	run, err := s.runnable(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if s.pool == nil {
		return model.Run{}, fmt.Errorf("council: no worker pool configured: %w", ErrBusy)
	}
	// The pool context is only cancelled when shutdown runs out of time.
	ok := s.pool.Submit("council:"+runID, func(ctx context.Context) error {
		_, err := s.runCouncil(ctx, runID)
		return err
	})
	if !ok {
		return model.Run{}, fmt.Errorf("council: run %s not scheduled: %w", runID, ErrBusy)
	}
	return run, nil
}

func (s *Service) runnable(ctx context.Context, runID string) (model.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Run{}, ErrRunNotFound
		}
		return model.Run{}, fmt.Errorf("council: get run: %w", err)
	}
	if run.Status != model.RunStatusPending {
		return model.Run{}, fmt.Errorf("council: run %s is %s: %w", runID, run.Status, ErrWrongMode)
	}
	return run, nil
}

// RunCouncil drives a pending run through positions, debate and synthesis.
// It always leaves the run terminal and the session in chat mode: either
// completed with a synthesis, or errored with the failure recorded. The run
// does not stop when ctx is cancelled; only its values and trace are kept.
func (s *Service) RunCouncil(ctx context.Context, runID string) (model.Run, error) {
	return s.runCouncil(context.WithoutCancel(ctx), runID)
}

func (s *Service) runCouncil(ctx context.Context, runID string) (result model.Run, err error) {
	run, err := s.runnable(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if _, busy := s.running.LoadOrStore(runID, struct{}{}); busy {
		return model.Run{}, fmt.Errorf("council: run %s already executing: %w", runID, ErrWrongMode)
	}
	defer s.running.Delete(runID)

	ctx, span := s.metrics.tracer.Start(ctx, "council.run", trace.WithAttributes(
		telemetry.AttrRunID.String(run.RunID),
		telemetry.AttrSessionID.String(run.SessionID.String()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("council: run failed", "run_id", run.RunID, "phase", run.Phase, "error", err)
		// The caller's context may be what failed; the closing writes must still land.
		s.fail(context.WithoutCancel(ctx), &run, err)
		result = run
		err = fmt.Errorf("council: run %s: %w: %v", run.RunID, ErrRunFailed, err)
	}()

	t := now()
	run.Status = model.RunStatusRunning
	run.StartedAt = &t
	if err := s.writeRun(ctx, &run); err != nil {
		return run, err
	}
	s.logger.Info("council: run started", "run_id", run.RunID, "agents", len(run.Context.Agents))

	if err := s.positionPhase(ctx, &run); err != nil {
		return run, err
	}
	vetoBy, vetoReason := positionVeto(run.Positions)
	if vetoBy == "" {
		if vetoBy, vetoReason, err = s.debatePhase(ctx, &run); err != nil {
			return run, err
		}
	}
	if vetoBy != "" {
		run.Veto = true
		run.VetoReason = &vetoReason
		s.logger.Info("council: veto", "run_id", run.RunID, "agent", vetoBy, "reason", vetoReason)
	}
	syn, err := s.synthesisPhase(ctx, &run, vetoBy, vetoReason)
	if err != nil {
		return run, err
	}
	if err := s.complete(ctx, &run, syn); err != nil {
		return run, err
	}
	s.logger.Info("council: run completed", "run_id", run.RunID,
		"rounds", len(run.DebateRounds), "fallback", syn.Fallback, "veto", run.Veto)
	return run, nil
}

// phaseSpan starts the span and timer for one phase. The returned func ends both.
func (s *Service) phaseSpan(ctx context.Context, run *model.Run, phase model.Phase) (context.Context, func()) {
	ctx, span := s.metrics.tracer.Start(ctx, "council."+string(phase), trace.WithAttributes(
		telemetry.AttrRunID.String(run.RunID),
	))
	start := time.Now()
	return ctx, func() {
		s.metrics.phase(ctx, string(phase), float64(time.Since(start).Milliseconds()))
		span.End()
	}
}

// callAgent makes one bounded, retried reasoning call. Every attempt gets its
// own CallTimeout, so the total time is bounded by the retry policy.
func (s *Service) callAgent(ctx context.Context, req reasoning.IntentRequest) (reasoning.Decision, error) {
	p := s.cfg.Retry
	p.OnRetry = func(attempt int, err error) {
		s.metrics.retry(ctx, req.Stage)
		s.logger.Debug("council: retrying reasoning call",
			"stage", req.Stage, "agent", req.Role, "attempt", attempt, "error", err)
	}
	return retry.Do(ctx, p, func(ctx context.Context, _ int) (reasoning.Decision, error) {
		if s.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
			defer cancel()
		}
		start := time.Now()
		d, err := s.reasoner.Intent(ctx, req)
		s.metrics.latency(ctx, req.Stage, float64(time.Since(start).Milliseconds()))
		if err != nil && ctx.Err() != nil && !reasoning.IsTimeout(err) {
			err = errors.Join(err, reasoning.ErrTimeout)
		}
		return d, err
	})
}

// agentResult is the outcome of one participant's call in a fan-out.
type agentResult struct {
	decision reasoning.Decision
	err      error
}

// fanOut calls build(i, agent) for every agent concurrently and waits for
// all of them. A panicking call is reported as that agent's error.
func (s *Service) fanOut(ctx context.Context, agents []string, build func(i int, agent string) reasoning.IntentRequest) []agentResult {
	results := make([]agentResult, len(agents))
	var g errgroup.Group
	for i, agent := range agents {
		g.Go(func() error {
			var res agentResult
			if rec := panics.Try(func() {
				res.decision, res.err = s.callAgent(ctx, build(i, agent))
			}); rec != nil {
				res.err = rec.AsError()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// skipFor records a participant's exhausted call.
func (s *Service) skipFor(ctx context.Context, run *model.Run, stage, agent string, err error) (model.SkipStatus, string) {
	status := retry.Classify(err)
	s.metrics.skip(ctx, stage, string(status))
	s.logger.Warn("council: agent skipped", "run_id", run.RunID, "stage", stage, "agent", agent,
		"status", status, "error", err)
	return status, err.Error()
}

func (s *Service) request(run *model.Run, stage string, role Role, agent, goal string) reasoning.IntentRequest {
	return reasoning.IntentRequest{
		SessionID:     run.SessionID.String(),
		Role:          agent,
		Stage:         stage,
		Persona:       role.Description,
		Goal:          goal,
		CorrelationID: fmt.Sprintf("%s:%s:%s", run.RunID, stage, agent),
		UserID:        run.CreatedBy,
	}
}
