package council

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/storage"
)

// advancePhase moves run forward to phase and persists it. Moving to an
// earlier phase is rejected; staying in place is a no-op.
func (s *Service) advancePhase(ctx context.Context, run *model.Run, phase model.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("council: unknown phase %q: %w", phase, ErrInvalidInput)
	}
	if phase.Before(run.Phase) {
		return fmt.Errorf("council: run %s at %s cannot move to %s: %w", run.RunID, run.Phase, phase, ErrPhaseRegression)
	}
	if phase == run.Phase {
		return nil
	}
	run.Phase = phase
	if err := s.writeRun(ctx, run); err != nil {
		return err
	}
	s.logger.Debug("council: phase", "run_id", run.RunID, "phase", phase)
	s.mirror(ctx, model.EventCouncilPhase, "system", model.ActorSystem, run.SessionID, map[string]any{
		"run_id": run.RunID,
		"phase":  string(phase),
	})
	s.notifyRun(ctx, *run)
	return nil
}

// writeRun persists every mutable field of run in a single update.
func (s *Service) writeRun(ctx context.Context, run *model.Run) error {
	run.UpdatedAt = now()
	if err := s.store.UpdateRun(ctx, *run); err != nil {
		return fmt.Errorf("council: update run %s: %w", run.RunID, err)
	}
	return nil
}

// complete marks run completed with syn, returns the session to chat and
// appends the synthesis to the transcript, atomically.
func (s *Service) complete(ctx context.Context, run *model.Run, syn model.Synthesis) error {
	t := now()
	run.Synthesis = &syn
	run.Status = model.RunStatusCompleted
	run.Phase = model.PhaseComplete
	run.CompletedAt = &t
	run.UpdatedAt = t

	runID := run.RunID
	notice := model.Message{
		ID:        uuid.New(),
		SessionID: run.SessionID,
		Role:      model.RoleAgent,
		AgentName: roleModerator,
		RunID:     &runID,
		Status:    model.MessageDone,
		Text:      synthesisText(syn),
		Metadata:  map[string]any{"run_id": runID, "kind": "synthesis"},
		CreatedAt: t,
	}
	if err := s.store.CloseRun(ctx, *run, &notice); err != nil {
		return fmt.Errorf("council: close run %s: %w", run.RunID, err)
	}
	s.metrics.finished(ctx, string(run.Status))
	s.mirror(ctx, model.EventCouncilCompleted, roleModerator, model.ActorAgent, run.SessionID, map[string]any{
		"run_id":         run.RunID,
		"veto":           run.Veto,
		"fallback":       syn.Fallback,
		"skipped_agents": syn.SkippedAgents,
	})
	s.notifyRun(ctx, *run)
	return nil
}

// fail marks run as errored and returns the session to chat mode. A run that
// was already closed is left alone. Any other write failure still forces the
// session back to chat, but only while run is the session's open run.
func (s *Service) fail(ctx context.Context, run *model.Run, cause error) {
	t := now()
	msg := cause.Error()
	run.Status = model.RunStatusError
	run.Error = &msg
	run.CompletedAt = &t
	run.UpdatedAt = t

	runID := run.RunID
	notice := model.Message{
		ID:        uuid.New(),
		SessionID: run.SessionID,
		Role:      model.RoleSystem,
		RunID:     &runID,
		Status:    model.MessageDone,
		Text:      fmt.Sprintf("Council run %s failed: %s. Returning to chat.", run.RunID, msg),
		Metadata:  map[string]any{"run_id": runID, "kind": "council_error"},
		CreatedAt: t,
	}
	if err := s.store.CloseRun(ctx, *run, &notice); err != nil {
		if errors.Is(err, storage.ErrRunClosed) {
			// Closed elsewhere, usually a manual return to chat. The session
			// may already hold a newer run, which must not be touched.
			s.logger.Info("council: run closed while executing", "run_id", run.RunID, "error", msg)
			return
		}
		s.logger.Warn("council: close failed run", "run_id", run.RunID, "error", err)
		s.forceChat(ctx, run, msg)
	}
	s.metrics.finished(ctx, string(run.Status))
	s.mirror(ctx, model.EventCouncilFailed, "system", model.ActorSystem, run.SessionID, map[string]any{
		"run_id": run.RunID,
		"error":  msg,
	})
	s.notifyRun(ctx, *run)
}

// forceChat returns the session to chat when run is still its open run.
func (s *Service) forceChat(ctx context.Context, run *model.Run, reason string) {
	active, err := s.store.ActiveRun(ctx, run.SessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("council: load active run", "session_id", run.SessionID, "error", err)
		}
		return
	}
	if active.RunID != run.RunID {
		s.logger.Info("council: session moved on, not forcing chat", "run_id", run.RunID, "active_run_id", active.RunID)
		return
	}
	if _, err := s.store.ReturnToChat(ctx, run.SessionID, reason, nil); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("council: force return to chat", "session_id", run.SessionID, "error", err)
	}
}

// ReturnToChatInput identifies a manual return from council mode.
type ReturnToChatInput struct {
	SessionID uuid.UUID
	Message   *string
	UserID    string
}

// ReturnToChat switches the session back to chat mode, closing any open run.
// Calling it on a session already in chat mode is a no-op.
func (s *Service) ReturnToChat(ctx context.Context, in ReturnToChatInput) (model.Session, error) {
	text := "Returned to chat."
	if in.Message != nil && *in.Message != "" {
		text = *in.Message
	}
	notice := &model.Message{
		ID:        uuid.New(),
		SessionID: in.SessionID,
		Role:      model.RoleSystem,
		Status:    model.MessageDone,
		Text:      text,
		Metadata:  map[string]any{"kind": "return_to_chat"},
		CreatedAt: now(),
	}
	changed, err := s.store.ReturnToChat(ctx, in.SessionID, "returned to chat before completion", notice)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Session{}, ErrSessionNotFound
		}
		return model.Session{}, fmt.Errorf("council: return to chat: %w", err)
	}
	if changed {
		actorID, actorType := actorFor(in.UserID)
		s.mirror(ctx, model.EventReturnedToChat, actorID, actorType, in.SessionID, map[string]any{"message": text})
		s.notifyRun(ctx, model.Run{SessionID: in.SessionID, Status: model.RunStatusError})
	}
	return s.getSession(ctx, in.SessionID)
}

type runNotice struct {
	RunID     string          `json:"run_id,omitempty"`
	SessionID string          `json:"session_id"`
	Status    model.RunStatus `json:"status"`
	Phase     model.Phase     `json:"phase,omitempty"`
}

// RunsChannel is the notification channel for run progress.
const RunsChannel = storage.ChannelRuns

// notifyRun publishes run progress. Best-effort.
func (s *Service) notifyRun(ctx context.Context, run model.Run) {
	if s.notifier == nil {
		return
	}
	b, err := json.Marshal(runNotice{RunID: run.RunID, SessionID: run.SessionID.String(), Status: run.Status, Phase: run.Phase})
	if err != nil {
		return
	}
	if err := s.notifier.Notify(ctx, RunsChannel, string(b)); err != nil {
		s.logger.Debug("council: notify run", "run_id", run.RunID, "error", err)
	}
}
