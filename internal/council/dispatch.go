package council

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning"
	"github.com/ashita-ai/kaigi/internal/retry"
	"github.com/ashita-ai/kaigi/internal/storage"
)

// StepInput asks one agent to respond in chat.
type StepInput struct {
	SessionID uuid.UUID
	Agent     string
	Goal      string
	// Async returns a job handle immediately; the reply arrives by callback.
	Async  bool
	UserID string
}

// StepJob is the handle for an asynchronous step.
type StepJob struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id"`
	MessageID     uuid.UUID `json:"message_id"`
}

// StepResult carries either the stored reply (sync) or the job (async).
type StepResult struct {
	Message *model.Message
	Job     *StepJob
}

// correlationPrefix is the session-derived key shared by every async
// correlation id of the session.
func correlationPrefix(sessionID uuid.UUID) string {
	return sessionID.String() + ":"
}

// Step runs one agent turn against the last messages of the session.
func (s *Service) Step(ctx context.Context, in StepInput) (StepResult, error) {
	if strings.TrimSpace(in.Goal) == "" {
		return StepResult{}, fmt.Errorf("%w: goal is required", ErrInvalidInput)
	}
	sess, err := s.getSession(ctx, in.SessionID)
	if err != nil {
		return StepResult{}, err
	}
	if !sess.HasAgent(in.Agent) {
		return StepResult{}, fmt.Errorf("%w: agent %q is not in session", ErrInvalidInput, in.Agent)
	}
	msgs, err := s.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return StepResult{}, fmt.Errorf("council: list messages: %w", err)
	}
	corr := correlationPrefix(sess.ID) + uuid.NewString()
	req := reasoning.IntentRequest{
		SessionID:     sess.ID.String(),
		Role:          in.Agent,
		Stage:         StageChat,
		Goal:          stepPrompt(in.Agent, in.Goal, s.tail(msgs)),
		CorrelationID: corr,
		UserID:        in.UserID,
	}
	if r, ok := roleByName(in.Agent); ok {
		req.Persona = r.Description
	}
	if in.Async {
		return s.stepAsync(ctx, sess, in.Agent, req)
	}
	return s.stepSync(ctx, sess, in.Agent, req)
}

// tail returns the last TranscriptTail non-bookkeeping messages.
func (s *Service) tail(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Bookkeeping() {
			out = append(out, m)
		}
	}
	if n := s.cfg.TranscriptTail; len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (s *Service) stepSync(ctx context.Context, sess model.Session, agent string, req reasoning.IntentRequest) (StepResult, error) {
	corr := req.CorrelationID
	m := model.Message{
		ID:            uuid.New(),
		SessionID:     sess.ID,
		Role:          model.RoleAgent,
		AgentName:     agent,
		CorrelationID: &corr,
		CreatedAt:     now(),
	}
	d, err := s.callAgent(ctx, req)
	if err != nil {
		status := retry.Classify(err)
		s.logger.Warn("council: step failed", "session_id", sess.ID, "agent", agent, "status", status, "error", err)
		m.Status = model.MessageError
		m.Text = fmt.Sprintf("%s did not respond (%s).", agent, status)
		m.Metadata = map[string]any{"error": err.Error(), "status": string(status)}
	} else {
		m.Status = model.MessageOK
		m.Text = d.Text()
		if d.Reasoning != "" {
			m.Metadata = map[string]any{"reasoning": d.Reasoning}
		}
	}
	m.CreatedAt = now()
	if err := s.appendMessage(ctx, m, agent, model.ActorAgent); err != nil {
		return StepResult{}, err
	}
	if m.Status == model.MessageOK {
		s.broadcastReactions(sess, m)
	}
	return StepResult{Message: &m}, nil
}

func (s *Service) stepAsync(ctx context.Context, sess model.Session, agent string, req reasoning.IntentRequest) (StepResult, error) {
	if s.signer == nil {
		return StepResult{}, fmt.Errorf("%w: async dispatch is not configured", ErrInvalidInput)
	}
	corr := req.CorrelationID
	url, err := s.signer.URL(corr, sess.ID.String())
	if err != nil {
		return StepResult{}, fmt.Errorf("council: sign callback: %w", err)
	}
	pending := model.Message{
		ID:            uuid.New(),
		SessionID:     sess.ID,
		Role:          model.RoleAgent,
		AgentName:     agent,
		CorrelationID: &corr,
		Status:        model.MessagePending,
		Text:          "",
		CreatedAt:     now(),
	}
	if err := s.appendMessage(ctx, pending, agent, model.ActorAgent); err != nil {
		return StepResult{}, err
	}

	p := s.cfg.Retry
	p.OnRetry = func(int, error) { s.metrics.retry(ctx, StageChat) }
	job, err := retry.Do(ctx, p, func(ctx context.Context, _ int) (reasoning.Job, error) {
		return s.reasoner.IntentAsync(ctx, req, url)
	})
	if err != nil {
		text := fmt.Sprintf("%s could not be reached (%s).", agent, retry.Classify(err))
		if _, rerr := s.store.ResolvePendingMessage(ctx, corr, model.MessageError, text, nil); rerr != nil {
			s.logger.Error("council: resolve unsubmitted step", "correlation_id", corr, "error", rerr)
		}
		return StepResult{}, fmt.Errorf("council: submit async step: %w", err)
	}
	if err := s.store.AttachJob(ctx, corr, job.JobID); err != nil {
		s.logger.Warn("council: attach job", "correlation_id", corr, "job_id", job.JobID, "error", err)
	}
	return StepResult{Job: &StepJob{
		JobID:         job.JobID,
		Status:        job.Status,
		CorrelationID: corr,
		MessageID:     pending.ID,
	}}, nil
}

// HandleCallback resolves the pending message matching cb.CorrelationID. It
// returns false, without error, when no pending message matches, which makes
// repeated deliveries harmless.
func (s *Service) HandleCallback(ctx context.Context, cb reasoning.Callback) (bool, error) {
	if cb.CorrelationID == "" {
		return false, fmt.Errorf("%w: correlation_id is required", ErrInvalidInput)
	}
	status, text := model.MessageOK, cb.Text()
	if cb.Failed() {
		status, text = model.MessageError, "Agent error: "+cb.Error
	}
	var jobID *string
	if cb.JobID != "" {
		jobID = &cb.JobID
	}
	resolved, err := s.store.ResolvePendingMessage(ctx, cb.CorrelationID, status, text, jobID)
	if err != nil {
		return false, fmt.Errorf("council: resolve callback: %w", err)
	}
	if !resolved {
		s.logger.Debug("council: callback ignored", "correlation_id", cb.CorrelationID)
		return false, nil
	}
	m, err := s.store.GetMessageByCorrelation(ctx, cb.CorrelationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return true, fmt.Errorf("council: load resolved message: %w", err)
	}
	s.mirror(ctx, model.EventMessageResolved, m.AgentName, model.ActorAgent, m.SessionID, map[string]any{
		"message_id":     m.ID.String(),
		"correlation_id": cb.CorrelationID,
		"job_id":         cb.JobID,
		"status":         string(status),
	})
	if status == model.MessageOK {
		if sess, err := s.store.GetSession(ctx, m.SessionID); err == nil {
			s.broadcastReactions(sess, m)
		}
	}
	return true, nil
}
