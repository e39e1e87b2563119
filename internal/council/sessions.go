package council

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning"
	"github.com/ashita-ai/kaigi/internal/storage"
)

// CreateSessionInput holds the fields for a new session.
type CreateSessionInput struct {
	Title       string
	Description string
	Agents      []string
	UserID      string
}

// CreateSession creates a session in chat mode.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (model.Session, error) {
	agents := trimAll(in.Agents)
	if err := model.ValidateAgents(agents); err != nil {
		return model.Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := model.ValidateSessionFields(in.Title, in.Description); err != nil {
		return model.Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	t := now()
	sess := model.Session{
		ID:          uuid.New(),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Agents:      agents,
		Mode:        model.ModeChat,
		CreatedBy:   in.UserID,
		CreatedAt:   t,
		UpdatedAt:   t,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return model.Session{}, fmt.Errorf("council: create session: %w", err)
	}
	actorID, actorType := actorFor(in.UserID)
	s.mirror(ctx, model.EventSessionCreated, actorID, actorType, sess.ID, map[string]any{
		"title":  sess.Title,
		"agents": sess.Agents,
	})
	return sess, nil
}

// ListSessions returns sessions newest first.
func (s *Service) ListSessions(ctx context.Context, limit, offset int) ([]model.Session, error) {
	out, err := s.store.ListSessions(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("council: list sessions: %w", err)
	}
	if out == nil {
		out = []model.Session{}
	}
	return out, nil
}

// GetSession returns a session and its full transcript.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (model.SessionDetail, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return model.SessionDetail{}, err
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return model.SessionDetail{}, fmt.Errorf("council: list messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return model.SessionDetail{Session: sess, Messages: msgs}, nil
}

func (s *Service) getSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Session{}, ErrSessionNotFound
		}
		return model.Session{}, fmt.Errorf("council: get session: %w", err)
	}
	return sess, nil
}

// UpdateSessionInput changes session fields. Nil or empty fields are left as is.
type UpdateSessionInput struct {
	Title       *string
	Description *string
	Agents      []string
	UserID      string
}

// UpdateSession edits a session. The participant list is frozen while a
// council run is open.
func (s *Service) UpdateSession(ctx context.Context, id uuid.UUID, in UpdateSessionInput) (model.Session, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	changed := map[string]any{}
	if in.Title != nil {
		sess.Title = strings.TrimSpace(*in.Title)
		changed["title"] = sess.Title
	}
	if in.Description != nil {
		sess.Description = *in.Description
		changed["description"] = true
	}
	if err := model.ValidateSessionFields(sess.Title, sess.Description); err != nil {
		return model.Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Agents != nil {
		if sess.Mode == model.ModeCouncil {
			return model.Session{}, fmt.Errorf("council: agents cannot change during a council run: %w", ErrWrongMode)
		}
		agents := trimAll(in.Agents)
		if err := model.ValidateAgents(agents); err != nil {
			return model.Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		sess.Agents = agents
		changed["agents"] = agents
	}
	sess.UpdatedAt = now()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Session{}, ErrSessionNotFound
		}
		return model.Session{}, fmt.Errorf("council: update session: %w", err)
	}
	actorID, actorType := actorFor(in.UserID)
	s.mirror(ctx, model.EventSessionUpdated, actorID, actorType, sess.ID, changed)
	return sess, nil
}

// DeleteSession removes a session with its messages and runs, and asks the
// backend to cancel outstanding jobs for it. Cancellation is advisory.
func (s *Service) DeleteSession(ctx context.Context, id uuid.UUID, userID string) error {
	if err := s.store.DeleteSession(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("council: delete session: %w", err)
	}
	if c, ok := s.reasoner.(reasoning.Canceller); ok {
		if err := c.CancelJobs(ctx, correlationPrefix(id)); err != nil {
			s.logger.Debug("council: cancel jobs", "session_id", id, "error", err)
		}
	}
	actorID, actorType := actorFor(userID)
	s.mirror(ctx, model.EventSessionDeleted, actorID, actorType, id, nil)
	return nil
}

// AppendAgentInput is a message written directly on behalf of an agent.
type AppendAgentInput struct {
	SessionID uuid.UUID
	Agent     string
	Text      string
	UserID    string
}

// AppendAgent appends an agent message. Other agents may react to it.
func (s *Service) AppendAgent(ctx context.Context, in AppendAgentInput) (model.Message, error) {
	if err := model.ValidateMessageText(in.Text); err != nil {
		return model.Message{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	sess, err := s.getSession(ctx, in.SessionID)
	if err != nil {
		return model.Message{}, err
	}
	if !sess.HasAgent(in.Agent) {
		return model.Message{}, fmt.Errorf("%w: agent %q is not in session", ErrInvalidInput, in.Agent)
	}
	m := model.Message{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Role:      model.RoleAgent,
		AgentName: in.Agent,
		Status:    model.MessageOK,
		Text:      in.Text,
		CreatedAt: now(),
	}
	if err := s.appendMessage(ctx, m, in.Agent, model.ActorAgent); err != nil {
		return model.Message{}, err
	}
	s.broadcastReactions(sess, m)
	return m, nil
}

// AppendUserInput is a user chat message, optionally addressed to one agent.
type AppendUserInput struct {
	SessionID uuid.UUID
	Text      string
	// Agent, when set, gets a step on the message after it is stored.
	Agent  string
	Async  bool
	UserID string
}

// AppendResult is the stored message plus the addressed agent's reply (sync)
// or job handle (async).
type AppendResult struct {
	Message model.Message  `json:"message"`
	Reply   *model.Message `json:"reply,omitempty"`
	Job     *StepJob       `json:"job,omitempty"`
}

// AppendUser appends a user message, lets the other agents react, and
// optionally runs a step for the addressed agent.
func (s *Service) AppendUser(ctx context.Context, in AppendUserInput) (AppendResult, error) {
	if err := model.ValidateMessageText(in.Text); err != nil {
		return AppendResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	sess, err := s.getSession(ctx, in.SessionID)
	if err != nil {
		return AppendResult{}, err
	}
	if in.Agent != "" && !sess.HasAgent(in.Agent) {
		return AppendResult{}, fmt.Errorf("%w: agent %q is not in session", ErrInvalidInput, in.Agent)
	}
	m := model.Message{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Role:      model.RoleUser,
		Status:    model.MessageOK,
		Text:      in.Text,
		CreatedAt: now(),
	}
	actorID, actorType := actorFor(in.UserID)
	if err := s.appendMessage(ctx, m, actorID, actorType); err != nil {
		return AppendResult{}, err
	}
	res := AppendResult{Message: m}

	// The addressed agent answers through its step instead of a reaction.
	s.broadcastReactions(sess, m, in.Agent)

	if in.Agent == "" {
		return res, nil
	}
	out, err := s.Step(ctx, StepInput{
		SessionID: sess.ID,
		Agent:     in.Agent,
		Goal:      in.Text,
		Async:     in.Async,
		UserID:    in.UserID,
	})
	if err != nil {
		return res, err
	}
	res.Reply = out.Message
	res.Job = out.Job
	return res, nil
}

func (s *Service) appendMessage(ctx context.Context, m model.Message, actorID string, actorType model.ActorType) error {
	if err := s.store.InsertMessage(ctx, m); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("council: insert message: %w", err)
	}
	s.mirror(ctx, model.EventMessageAppended, actorID, actorType, m.SessionID, map[string]any{
		"message_id": m.ID.String(),
		"role":       string(m.Role),
		"agent":      m.AgentName,
		"status":     string(m.Status),
	})
	return nil
}

// DeleteTurn removes a user message and everything recorded after it up to
// the next user message. It returns the number of messages removed.
func (s *Service) DeleteTurn(ctx context.Context, sessionID, messageID uuid.UUID) (int64, error) {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return 0, err
	}
	start, err := s.store.GetMessage(ctx, sessionID, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("%w: message %s not found", ErrInvalidInput, messageID)
		}
		return 0, fmt.Errorf("council: get message: %w", err)
	}
	if start.Role != model.RoleUser {
		return 0, fmt.Errorf("%w: a turn starts at a user message", ErrInvalidInput)
	}
	msgs, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("council: list messages: %w", err)
	}
	var until *time.Time
	after := false
	for _, m := range msgs {
		if m.ID == start.ID {
			after = true
			continue
		}
		if after && m.Role == model.RoleUser {
			t := m.CreatedAt
			until = &t
			break
		}
	}
	n, err := s.store.DeleteMessagesBetween(ctx, sessionID, start.CreatedAt, until)
	if err != nil {
		return 0, fmt.Errorf("council: delete turn: %w", err)
	}
	return n, nil
}

// GetRun returns a run by its run id.
func (s *Service) GetRun(ctx context.Context, runID string) (model.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Run{}, ErrRunNotFound
		}
		return model.Run{}, fmt.Errorf("council: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns a session's runs newest first.
func (s *Service) ListRuns(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]model.Run, error) {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("council: list runs: %w", err)
	}
	if runs == nil {
		runs = []model.Run{}
	}
	return runs, nil
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
