package council

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning"
)

// broadcastReactions offers every other agent a chance to comment on trigger.
// Each reaction is a separate pool task; none is awaited, and all failures
// are dropped. Reactions are not themselves reacted to.
func (s *Service) broadcastReactions(sess model.Session, trigger model.Message, exclude ...string) {
	if !s.cfg.ReactionsEnabled || s.pool == nil || sess.Mode != model.ModeChat {
		return
	}
	if _, isReaction := trigger.Metadata["reaction_to"]; isReaction {
		return
	}
	for _, agent := range sess.Agents {
		if agent == trigger.AgentName || contains(exclude, agent) {
			continue
		}
		if !s.pool.Submit("reaction:"+agent, func(ctx context.Context) error {
			s.react(ctx, sess, agent, trigger)
			return nil
		}) {
			s.logger.Debug("council: reaction dropped, pool full", "session_id", sess.ID, "agent", agent)
		}
	}
}

// react makes a single, unretried call and appends the reply unless the agent passed.
func (s *Service) react(ctx context.Context, sess model.Session, agent string, trigger model.Message) {
	if s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}
	d, err := s.reasoner.Intent(ctx, reasoning.IntentRequest{
		SessionID:     sess.ID.String(),
		Role:          agent,
		Stage:         StageReaction,
		Goal:          reactionPrompt(agent, trigger),
		CorrelationID: correlationPrefix(sess.ID) + "reaction:" + uuid.NewString(),
	})
	if err != nil {
		s.logger.Debug("council: reaction failed", "session_id", sess.ID, "agent", agent, "error", err)
		return
	}
	text := strings.TrimSpace(d.Text())
	if isPass(text) {
		return
	}
	m := model.Message{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Role:      model.RoleAgent,
		AgentName: agent,
		Status:    model.MessageOK,
		Text:      text,
		Metadata:  map[string]any{"reaction_to": trigger.ID.String()},
		CreatedAt: now(),
	}
	if err := s.appendMessage(ctx, m, agent, model.ActorAgent); err != nil {
		s.logger.Debug("council: store reaction", "session_id", sess.ID, "agent", agent, "error", err)
	}
}

func isPass(text string) bool {
	t := strings.ToLower(strings.Trim(strings.TrimSpace(text), ".!\"'"))
	return t == "" || t == "pass" || t == "no comment"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
