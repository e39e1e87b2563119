package council

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/storage"
)

// Bounds on the heuristic parts of a frozen context. The transcript itself is
// never truncated.
const (
	maxSummaryLen   = 600
	maxExtracted    = 8
	maxExtractedLen = 240
)

var (
	constraintMarkers = []string{"must", "require", "constraint"}
	optionMarkers     = []string{"option", "could", "alternative"}
)

// EscalateInput starts a council run.
type EscalateInput struct {
	SessionID uuid.UUID
	// Query overrides the question put to the council. When nil, the first
	// user message in the transcript is used.
	Query  *string
	UserID string
}

// Escalate freezes the session's transcript into a new pending run and
// switches the session to council mode.
func (s *Service) Escalate(ctx context.Context, in EscalateInput) (model.Run, error) {
	sess, err := s.getSession(ctx, in.SessionID)
	if err != nil {
		return model.Run{}, err
	}
	if len(sess.Agents) < 2 {
		return model.Run{}, fmt.Errorf("council: session %s has %d agents: %w", sess.ID, len(sess.Agents), ErrInsufficientAgents)
	}
	if sess.Mode != model.ModeChat {
		return model.Run{}, fmt.Errorf("council: session %s is in %s mode: %w", sess.ID, sess.Mode, ErrWrongMode)
	}
	msgs, err := s.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return model.Run{}, fmt.Errorf("council: list messages: %w", err)
	}
	fc, err := freezeContext(sess, msgs, in.Query)
	if err != nil {
		return model.Run{}, err
	}

	t := now()
	fc.FrozenAt = t
	run := model.Run{
		ID:           uuid.New(),
		SessionID:    sess.ID,
		RunID:        newRunID(s.cfg.RunIDPrefix, sess.ID),
		Status:       model.RunStatusPending,
		Phase:        model.PhaseInit,
		Query:        fc.OriginalQuery,
		Context:      fc,
		Positions:    []model.Position{},
		DebateRounds: []model.DebateRound{},
		CreatedBy:    in.UserID,
		CreatedAt:    t,
		UpdatedAt:    t,
	}
	runID := run.RunID
	notice := model.Message{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Role:      model.RoleSystem,
		RunID:     &runID,
		Status:    model.MessageDone,
		Text:      fmt.Sprintf("Escalated to council (%s) with %s. Question: %s", run.RunID, strings.Join(sess.Agents, ", "), run.Query),
		Metadata:  map[string]any{"run_id": runID, "kind": "escalation"},
		CreatedAt: t,
	}
	if err := s.store.Escalate(ctx, run, notice); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return model.Run{}, ErrSessionNotFound
		case errors.Is(err, storage.ErrConflict):
			return model.Run{}, fmt.Errorf("council: session %s: %w", sess.ID, ErrWrongMode)
		}
		return model.Run{}, fmt.Errorf("council: escalate: %w", err)
	}

	s.logger.Info("council: escalated", "session_id", sess.ID, "run_id", run.RunID, "agents", len(sess.Agents))
	actorID, actorType := actorFor(in.UserID)
	s.mirror(ctx, model.EventCouncilEscalated, actorID, actorType, sess.ID, map[string]any{
		"run_id": run.RunID,
		"query":  run.Query,
	})
	s.notifyRun(ctx, run)
	return run, nil
}

// freezeContext captures everything deliberation needs from the chat.
func freezeContext(sess model.Session, msgs []model.Message, query *string) (model.FrozenContext, error) {
	fc := model.FrozenContext{
		Transcript:  []model.TranscriptEntry{},
		Constraints: []string{},
		Options:     []string{},
		Agents:      append([]string(nil), sess.Agents...),
	}
	var firstUser string
	for _, m := range msgs {
		if m.Bookkeeping() || m.Status == model.MessageError {
			continue
		}
		fc.Transcript = append(fc.Transcript, model.TranscriptEntry{
			Role:      m.Role,
			Agent:     m.AgentName,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		})
		if m.Role == model.RoleUser && firstUser == "" && strings.TrimSpace(m.Text) != "" {
			firstUser = strings.TrimSpace(m.Text)
		}
		fc.Constraints = scanSentences(fc.Constraints, m.Text, constraintMarkers)
		fc.Options = scanSentences(fc.Options, m.Text, optionMarkers)
	}

	switch {
	case query != nil && strings.TrimSpace(*query) != "":
		fc.OriginalQuery = strings.TrimSpace(*query)
	case firstUser != "":
		fc.OriginalQuery = firstUser
	default:
		return fc, fmt.Errorf("council: no query given and no user message to infer one from: %w", ErrInvalidInput)
	}
	fc.Summary = summarize(sess, fc.Transcript)
	return fc, nil
}

// summarize builds a short description of the conversation: its topic, its
// size, and the most recent exchange.
func summarize(sess model.Session, entries []model.TranscriptEntry) string {
	var b strings.Builder
	if sess.Title != "" {
		fmt.Fprintf(&b, "%q: ", sess.Title)
	}
	users, agents := 0, 0
	for _, e := range entries {
		if e.Role == model.RoleUser {
			users++
		} else {
			agents++
		}
	}
	fmt.Fprintf(&b, "%d user and %d agent messages", users, agents)
	if n := len(entries); n > 0 {
		last := entries[n-1]
		speaker := string(last.Role)
		if last.Agent != "" {
			speaker = last.Agent
		}
		fmt.Fprintf(&b, "; last from %s: %s", speaker, clip(last.Text, 200))
	}
	return clip(b.String(), maxSummaryLen)
}

// scanSentences appends sentences of text containing any marker word to dst,
// skipping duplicates, up to maxExtracted entries.
func scanSentences(dst []string, text string, markers []string) []string {
	for _, sentence := range splitSentences(text) {
		if len(dst) >= maxExtracted {
			return dst
		}
		if !containsWord(sentence, markers) {
			continue
		}
		sentence = clip(sentence, maxExtractedLen)
		dup := false
		for _, d := range dst {
			if strings.EqualFold(d, sentence) {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, sentence)
		}
	}
	return dst
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(text[start : i+1]); len(s) > 1 {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// containsWord matches markers as whole words or short inflections
// ("requires", "options").
func containsWord(sentence string, markers []string) bool {
	words := strings.FieldsFunc(strings.ToLower(sentence), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	})
	for _, w := range words {
		for _, m := range markers {
			if w == m || (strings.HasPrefix(w, m) && len(w)-len(m) <= 3) {
				return true
			}
		}
	}
	return false
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func newRunID(prefix string, sessionID uuid.UUID) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s-%s-%s", prefix, sessionID.String()[:8], hex.EncodeToString(buf[:]))
}
