package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/storage"
	"github.com/ashita-ai/kaigi/internal/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "kaigi.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *Store, agents ...string) model.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := model.Session{ID: uuid.New(), Title: "t", Agents: agents, Mode: model.ModeChat, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func msg(sessionID uuid.UUID, role model.MessageRole, text string, at time.Time) model.Message {
	return model.Message{ID: uuid.New(), SessionID: sessionID, Role: role, Status: model.MessageOK, Text: text, CreatedAt: at}
}

func openRun(sess model.Session) model.Run {
	now := time.Now().UTC()
	return model.Run{
		ID: uuid.New(), SessionID: sess.ID, RunID: "council-" + uuid.NewString()[:8],
		Status: model.RunStatusPending, Phase: model.PhaseInit, Query: "q",
		Context:   model.FrozenContext{OriginalQuery: "q", Agents: sess.Agents},
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := seedSession(t, s, "A", "B")

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Agents, got.Agents)
	assert.True(t, sess.CreatedAt.Equal(got.CreatedAt))

	list, err := s.ListSessions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetSession(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := seedSession(t, s, "A", "B")
	require.NoError(t, s.InsertMessage(ctx, msg(sess.ID, model.RoleUser, "hi", time.Now())))
	run := openRun(sess)
	require.NoError(t, s.Escalate(ctx, run, msg(sess.ID, model.RoleSystem, "esc", time.Now())))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err := s.GetRun(ctx, run.RunID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	msgs, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestInsertMessageUnknownSession(t *testing.T) {
	s := openTestStore(t)
	err := s.InsertMessage(context.Background(), msg(uuid.New(), model.RoleUser, "x", time.Now()))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolvePendingOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := seedSession(t, s, "A")

	corr := sess.ID.String() + ":1"
	m := msg(sess.ID, model.RoleAgent, "", time.Now())
	m.Status = model.MessagePending
	m.CorrelationID = &corr
	require.NoError(t, s.InsertMessage(ctx, m))

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ResolvePendingMessage(ctx, corr, model.MessageOK, "done", nil)
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	resolved := 0
	for _, ok := range results {
		if ok {
			resolved++
		}
	}
	assert.Equal(t, 1, resolved)
}

func TestTimeWindowDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := seedSession(t, s, "A")

	base := time.Now().UTC()
	for i, text := range []string{"u1", "a1", "u2"} {
		require.NoError(t, s.InsertMessage(ctx, msg(sess.ID, model.RoleUser, text, base.Add(time.Duration(i)*time.Millisecond))))
	}
	to := base.Add(2 * time.Millisecond)
	n, err := s.DeleteMessagesBetween(ctx, sess.ID, base, &to)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "u2", left[0].Text)
}

func TestEscalateConflictAndClose(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := seedSession(t, s, "A", "B")
	run := openRun(sess)
	require.NoError(t, s.Escalate(ctx, run, msg(sess.ID, model.RoleSystem, "esc", time.Now())))

	err := s.Escalate(ctx, openRun(sess), msg(sess.ID, model.RoleSystem, "esc2", time.Now()))
	assert.ErrorIs(t, err, storage.ErrConflict)

	err = s.Escalate(ctx, openRun(model.Session{ID: uuid.New()}), msg(uuid.New(), model.RoleSystem, "x", time.Now()))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.ActiveRun(ctx, sess.ID)
	require.NoError(t, err)
	now := time.Now().UTC()
	got.Status = model.RunStatusCompleted
	got.Phase = model.PhaseComplete
	got.Positions = []model.Position{model.SkippedPosition("B", model.SkipError, "boom")}
	got.DebateRounds = []model.DebateRound{{Round: 1, Items: []model.DebateItem{{Agent: "A", Text: "agree"}}, Consensus: true}}
	got.Synthesis = &model.Synthesis{FinalRecommendation: "go"}
	got.CompletedAt = &now
	got.UpdatedAt = now
	require.NoError(t, s.CloseRun(ctx, got, nil))

	stored, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, stored.Status)
	require.Len(t, stored.DebateRounds, 1)
	assert.True(t, stored.DebateRounds[0].Consensus)
	assert.True(t, stored.Positions[0].IsSkipped())
	require.NotNil(t, stored.CompletedAt)

	back, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeChat, back.Mode)
	assert.Nil(t, back.Context)

	assert.ErrorIs(t, s.UpdateRun(ctx, stored), storage.ErrRunClosed)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	n, err := s.InsertEvents(ctx, []model.Event{
		{Type: model.EventSessionCreated, ActorType: model.ActorUser, SessionRef: "s1", OccurredAt: time.Now().Add(-2 * time.Hour)},
		{Type: model.EventCouncilEscalated, ActorType: model.ActorSystem, SessionRef: "s1", Payload: map[string]any{"run_id": "r"}, OccurredAt: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.ListEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.EventSessionCreated, got[0].Type)
	assert.Equal(t, "r", got[1].Payload["run_id"])

	purged, err := s.PurgeEventsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
