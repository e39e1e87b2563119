package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkipShapeIsCanonical(t *testing.T) {
	want := `{"agent":"B","skipped":true,"status":"timeout","error":"deadline exceeded"}`

	pos, err := json.Marshal(SkippedPosition("B", SkipTimeout, "deadline exceeded"))
	require.NoError(t, err)
	assert.JSONEq(t, want, string(pos))

	item, err := json.Marshal(SkippedItem("B", SkipTimeout, "deadline exceeded"))
	require.NoError(t, err)
	assert.JSONEq(t, want, string(item), "debate skips have the same shape as position skips")
}

func TestPositionJSON(t *testing.T) {
	p := Position{Agent: "A", Fields: map[string]any{"recommendation": "go", "confidence": 0.7}}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent":"A","recommendation":"go","confidence":0.7}`, string(b))

	var back Position
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, p, back)

	var skipped Position
	require.NoError(t, json.Unmarshal([]byte(`{"agent":"C","skipped":true,"status":"error","error":"boom"}`), &skipped))
	require.True(t, skipped.IsSkipped())
	assert.Equal(t, SkipError, skipped.Skipped.Status)
	assert.Nil(t, skipped.Fields)
}

func TestPositionSummaryAndVeto(t *testing.T) {
	p := Position{Agent: "A", Fields: map[string]any{"position": "hold", "response": "ignored"}}
	assert.Equal(t, "hold", p.Summary())
	assert.Equal(t, "(skipped: timeout)", SkippedPosition("A", SkipTimeout, "").Summary())
	assert.JSONEq(t, `{"risk":"high"}`, Position{Fields: map[string]any{"risk": "high"}}.Summary())

	vetoed, reason := Position{Fields: map[string]any{"veto": "yes", "veto_reason": "unsafe"}}.Veto()
	assert.True(t, vetoed)
	assert.Equal(t, "unsafe", reason)

	vetoed, _ = Position{Fields: map[string]any{"veto": false}}.Veto()
	assert.False(t, vetoed)
	vetoed, _ = SkippedPosition("A", SkipError, "").Veto()
	assert.False(t, vetoed)
}

func TestDebateItemJSON(t *testing.T) {
	in := DebateItem{Agent: "A", Text: "no disagreements", Veto: true, VetoReason: "legal"}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	var out DebateItem
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestPhaseOrder(t *testing.T) {
	order := []Phase{PhaseInit, PhasePositions, PhaseDebate, PhaseSynthesis, PhaseComplete}
	for i := 1; i < len(order); i++ {
		assert.True(t, order[i-1].Before(order[i]))
		assert.False(t, order[i].Before(order[i-1]))
	}
	assert.False(t, Phase("later").Valid())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusError.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
}

func TestValidateAgents(t *testing.T) {
	assert.NoError(t, ValidateAgents([]string{"A", "B"}))
	assert.Error(t, ValidateAgents(nil))
	assert.Error(t, ValidateAgents([]string{"A", "A"}))
	assert.Error(t, ValidateAgents([]string{""}))
}

func TestMessageBookkeeping(t *testing.T) {
	assert.True(t, Message{Role: RoleSystem, Status: MessageDone}.Bookkeeping())
	assert.True(t, Message{Role: RoleAgent, Status: MessagePending}.Bookkeeping())
	assert.False(t, Message{Role: RoleUser, Status: MessageOK}.Bookkeeping())
}
