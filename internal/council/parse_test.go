package council

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning"
)

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]any
	}{
		{"bare", `{"a":1}`, map[string]any{"a": float64(1)}},
		{"fenced", "Here:\n```json\n{\"a\":\"x\"}\n```\nthanks", map[string]any{"a": "x"}},
		{"embedded", `My view: {"recommendation":"go"} end.`, map[string]any{"recommendation": "go"}},
		{"none", "just words", nil},
		{"empty", "   ", nil},
		{"array", `[1,2]`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractObject(tt.in)
			if tt.want == nil {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePosition(t *testing.T) {
	p := parsePosition("A", reasoning.Decision{Finish: true, FinalText: "I think we wait."})
	assert.Equal(t, map[string]any{"response": "I think we wait."}, p.Fields)

	p = parsePosition("A", reasoning.Decision{Finish: true, FinalText: `{"agent":"spoofed","recommendation":"go","confidence":0.9}`})
	assert.Equal(t, "A", p.Agent)
	assert.Equal(t, "go", p.Fields["recommendation"])
	assert.NotContains(t, p.Fields, "agent")

	p = parsePosition("A", reasoning.Decision{ToolName: "submit_position", ToolArgs: map[string]any{"recommendation": "go"}})
	assert.Equal(t, "go", p.Fields["recommendation"])
	assert.Equal(t, "submit_position", p.Fields["tool"])
}

func TestParseSynthesis(t *testing.T) {
	syn := parseSynthesis(reasoning.Decision{Finish: true, FinalText: `{
		"key_insights": {"A": "fast", "B": "risky"},
		"conflict_resolutions": ["ship behind a flag"],
		"final_recommendation": "Ship behind a flag",
		"confidence": "80%",
		"next_steps": ["add flag", "monitor"]
	}`})
	assert.Equal(t, map[string]string{"A": "fast", "B": "risky"}, syn.KeyInsights)
	assert.Equal(t, []string{"ship behind a flag"}, syn.ConflictResolutions)
	assert.Equal(t, "Ship behind a flag", syn.FinalRecommendation)
	assert.InDelta(t, 0.8, syn.Confidence, 1e-9)
	assert.Equal(t, []string{"add flag", "monitor"}, syn.NextSteps)
	assert.NotNil(t, syn.Raw)

	syn = parseSynthesis(reasoning.Decision{Finish: true, FinalText: "Just do it."})
	assert.Equal(t, "Just do it.", syn.FinalRecommendation)
	assert.InDelta(t, 0.5, syn.Confidence, 1e-9)

	syn = parseSynthesis(reasoning.Decision{Finish: true, FinalText: `{"confidence": 7}`})
	assert.Equal(t, `{"confidence": 7}`, syn.FinalRecommendation)
	assert.InDelta(t, 0.07, syn.Confidence, 1e-9)
}

func TestKeywordDetector(t *testing.T) {
	d := DefaultDetector()
	item := func(agent, text string) model.DebateItem { return model.DebateItem{Agent: agent, Text: text} }

	assert.True(t, d.Consensus([]model.DebateItem{item("A", "No Disagreements."), item("B", "I AGREE")}))
	assert.False(t, d.Consensus([]model.DebateItem{item("A", "I agree"), item("B", "I object")}))
	assert.False(t, d.Consensus([]model.DebateItem{item("A", "I agree"), item("B", "")}))
	assert.False(t, d.Consensus([]model.DebateItem{item("A", "I agree"), model.SkippedItem("B", model.SkipTimeout, "slow")}))
	assert.False(t, d.Consensus(nil))

	custom := KeywordDetector{Markers: []string{"lgtm"}}
	assert.True(t, custom.Consensus([]model.DebateItem{item("A", "LGTM"), item("B", "lgtm!")}))
	assert.False(t, custom.Consensus([]model.DebateItem{item("A", "I agree")}))

	var fn ConsensusDetector = DetectorFunc(func([]model.DebateItem) bool { return true })
	assert.True(t, fn.Consensus(nil))
}

type nopStore struct{ Store }

func (nopStore) UpdateRun(context.Context, model.Run) error { return nil }

func TestAdvancePhase_Monotonic(t *testing.T) {
	s := New(Deps{Store: nopStore{}})
	run := &model.Run{RunID: "r", Phase: model.PhaseInit}
	ctx := context.Background()

	require.NoError(t, s.advancePhase(ctx, run, model.PhasePositions))
	require.NoError(t, s.advancePhase(ctx, run, model.PhasePositions), "re-entering the current phase is allowed")
	require.NoError(t, s.advancePhase(ctx, run, model.PhaseSynthesis))
	require.ErrorIs(t, s.advancePhase(ctx, run, model.PhaseDebate), ErrPhaseRegression)
	require.ErrorIs(t, s.advancePhase(ctx, run, model.Phase("bogus")), ErrInvalidInput)
	assert.Equal(t, model.PhaseSynthesis, run.Phase)
}

func TestDebateRoundsCap(t *testing.T) {
	assert.Equal(t, 2, Config{}.debateRounds())
	assert.Equal(t, 1, Config{MaxDebateRounds: 1}.debateRounds())
	assert.Equal(t, 3, Config{MaxDebateRounds: 9}.debateRounds())
}

func TestRoleFor(t *testing.T) {
	assert.Equal(t, "safety", roleFor("Safety", 0).Name)
	assert.Equal(t, "strategist", roleFor("alice", 0).Name)
	assert.Equal(t, "critic", roleFor("bob", 1).Name)
	assert.Equal(t, "strategist", roleFor("moderator", 3).Name, "moderator is reserved for synthesis")
}

func TestFallbackSynthesis(t *testing.T) {
	run := model.Run{
		Query: "Launch?",
		Positions: []model.Position{
			{Agent: "A", Fields: map[string]any{"recommendation": "launch"}},
			model.SkippedPosition("B", model.SkipError, "down"),
		},
	}
	syn := fallbackSynthesis(run, unreachableNote)
	assert.True(t, syn.Fallback)
	assert.Equal(t, unreachableNote, syn.Note)
	assert.Equal(t, map[string]string{"A": "launch"}, syn.KeyInsights)
	assert.Contains(t, syn.FinalRecommendation, "Launch?")
	assert.InDelta(t, 0.15, syn.Confidence, 1e-9)
	assert.Equal(t, []string{"B"}, skippedAgents(run))

	empty := fallbackSynthesis(model.Run{Query: "Q"}, emptyAnswerNote)
	assert.NotEmpty(t, empty.FinalRecommendation)
	assert.Zero(t, empty.Confidence)
	assert.Equal(t, emptyAnswerNote, empty.Note)
	assert.NotContains(t, empty.Note, "unreachable")
	assert.Equal(t, []string{"Re-run the council; the moderator returned no recommendation."}, empty.NextSteps)
}

func TestScanSentences(t *testing.T) {
	got := scanSentences(nil, "We must ship by May. Budget is fixed! It requires sign-off.\nNothing else", constraintMarkers)
	assert.Equal(t, []string{"We must ship by May.", "It requires sign-off."}, got)

	got = scanSentences(got, "We must ship by May.", constraintMarkers)
	assert.Len(t, got, 2, "duplicates are skipped")
}
