package council

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning"
)

// extractObject finds a JSON object embedded in free text: the whole text, a
// fenced block, or the outermost brace pair.
func extractObject(text string) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	if obj, ok := decodeObject(text); ok {
		return obj, true
	}
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			if obj, ok := decodeObject(strings.TrimSpace(rest[:j])); ok {
				return obj, true
			}
		}
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return decodeObject(text[start : end+1])
	}
	return nil, false
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// parsePosition turns a decision into structured position fields. Tool calls
// contribute their arguments; otherwise the text is searched for an embedded
// object and, failing that, kept verbatim under "response".
func parsePosition(agent string, d reasoning.Decision) model.Position {
	if !d.Finish && d.ToolName != "" && len(d.ToolArgs) > 0 {
		fields := make(map[string]any, len(d.ToolArgs)+1)
		for k, v := range d.ToolArgs {
			fields[k] = v
		}
		fields["tool"] = d.ToolName
		return model.Position{Agent: agent, Fields: fields}
	}
	text := d.Text()
	if obj, ok := extractObject(text); ok {
		delete(obj, "agent")
		return model.Position{Agent: agent, Fields: obj}
	}
	return model.Position{Agent: agent, Fields: map[string]any{"response": text}}
}

func parseDebateItem(agent string, d reasoning.Decision) model.DebateItem {
	text := strings.TrimSpace(d.Text())
	item := model.DebateItem{Agent: agent, Text: text}
	if obj, ok := extractObject(text); ok {
		if vetoed, reason := vetoFields(obj); vetoed {
			item.Veto = true
			item.VetoReason = reason
		}
	}
	if !item.Veto && len(d.ToolArgs) > 0 {
		if vetoed, reason := vetoFields(d.ToolArgs); vetoed {
			item.Veto = true
			item.VetoReason = reason
		}
	}
	return item
}

func vetoFields(obj map[string]any) (bool, string) {
	return model.Position{Fields: obj}.Veto()
}

// parseSynthesis reads the moderator's answer. Unstructured text becomes the
// final recommendation.
func parseSynthesis(d reasoning.Decision) model.Synthesis {
	text := strings.TrimSpace(d.Text())
	obj, ok := extractObject(text)
	if !ok && len(d.ToolArgs) > 0 {
		obj, ok = d.ToolArgs, true
	}
	if !ok {
		return model.Synthesis{
			KeyInsights:         map[string]string{},
			ConflictResolutions: []string{},
			FinalRecommendation: text,
			Confidence:          0.5,
			NextSteps:           []string{},
		}
	}
	syn := model.Synthesis{
		KeyInsights:         stringMap(obj["key_insights"]),
		ConflictResolutions: stringList(obj["conflict_resolutions"]),
		FinalRecommendation: firstString(obj, "final_recommendation", "recommendation"),
		Confidence:          clamp01(toFloat(obj["confidence"], 0.5)),
		NextSteps:           stringList(obj["next_steps"]),
		Raw:                 obj,
	}
	if syn.FinalRecommendation == "" {
		syn.FinalRecommendation = text
	}
	return syn
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func stringList(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s := stringify(item); s != "" {
				out = append(out, s)
			}
		}
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			out[k] = stringify(val)
		}
	case []any:
		for i, item := range t {
			if m, ok := item.(map[string]any); ok {
				if agent, ok := m["agent"].(string); ok {
					out[agent] = firstString(m, "insight", "summary", "text")
					continue
				}
			}
			out[strconv.Itoa(i+1)] = stringify(item)
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64, bool, int:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func toFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(t), "%")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return def
		}
		if strings.HasSuffix(strings.TrimSpace(t), "%") {
			f /= 100
		}
		return f
	}
	return def
}

func clamp01(f float64) float64 {
	if f > 1 && f <= 100 {
		f /= 100
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
