package council

import (
	"strings"

	"github.com/ashita-ai/kaigi/internal/model"
)

// ConsensusDetector decides whether a debate round ended in agreement.
type ConsensusDetector interface {
	Consensus(items []model.DebateItem) bool
}

// KeywordDetector reports consensus when every participant's text contains
// one of Markers. Skipped participants never agree.
type KeywordDetector struct {
	Markers []string
}

// DefaultDetector matches "agree" and "no disagreements".
func DefaultDetector() KeywordDetector {
	return KeywordDetector{Markers: []string{"agree", "no disagreements"}}
}

// Consensus implements ConsensusDetector.
func (k KeywordDetector) Consensus(items []model.DebateItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if it.IsSkipped() || it.Veto || !k.matches(it.Text) {
			return false
		}
	}
	return true
}

func (k KeywordDetector) matches(text string) bool {
	text = strings.ToLower(text)
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, m := range k.Markers {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// DetectorFunc adapts a function to ConsensusDetector.
type DetectorFunc func(items []model.DebateItem) bool

// Consensus implements ConsensusDetector.
func (f DetectorFunc) Consensus(items []model.DebateItem) bool { return f(items) }
