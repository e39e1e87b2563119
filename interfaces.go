package kaigi

// ConsensusDetector decides whether a debate round ended in agreement. When
// provided via WithConsensusDetector it replaces the built-in keyword check.
// A round with a skipped or empty response never reaches the detector; it
// is treated as disagreement.
type ConsensusDetector interface {
	Consensus(items []DebateItem) bool
}

// ConsensusFunc adapts a plain function to ConsensusDetector.
type ConsensusFunc func(items []DebateItem) bool

// Consensus implements ConsensusDetector.
func (f ConsensusFunc) Consensus(items []DebateItem) bool { return f(items) }
