package kaigi

// DebateItem is one participant's contribution to a debate round.
// No internal package imports; safe to use from outside the module.
type DebateItem struct {
	Agent string
	Text  string
	Veto  bool
}
