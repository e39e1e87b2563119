// Package reasoning is the client side of the external reasoning backend: an
// opaque RPC service that turns an intent into a structured decision.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrTimeout is returned when a call exceeds its budget.
var ErrTimeout = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string { return "reasoning: timeout" }
func (timeoutError) Timeout() bool { return true }

// Client is the contract the council engine depends on.
type Client interface {
	// Intent blocks until the backend returns a decision.
	Intent(ctx context.Context, req IntentRequest) (Decision, error)
	// IntentAsync submits req and returns immediately. The backend later
	// POSTs a Callback to callbackURL.
	IntentAsync(ctx context.Context, req IntentRequest, callbackURL string) (Job, error)
}

// Canceller is implemented by clients that can abandon outstanding async
// jobs. Cancellation is advisory: callbacks may still arrive.
type Canceller interface {
	// CancelJobs asks the backend to drop jobs whose correlation id starts with prefix.
	CancelJobs(ctx context.Context, prefix string) error
}

// IntentRequest is one prompt-like payload for a single agent.
type IntentRequest struct {
	SessionID     string   `json:"session_id"`
	Role          string   `json:"role"`
	Stage         string   `json:"stage,omitempty"`
	Persona       string   `json:"persona,omitempty"`
	Goal          string   `json:"goal"`
	CorrelationID string   `json:"correlation_id"`
	AllowedTools  []string `json:"allowed_tools,omitempty"`
	UserID        string   `json:"user_id,omitempty"`
}

// Decision is the backend's answer: either a finish with text or a tool call.
type Decision struct {
	Finish    bool           `json:"finish"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	FinalText string         `json:"final_text,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Trace     []any          `json:"trace,omitempty"`
}

// Text returns the user-visible rendering of d.
func (d Decision) Text() string {
	if d.Finish || d.ToolName == "" {
		return d.FinalText
	}
	if len(d.ToolArgs) == 0 {
		return fmt.Sprintf("[%s]", d.ToolName)
	}
	keys := make([]string, 0, len(d.ToolArgs))
	for k := range d.ToolArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", d.ToolName)
	for _, k := range keys {
		v, err := json.Marshal(d.ToolArgs[k])
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	return b.String()
}

// Job is the handle returned by IntentAsync.
type Job struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Callback is the out-of-band completion of an async job.
type Callback struct {
	CorrelationID string `json:"correlation_id"`
	JobID         string `json:"job_id"`
	Decision
	Error string `json:"error,omitempty"`
}

// Failed reports whether the backend reported an error for the job.
func (c Callback) Failed() bool { return c.Error != "" }

// IsTimeout reports whether err represents a call that ran out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
