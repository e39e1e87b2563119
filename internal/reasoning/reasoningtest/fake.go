// Package reasoningtest provides a scriptable reasoning.Client for tests.
package reasoningtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/kaigi/internal/reasoning"
)

// Responder produces the decision for a single request.
type Responder func(ctx context.Context, req reasoning.IntentRequest) (reasoning.Decision, error)

// AsyncCall records one IntentAsync submission.
type AsyncCall struct {
	Request     reasoning.IntentRequest
	CallbackURL string
	Job         reasoning.Job
}

// Fake is a reasoning.Client whose answers come from Respond. A nil Respond
// finishes every request with the text "ok".
type Fake struct {
	Respond Responder
	// AsyncErr, if set, fails every IntentAsync call.
	AsyncErr error

	mu        sync.Mutex
	calls     []reasoning.IntentRequest
	async     []AsyncCall
	cancelled []string
	nextID    atomic.Int64
}

// Intent implements reasoning.Client.
func (f *Fake) Intent(ctx context.Context, req reasoning.IntentRequest) (reasoning.Decision, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	respond := f.Respond
	f.mu.Unlock()
	if respond == nil {
		return reasoning.Decision{Finish: true, FinalText: "ok"}, nil
	}
	return respond(ctx, req)
}

// IntentAsync implements reasoning.Client.
func (f *Fake) IntentAsync(_ context.Context, req reasoning.IntentRequest, callbackURL string) (reasoning.Job, error) {
	if f.AsyncErr != nil {
		return reasoning.Job{}, f.AsyncErr
	}
	job := reasoning.Job{JobID: fmt.Sprintf("job-%d", f.nextID.Add(1)), Status: "queued"}
	f.mu.Lock()
	f.async = append(f.async, AsyncCall{Request: req, CallbackURL: callbackURL, Job: job})
	f.mu.Unlock()
	return job, nil
}

// CancelJobs implements reasoning.Canceller by recording prefix.
func (f *Fake) CancelJobs(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, prefix)
	return nil
}

// Cancelled returns the prefixes passed to CancelJobs.
func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// Calls returns a copy of every synchronous request received so far.
func (f *Fake) Calls() []reasoning.IntentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reasoning.IntentRequest(nil), f.calls...)
}

// CallsFor returns the synchronous requests for one stage.
func (f *Fake) CallsFor(stage string) []reasoning.IntentRequest {
	var out []reasoning.IntentRequest
	for _, c := range f.Calls() {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

// AsyncCalls returns a copy of every async submission received so far.
func (f *Fake) AsyncCalls() []AsyncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AsyncCall(nil), f.async...)
}

// Finish is a Responder that always finishes with text.
func Finish(text string) Responder {
	return func(context.Context, reasoning.IntentRequest) (reasoning.Decision, error) {
		return reasoning.Decision{Finish: true, FinalText: text}, nil
	}
}

// Fail is a Responder that always returns err.
func Fail(err error) Responder {
	return func(context.Context, reasoning.IntentRequest) (reasoning.Decision, error) {
		return reasoning.Decision{}, err
	}
}

// ByStage dispatches on the request stage, then on the agent (Role). The
// "*" key matches any agent. Missing entries fall back to def.
func ByStage(def Responder, table map[string]map[string]Responder) Responder {
	return func(ctx context.Context, req reasoning.IntentRequest) (reasoning.Decision, error) {
		if byAgent, ok := table[req.Stage]; ok {
			if r, ok := byAgent[req.Role]; ok {
				return r(ctx, req)
			}
			if r, ok := byAgent["*"]; ok {
				return r(ctx, req)
			}
		}
		if def == nil {
			return reasoning.Decision{Finish: true, FinalText: "ok"}, nil
		}
		return def(ctx, req)
	}
}
