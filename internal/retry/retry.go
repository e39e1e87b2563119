// Package retry bounds calls to slow or unreliable collaborators.
//
// A Policy makes a fixed number of attempts with a linear backoff between them
// and hands the final error back to the caller, which decides how to degrade.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/ashita-ai/kaigi/internal/model"
)

// Defaults applied by Policy.normalize.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 400 * time.Millisecond
)

// Policy configures Do.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	// Backoff is multiplied by the attempt number to get the sleep before the next attempt.
	Backoff time.Duration
	// OnRetry, if set, is called after each failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy returns a policy with DefaultAttempts and DefaultBackoff.
func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Backoff: DefaultBackoff}
}

func (p Policy) normalize() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Delay returns the sleep after the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.normalize().Backoff * time.Duration(attempt)
}

// MaxBlocking is the worst-case time spent in Do when each call is bounded by callTimeout.
func (p Policy) MaxBlocking(callTimeout time.Duration) time.Duration {
	p = p.normalize()
	total := time.Duration(p.Attempts) * callTimeout
	for a := 1; a < p.Attempts; a++ {
		total += p.Delay(a)
	}
	return total
}

// Do calls fn until it succeeds or the policy's attempts are used up, and
// returns the last error. A cancelled ctx stops retrying immediately.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	p = p.normalize()
	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		var v T
		v, err = fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if attempt == p.Attempts {
			break
		}
		if ctx.Err() != nil {
			return zero, errors.Join(err, ctx.Err())
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return zero, errors.Join(err, ctx.Err())
		case <-time.After(p.Delay(attempt)):
		}
	}
	return zero, err
}

type timeouter interface {
	Timeout() bool
}

// Classify maps an exhausted error onto the skip status recorded for it.
func Classify(err error) model.SkipStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.SkipTimeout
	}
	var t timeouter
	if errors.As(err, &t) && t.Timeout() {
		return model.SkipTimeout
	}
	return model.SkipError
}
