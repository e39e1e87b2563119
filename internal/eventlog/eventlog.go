// Package eventlog is the best-effort secondary event log. Nothing written
// here is on the critical path: failures are logged and dropped.
package eventlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/kaigi/internal/model"
)

// Sink accepts event log entries.
type Sink interface {
	Append(ctx context.Context, e model.Event) error
}

// Nop discards every event.
type Nop struct{}

// Append implements Sink.
func (Nop) Append(context.Context, model.Event) error { return nil }

// Mirror writes e to sink after the primary write has succeeded. Errors are
// logged and discarded.
func Mirror(ctx context.Context, sink Sink, logger *slog.Logger, e model.Event) {
	if sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.ActorType == "" {
		e.ActorType = model.ActorSystem
	}
	if err := sink.Append(ctx, e); err != nil {
		logger.Debug("eventlog: mirror failed", "type", e.Type, "session_ref", e.SessionRef, "error", err)
	}
}
