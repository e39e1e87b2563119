package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaigi/internal/model"
)

// InsertEvents writes secondary-log events using the COPY protocol.
func (db *DB) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"type", "actor_id", "actor_type", "payload", "session_ref", "occurred_at"}

	rows := make([][]any, len(events))
	for i, e := range events {
		payload := e.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		rows[i] = []any{
			string(e.Type),
			e.ActorID,
			string(e.ActorType),
			payload,
			e.SessionRef,
			e.OccurredAt,
		}
	}

	// A hung Postgres must not block the buffer flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"events"},
		columns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}
	return copyCount, nil
}

// ListEvents returns the events recorded for a session reference, oldest first.
func (db *DB) ListEvents(ctx context.Context, sessionRef string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, type, actor_id, actor_type, payload, session_ref, occurred_at
		 FROM events WHERE session_ref = $1 ORDER BY occurred_at, id LIMIT $2`,
		sessionRef, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			e              model.Event
			typ, actorType string
		)
		if err := rows.Scan(&e.ID, &typ, &e.ActorID, &actorType, &e.Payload, &e.SessionRef, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Type = model.EventType(typ)
		e.ActorType = model.ActorType(actorType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeEventsBefore deletes event log entries older than cutoff.
func (db *DB) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}
