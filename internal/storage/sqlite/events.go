package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/kaigi/internal/model"
)

// InsertEvents writes a batch of secondary-log events in one transaction.
func (s *Store) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO events (type, actor_id, actor_type, payload, session_ref, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("sqlite: prepare event insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, e := range events {
			payload := e.Payload
			if payload == nil {
				payload = map[string]any{}
			}
			p, err := marshalText(payload)
			if err != nil {
				return fmt.Errorf("sqlite: marshal event payload: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, string(e.Type), e.ActorID, string(e.ActorType), p, e.SessionRef, formatTime(e.OccurredAt)); err != nil {
				return fmt.Errorf("sqlite: insert event: %w", err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ListEvents returns the events recorded for a session reference, oldest first.
func (s *Store) ListEvents(ctx context.Context, sessionRef string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, actor_id, actor_type, payload, session_ref, occurred_at
		 FROM events WHERE session_ref = ? ORDER BY occurred_at, id LIMIT ?`, sessionRef, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Event
	for rows.Next() {
		var (
			e                                 model.Event
			typ, actorType, payload, occurred string
		)
		if err := rows.Scan(&e.ID, &typ, &e.ActorID, &actorType, &payload, &e.SessionRef, &occurred); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		e.Type = model.EventType(typ)
		e.ActorType = model.ActorType(actorType)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("sqlite: decode event payload: %w", err)
		}
		if e.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeEventsBefore deletes event log entries older than cutoff.
func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE occurred_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
