package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaigi/internal/model"
)

const sessionColumns = `id, title, description, agents, mode, context, created_by, created_at, updated_at`

// CreateSession inserts a new session.
func (db *DB) CreateSession(ctx context.Context, s model.Session) error {
	ctxJSON, err := marshalNullable(s.Context)
	if err != nil {
		return fmt.Errorf("storage: marshal session context: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO sessions (id, title, description, agents, mode, context, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.Title, s.Description, s.Agents, string(s.Mode), ctxJSON, s.CreatedBy, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Session{}, fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
		}
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions newest first.
func (db *DB) ListSessions(ctx context.Context, limit, offset int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSession writes the editable fields (title, description, agents).
func (db *DB) UpdateSession(ctx context.Context, s model.Session) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sessions SET title = $1, description = $2, agents = $3, updated_at = $4 WHERE id = $5`,
		s.Title, s.Description, s.Agents, s.UpdatedAt, s.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: session %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session. Messages and runs cascade.
func (db *DB) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReturnToChat switches a session back to chat mode. Any run still open for
// the session is closed with status error and the given reason, so the mode
// never disagrees with the run table. Returns false if the session was
// already in chat mode.
func (db *DB) ReturnToChat(ctx context.Context, sessionID uuid.UUID, reason string, notice *model.Message) (bool, error) {
	var changed bool
	err := db.retryConflicts(ctx, "return to chat", func() error {
		changed = false
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin return tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var mode string
		if err := tx.QueryRow(ctx, `SELECT mode FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&mode); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: session %s: %w", sessionID, ErrNotFound)
			}
			return fmt.Errorf("storage: lock session: %w", err)
		}
		if model.SessionMode(mode) == model.ModeChat {
			return tx.Commit(ctx)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE council_runs SET status = 'error', error = $1, completed_at = $2, updated_at = $2
			 WHERE session_id = $3 AND status IN ('pending', 'running')`,
			reason, now, sessionID,
		); err != nil {
			return fmt.Errorf("storage: close open runs: %w", err)
		}
		if err := setChatMode(ctx, tx, sessionID, now); err != nil {
			return err
		}
		if notice != nil {
			if err := insertMessage(ctx, tx, *notice); err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit return tx: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

func setChatMode(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, now time.Time) error {
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET mode = 'chat', context = NULL, updated_at = $1 WHERE id = $2`,
		now, sessionID,
	); err != nil {
		return fmt.Errorf("storage: set chat mode: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (model.Session, error) {
	var (
		s       model.Session
		mode    string
		ctxJSON []byte
	)
	if err := row.Scan(&s.ID, &s.Title, &s.Description, &s.Agents, &mode, &ctxJSON, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return model.Session{}, err
	}
	s.Mode = model.SessionMode(mode)
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &s.Context); err != nil {
			return model.Session{}, fmt.Errorf("decode session context: %w", err)
		}
	}
	return s, nil
}

// marshalNullable encodes v as JSON, or returns nil for a nil map so the
// column stays NULL.
func marshalNullable(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
