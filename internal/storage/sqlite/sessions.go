package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaigi/internal/model"
)

const sessionColumns = `id, title, description, agents, mode, context, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	agents, err := marshalText(sess.Agents)
	if err != nil {
		return fmt.Errorf("sqlite: marshal agents: %w", err)
	}
	var sessCtx any
	if sess.Context != nil {
		if sessCtx, err = marshalText(sess.Context); err != nil {
			return fmt.Errorf("sqlite: marshal session context: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, description, agents, mode, context, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID.String(), sess.Title, sess.Description, agents, string(sess.Mode), sessCtx,
		sess.CreatedBy, formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id.String()))
	if err != nil {
		if noRows(err) {
			return model.Session{}, notFound("session", id)
		}
		return model.Session{}, fmt.Errorf("sqlite: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession writes the editable fields (title, description, agents).
func (s *Store) UpdateSession(ctx context.Context, sess model.Session) error {
	agents, err := marshalText(sess.Agents)
	if err != nil {
		return fmt.Errorf("sqlite: marshal agents: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, description = ?, agents = ?, updated_at = ? WHERE id = ?`,
		sess.Title, sess.Description, agents, formatTime(sess.UpdatedAt), sess.ID.String())
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("session", sess.ID)
	}
	return nil
}

// DeleteSession removes a session. Messages and runs cascade.
func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("sqlite: delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("session", id)
	}
	return nil
}

// ReturnToChat switches a session back to chat mode, closing any open run
// with the given reason. Returns false if the session was already in chat mode.
func (s *Store) ReturnToChat(ctx context.Context, sessionID uuid.UUID, reason string, notice *model.Message) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var mode string
		if err := tx.QueryRowContext(ctx, `SELECT mode FROM sessions WHERE id = ?`, sessionID.String()).Scan(&mode); err != nil {
			if noRows(err) {
				return notFound("session", sessionID)
			}
			return fmt.Errorf("sqlite: read session mode: %w", err)
		}
		if model.SessionMode(mode) == model.ModeChat {
			return nil
		}
		now := formatTime(time.Now())
		if _, err := tx.ExecContext(ctx,
			`UPDATE council_runs SET status = 'error', error = ?, completed_at = ?, updated_at = ?
			 WHERE session_id = ? AND status IN ('pending', 'running')`,
			reason, now, now, sessionID.String()); err != nil {
			return fmt.Errorf("sqlite: close open runs: %w", err)
		}
		if err := setChatMode(ctx, tx, sessionID, now); err != nil {
			return err
		}
		if notice != nil {
			if err := insertMessage(ctx, tx, *notice); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	return changed, err
}

func setChatMode(ctx context.Context, tx *sql.Tx, sessionID uuid.UUID, now string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET mode = 'chat', context = NULL, updated_at = ? WHERE id = ?`,
		now, sessionID.String()); err != nil {
		return fmt.Errorf("sqlite: set chat mode: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		sess                 model.Session
		id, agents, mode     string
		sessCtx              sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &sess.Title, &sess.Description, &agents, &mode, &sessCtx, &sess.CreatedBy, &createdAt, &updatedAt); err != nil {
		return model.Session{}, err
	}
	var err error
	if sess.ID, err = uuid.Parse(id); err != nil {
		return model.Session{}, fmt.Errorf("parse session id: %w", err)
	}
	if err := json.Unmarshal([]byte(agents), &sess.Agents); err != nil {
		return model.Session{}, fmt.Errorf("decode agents: %w", err)
	}
	sess.Mode = model.SessionMode(mode)
	if sessCtx.Valid {
		if err := json.Unmarshal([]byte(sessCtx.String), &sess.Context); err != nil {
			return model.Session{}, fmt.Errorf("decode session context: %w", err)
		}
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Session{}, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}
