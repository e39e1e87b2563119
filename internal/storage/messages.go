package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kaigi/internal/model"
)

const messageColumns = `id, session_id, role, agent_name, run_id, correlation_id, job_id, status, text, metadata, created_at`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertMessage appends a message to a session transcript.
func (db *DB) InsertMessage(ctx context.Context, m model.Message) error {
	return insertMessage(ctx, db.pool, m)
}

func insertMessage(ctx context.Context, q execer, m model.Message) error {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("storage: marshal message metadata: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, agent_name, run_id, correlation_id, job_id, status, text, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.SessionID, string(m.Role), m.AgentName, m.RunID, m.CorrelationID, m.JobID,
		string(m.Status), m.Text, metaJSON, m.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
			return fmt.Errorf("storage: session %s: %w", m.SessionID, ErrNotFound)
		}
		return fmt.Errorf("storage: insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID within a session.
func (db *DB) GetMessage(ctx context.Context, sessionID, id uuid.UUID) (model.Message, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 AND session_id = $2`, id, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, fmt.Errorf("storage: message %s: %w", id, ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("storage: get message: %w", err)
	}
	return m, nil
}

// GetMessageByCorrelation retrieves the message tied to an async call.
func (db *DB) GetMessageByCorrelation(ctx context.Context, correlationID string) (model.Message, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE correlation_id = $1`, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, fmt.Errorf("storage: correlation %s: %w", correlationID, ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("storage: get message by correlation: %w", err)
	}
	return m, nil
}

// ListMessages returns a session transcript in chronological order.
func (db *DB) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = $1 ORDER BY created_at, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListMessagesBetween returns messages with from <= created_at < to. A nil to
// means no upper bound.
func (db *DB) ListMessagesBetween(ctx context.Context, sessionID uuid.UUID, from time.Time, to *time.Time) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE session_id = $1 AND created_at >= $2 AND ($3::timestamptz IS NULL OR created_at < $3)
		 ORDER BY created_at, seq`,
		sessionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages between: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// DeleteMessagesBetween removes messages with from <= created_at < to.
func (db *DB) DeleteMessagesBetween(ctx context.Context, sessionID uuid.UUID, from time.Time, to *time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM messages
		 WHERE session_id = $1 AND created_at >= $2 AND ($3::timestamptz IS NULL OR created_at < $3)`,
		sessionID, from, to)
	if err != nil {
		return 0, fmt.Errorf("storage: delete messages between: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AttachJob records the backend job id on a still-pending message.
func (db *DB) AttachJob(ctx context.Context, correlationID, jobID string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE messages SET job_id = $1 WHERE correlation_id = $2 AND status = 'pending'`,
		jobID, correlationID)
	if err != nil {
		return fmt.Errorf("storage: attach job: %w", err)
	}
	return nil
}

// ResolvePendingMessage overwrites the pending message carrying correlationID
// with its terminal status and text. It returns false, without error, when no
// pending message matches (unknown or already resolved).
func (db *DB) ResolvePendingMessage(ctx context.Context, correlationID string, status model.MessageStatus, text string, jobID *string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE messages SET status = $1, text = $2, job_id = COALESCE($3, job_id)
		 WHERE correlation_id = $4 AND status = 'pending'`,
		string(status), text, jobID, correlationID)
	if err != nil {
		return false, fmt.Errorf("storage: resolve pending message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		m        model.Message
		role     string
		status   string
		metaJSON []byte
	)
	if err := row.Scan(&m.ID, &m.SessionID, &role, &m.AgentName, &m.RunID, &m.CorrelationID, &m.JobID,
		&status, &m.Text, &metaJSON, &m.CreatedAt); err != nil {
		return model.Message{}, err
	}
	m.Role = model.MessageRole(role)
	m.Status = model.MessageStatus(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			return model.Message{}, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	if len(m.Metadata) == 0 {
		m.Metadata = nil
	}
	return m, nil
}
