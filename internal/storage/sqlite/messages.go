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

const messageColumns = `id, session_id, role, agent_name, run_id, correlation_id, job_id, status, text, metadata, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertMessage appends a message to a session transcript.
func (s *Store) InsertMessage(ctx context.Context, m model.Message) error {
	return insertMessage(ctx, s.db, m)
}

func insertMessage(ctx context.Context, q execer, m model.Message) error {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := marshalText(meta)
	if err != nil {
		return fmt.Errorf("sqlite: marshal message metadata: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, agent_name, run_id, correlation_id, job_id, status, text, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.SessionID.String(), string(m.Role), m.AgentName,
		nullString(m.RunID), nullString(m.CorrelationID), nullString(m.JobID),
		string(m.Status), m.Text, metaJSON, formatTime(m.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return notFound("session", m.SessionID)
		}
		return fmt.Errorf("sqlite: insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID within a session.
func (s *Store) GetMessage(ctx context.Context, sessionID, id uuid.UUID) (model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ? AND session_id = ?`, id.String(), sessionID.String()))
	if err != nil {
		if noRows(err) {
			return model.Message{}, notFound("message", id)
		}
		return model.Message{}, fmt.Errorf("sqlite: get message: %w", err)
	}
	return m, nil
}

// GetMessageByCorrelation retrieves the message tied to an async call.
func (s *Store) GetMessageByCorrelation(ctx context.Context, correlationID string) (model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE correlation_id = ?`, correlationID))
	if err != nil {
		if noRows(err) {
			return model.Message{}, notFound("correlation", correlationID)
		}
		return model.Message{}, fmt.Errorf("sqlite: get message by correlation: %w", err)
	}
	return m, nil
}

// ListMessages returns a session transcript in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at, seq`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	return collectMessages(rows)
}

// ListMessagesBetween returns messages with from <= created_at < to. A nil to
// means no upper bound.
func (s *Store) ListMessagesBetween(ctx context.Context, sessionID uuid.UUID, from time.Time, to *time.Time) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE session_id = ? AND created_at >= ? AND (? IS NULL OR created_at < ?)
		 ORDER BY created_at, seq`,
		sessionID.String(), formatTime(from), formatTimePtr(to), formatTimePtr(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages between: %w", err)
	}
	return collectMessages(rows)
}

// DeleteMessagesBetween removes messages with from <= created_at < to.
func (s *Store) DeleteMessagesBetween(ctx context.Context, sessionID uuid.UUID, from time.Time, to *time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND created_at >= ? AND (? IS NULL OR created_at < ?)`,
		sessionID.String(), formatTime(from), formatTimePtr(to), formatTimePtr(to))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete messages between: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AttachJob records the backend job id on a still-pending message.
func (s *Store) AttachJob(ctx context.Context, correlationID, jobID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET job_id = ? WHERE correlation_id = ? AND status = 'pending'`,
		jobID, correlationID); err != nil {
		return fmt.Errorf("sqlite: attach job: %w", err)
	}
	return nil
}

// ResolvePendingMessage overwrites the pending message carrying correlationID.
// It returns false when no pending message matches.
func (s *Store) ResolvePendingMessage(ctx context.Context, correlationID string, status model.MessageStatus, text string, jobID *string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, text = ?, job_id = COALESCE(?, job_id)
		 WHERE correlation_id = ? AND status = 'pending'`,
		string(status), text, nullString(jobID), correlationID)
	if err != nil {
		return false, fmt.Errorf("sqlite: resolve pending message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	defer func() { _ = rows.Close() }()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m                                 model.Message
		id, sessionID, role, status, meta string
		runID, corrID, jobID              sql.NullString
		createdAt                         string
	)
	if err := row.Scan(&id, &sessionID, &role, &m.AgentName, &runID, &corrID, &jobID, &status, &m.Text, &meta, &createdAt); err != nil {
		return model.Message{}, err
	}
	var err error
	if m.ID, err = uuid.Parse(id); err != nil {
		return model.Message{}, fmt.Errorf("parse message id: %w", err)
	}
	if m.SessionID, err = uuid.Parse(sessionID); err != nil {
		return model.Message{}, fmt.Errorf("parse session id: %w", err)
	}
	m.Role = model.MessageRole(role)
	m.Status = model.MessageStatus(status)
	m.RunID = stringPtr(runID)
	m.CorrelationID = stringPtr(corrID)
	m.JobID = stringPtr(jobID)
	if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
		return model.Message{}, fmt.Errorf("decode message metadata: %w", err)
	}
	if len(m.Metadata) == 0 {
		m.Metadata = nil
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Message{}, err
	}
	return m, nil
}
