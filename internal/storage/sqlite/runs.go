package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/storage"
)

const runColumns = `id, session_id, run_id, status, phase, query, context, positions, debate_rounds, synthesis,
	veto, veto_reason, started_at, completed_at, error, created_by, created_at, updated_at`

type runText struct {
	context, positions, rounds string
	synthesis                  any
}

func encodeRun(run model.Run) (runText, error) {
	var (
		enc runText
		err error
	)
	if enc.context, err = marshalText(run.Context); err != nil {
		return enc, fmt.Errorf("sqlite: marshal run context: %w", err)
	}
	positions := run.Positions
	if positions == nil {
		positions = []model.Position{}
	}
	if enc.positions, err = marshalText(positions); err != nil {
		return enc, fmt.Errorf("sqlite: marshal positions: %w", err)
	}
	rounds := run.DebateRounds
	if rounds == nil {
		rounds = []model.DebateRound{}
	}
	if enc.rounds, err = marshalText(rounds); err != nil {
		return enc, fmt.Errorf("sqlite: marshal debate rounds: %w", err)
	}
	if run.Synthesis != nil {
		if enc.synthesis, err = marshalText(run.Synthesis); err != nil {
			return enc, fmt.Errorf("sqlite: marshal synthesis: %w", err)
		}
	}
	return enc, nil
}

// Escalate opens a council run, flips the session to council mode and appends
// the escalation notice in one transaction.
func (s *Store) Escalate(ctx context.Context, run model.Run, notice model.Message) error {
	enc, err := encodeRun(run)
	if err != nil {
		return err
	}
	sessCtx, err := marshalText(map[string]any{"run_id": run.RunID, "query": run.Query, "context": run.Context})
	if err != nil {
		return fmt.Errorf("sqlite: marshal session context: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET mode = 'council', context = ?, updated_at = ? WHERE id = ? AND mode = 'chat'`,
			sessCtx, formatTime(run.CreatedAt), run.SessionID.String())
		if err != nil {
			return fmt.Errorf("sqlite: set council mode: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, run.SessionID.String()).Scan(&one)
			if noRows(err) {
				return notFound("session", run.SessionID)
			}
			if err != nil {
				return fmt.Errorf("sqlite: check session: %w", err)
			}
			return fmt.Errorf("sqlite: session %s already in council mode: %w", run.SessionID, storage.ErrConflict)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO council_runs (id, session_id, run_id, status, phase, query, context, positions, debate_rounds,
			     synthesis, veto, veto_reason, started_at, completed_at, error, created_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID.String(), run.SessionID.String(), run.RunID, string(run.Status), string(run.Phase), run.Query,
			enc.context, enc.positions, enc.rounds, enc.synthesis, run.Veto, nullString(run.VetoReason),
			formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt), nullString(run.Error), run.CreatedBy,
			formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("sqlite: open run exists for session %s: %w", run.SessionID, storage.ErrConflict)
			}
			return fmt.Errorf("sqlite: insert run: %w", err)
		}
		return insertMessage(ctx, tx, notice)
	})
}

// GetRun retrieves a run by its run id token.
func (s *Store) GetRun(ctx context.Context, runID string) (model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM council_runs WHERE run_id = ?`, runID))
	if err != nil {
		if noRows(err) {
			return model.Run{}, notFound("run", runID)
		}
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return r, nil
}

// ActiveRun returns the session's non-terminal run, if any.
func (s *Store) ActiveRun(ctx context.Context, sessionID uuid.UUID) (model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM council_runs WHERE session_id = ? AND status IN ('pending', 'running')`,
		sessionID.String()))
	if err != nil {
		if noRows(err) {
			return model.Run{}, notFound("active run for session", sessionID)
		}
		return model.Run{}, fmt.Errorf("sqlite: get active run: %w", err)
	}
	return r, nil
}

// ListRuns returns a session's runs newest first.
func (s *Store) ListRuns(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM council_runs WHERE session_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		sessionID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRun writes every mutable field of an open run in a single statement.
func (s *Store) UpdateRun(ctx context.Context, run model.Run) error {
	return updateRun(ctx, s.db, run)
}

// CloseRun writes a terminal run, returns its session to chat mode and
// appends notice, atomically.
func (s *Store) CloseRun(ctx context.Context, run model.Run, notice *model.Message) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("sqlite: close run %s with status %s", run.RunID, run.Status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateRun(ctx, tx, run); err != nil {
			return err
		}
		if err := setChatMode(ctx, tx, run.SessionID, formatTime(run.UpdatedAt)); err != nil {
			return err
		}
		if notice != nil {
			return insertMessage(ctx, tx, *notice)
		}
		return nil
	})
}

func updateRun(ctx context.Context, q execer, run model.Run) error {
	enc, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE council_runs SET status = ?, phase = ?, positions = ?, debate_rounds = ?, synthesis = ?,
		     veto = ?, veto_reason = ?, started_at = ?, completed_at = ?, error = ?, updated_at = ?
		 WHERE run_id = ? AND status IN ('pending', 'running')`,
		string(run.Status), string(run.Phase), enc.positions, enc.rounds, enc.synthesis,
		run.Veto, nullString(run.VetoReason), formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt),
		nullString(run.Error), formatTime(run.UpdatedAt), run.RunID)
	if err != nil {
		return fmt.Errorf("sqlite: update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: run %s: %w", run.RunID, storage.ErrRunClosed)
	}
	return nil
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r                            model.Run
		id, sessionID, status, phase string
		ctxText, posText, roundsText string
		synText, vetoReason, errText sql.NullString
		startedAt, completedAt       sql.NullString
		createdAt, updatedAt         string
	)
	if err := row.Scan(&id, &sessionID, &r.RunID, &status, &phase, &r.Query, &ctxText, &posText, &roundsText, &synText,
		&r.Veto, &vetoReason, &startedAt, &completedAt, &errText, &r.CreatedBy, &createdAt, &updatedAt); err != nil {
		return model.Run{}, err
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.Run{}, fmt.Errorf("parse run id: %w", err)
	}
	if r.SessionID, err = uuid.Parse(sessionID); err != nil {
		return model.Run{}, fmt.Errorf("parse session id: %w", err)
	}
	r.Status = model.RunStatus(status)
	r.Phase = model.Phase(phase)
	r.VetoReason = stringPtr(vetoReason)
	r.Error = stringPtr(errText)
	var syn []byte
	if synText.Valid {
		syn = []byte(synText.String)
	}
	if err := storage.DecodeRunJSON(&r, []byte(ctxText), []byte(posText), []byte(roundsText), syn); err != nil {
		return model.Run{}, err
	}
	if r.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return model.Run{}, err
	}
	if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return model.Run{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Run{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Run{}, err
	}
	return r, nil
}
