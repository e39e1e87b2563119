package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kaigi/internal/model"
)

const runColumns = `id, session_id, run_id, status, phase, query, context, positions, debate_rounds, synthesis,
	veto, veto_reason, started_at, completed_at, error, created_by, created_at, updated_at`

// Escalate opens a council run for a session in chat mode: it inserts the run,
// flips the session to council mode with the frozen context, and appends the
// escalation notice, all in one transaction. Returns ErrConflict if the
// session is already in council mode or has an open run.
func (db *DB) Escalate(ctx context.Context, run model.Run, notice model.Message) error {
	runJSON, err := encodeRun(run)
	if err != nil {
		return err
	}
	sessionCtx, err := json.Marshal(map[string]any{"run_id": run.RunID, "query": run.Query, "context": run.Context})
	if err != nil {
		return fmt.Errorf("storage: marshal session context: %w", err)
	}

	return db.retryConflicts(ctx, "escalate", func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin escalate tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`UPDATE sessions SET mode = 'council', context = $1, updated_at = $2 WHERE id = $3 AND mode = 'chat'`,
			sessionCtx, run.CreatedAt, run.SessionID)
		if err != nil {
			return fmt.Errorf("storage: set council mode: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, run.SessionID).Scan(&exists); err != nil {
				return fmt.Errorf("storage: check session: %w", err)
			}
			if !exists {
				return fmt.Errorf("storage: session %s: %w", run.SessionID, ErrNotFound)
			}
			return fmt.Errorf("storage: session %s already in council mode: %w", run.SessionID, ErrConflict)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO council_runs (id, session_id, run_id, status, phase, query, context, positions, debate_rounds,
			     synthesis, veto, veto_reason, started_at, completed_at, error, created_by, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			run.ID, run.SessionID, run.RunID, string(run.Status), string(run.Phase), run.Query,
			runJSON.context, runJSON.positions, runJSON.rounds, runJSON.synthesis,
			run.Veto, run.VetoReason, run.StartedAt, run.CompletedAt, run.Error, run.CreatedBy, run.CreatedAt, run.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("storage: open run exists for session %s: %w", run.SessionID, ErrConflict)
			}
			return fmt.Errorf("storage: insert run: %w", err)
		}

		if err := insertMessage(ctx, tx, notice); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit escalate tx: %w", err)
		}
		return nil
	})
}

// GetRun retrieves a run by its run id token.
func (db *DB) GetRun(ctx context.Context, runID string) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM council_runs WHERE run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ActiveRun returns the session's non-terminal run, if any.
func (db *DB) ActiveRun(ctx context.Context, sessionID uuid.UUID) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM council_runs WHERE session_id = $1 AND status IN ('pending', 'running')`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: active run for %s: %w", sessionID, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get active run: %w", err)
	}
	return r, nil
}

// ListRuns returns a session's runs newest first.
func (db *DB) ListRuns(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM council_runs WHERE session_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRun writes every mutable field of an open run in a single statement.
// Returns ErrRunClosed if the run is already terminal.
func (db *DB) UpdateRun(ctx context.Context, run model.Run) error {
	return updateRun(ctx, db.pool, run)
}

// CloseRun writes a terminal run, returns its session to chat mode and
// appends notice, atomically.
func (db *DB) CloseRun(ctx context.Context, run model.Run, notice *model.Message) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("storage: close run %s with status %s", run.RunID, run.Status)
	}
	return db.retryConflicts(ctx, "close run", func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin close tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := updateRun(ctx, tx, run); err != nil {
			return err
		}
		if err := setChatMode(ctx, tx, run.SessionID, run.UpdatedAt); err != nil {
			return err
		}
		if notice != nil {
			if err := insertMessage(ctx, tx, *notice); err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit close tx: %w", err)
		}
		return nil
	})
}

func updateRun(ctx context.Context, q execer, run model.Run) error {
	enc, err := encodeRun(run)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx,
		`UPDATE council_runs SET status = $1, phase = $2, positions = $3, debate_rounds = $4, synthesis = $5,
		     veto = $6, veto_reason = $7, started_at = $8, completed_at = $9, error = $10, updated_at = $11
		 WHERE run_id = $12 AND status IN ('pending', 'running')`,
		string(run.Status), string(run.Phase), enc.positions, enc.rounds, enc.synthesis,
		run.Veto, run.VetoReason, run.StartedAt, run.CompletedAt, run.Error, run.UpdatedAt, run.RunID,
	)
	if err != nil {
		return fmt.Errorf("storage: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", run.RunID, ErrRunClosed)
	}
	return nil
}

type encodedRun struct {
	context   []byte
	positions []byte
	rounds    []byte
	synthesis []byte
}

func encodeRun(run model.Run) (encodedRun, error) {
	var (
		enc encodedRun
		err error
	)
	if enc.context, err = json.Marshal(run.Context); err != nil {
		return enc, fmt.Errorf("storage: marshal run context: %w", err)
	}
	positions := run.Positions
	if positions == nil {
		positions = []model.Position{}
	}
	if enc.positions, err = json.Marshal(positions); err != nil {
		return enc, fmt.Errorf("storage: marshal positions: %w", err)
	}
	rounds := run.DebateRounds
	if rounds == nil {
		rounds = []model.DebateRound{}
	}
	if enc.rounds, err = json.Marshal(rounds); err != nil {
		return enc, fmt.Errorf("storage: marshal debate rounds: %w", err)
	}
	if run.Synthesis != nil {
		if enc.synthesis, err = json.Marshal(run.Synthesis); err != nil {
			return enc, fmt.Errorf("storage: marshal synthesis: %w", err)
		}
	}
	return enc, nil
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r                                  model.Run
		status, phase                      string
		ctxJSON, posJSON, roundsJSON, synJ []byte
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.RunID, &status, &phase, &r.Query,
		&ctxJSON, &posJSON, &roundsJSON, &synJ,
		&r.Veto, &r.VetoReason, &r.StartedAt, &r.CompletedAt, &r.Error, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	r.Phase = model.Phase(phase)
	if err := DecodeRunJSON(&r, ctxJSON, posJSON, roundsJSON, synJ); err != nil {
		return model.Run{}, err
	}
	return r, nil
}

// DecodeRunJSON fills the JSON-backed fields of r. Shared with the embedded store.
func DecodeRunJSON(r *model.Run, ctxJSON, posJSON, roundsJSON, synJSON []byte) error {
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &r.Context); err != nil {
			return fmt.Errorf("decode run context: %w", err)
		}
	}
	if len(posJSON) > 0 {
		if err := json.Unmarshal(posJSON, &r.Positions); err != nil {
			return fmt.Errorf("decode positions: %w", err)
		}
	}
	if len(roundsJSON) > 0 {
		if err := json.Unmarshal(roundsJSON, &r.DebateRounds); err != nil {
			return fmt.Errorf("decode debate rounds: %w", err)
		}
	}
	if len(synJSON) > 0 {
		var s model.Synthesis
		if err := json.Unmarshal(synJSON, &s); err != nil {
			return fmt.Errorf("decode synthesis: %w", err)
		}
		r.Synthesis = &s
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
