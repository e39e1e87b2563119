package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Mode switches touch a session row and its open run in one transaction.
// Two writers racing on the same session (escalate against return to chat)
// surface as serialization failures or deadlocks and are retried here.
const (
	conflictRetries = 3
	conflictBackoff = 20 * time.Millisecond
)

// conflictCode returns the SQLSTATE when err is a transient transaction
// conflict, or "" otherwise.
func conflictCode(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return pgErr.Code
	}
	return ""
}

// retryConflicts runs fn and reruns it while it fails with a transaction
// conflict, sleeping a jittered, doubling backoff between attempts. op names
// the write in logs.
func (db *DB) retryConflicts(ctx context.Context, op string, fn func() error) error {
	delay := conflictBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		code := conflictCode(err)
		if code == "" || attempt == conflictRetries {
			return err
		}
		db.logger.Debug("storage: transaction conflict, retrying", "op", op, "sqlstate", code, "attempt", attempt+1)
		wait := delay + time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter only
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(wait):
		}
		delay *= 2
	}
}
