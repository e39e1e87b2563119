package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictCode(t *testing.T) {
	assert.Equal(t, "40001", conflictCode(fmt.Errorf("close run: %w", &pgconn.PgError{Code: "40001"})))
	assert.Equal(t, "40P01", conflictCode(&pgconn.PgError{Code: "40P01"}))
	assert.Empty(t, conflictCode(&pgconn.PgError{Code: "23505"}))
	assert.Empty(t, conflictCode(ErrRunClosed))
	assert.Empty(t, conflictCode(nil))
}

func TestRetryConflicts(t *testing.T) {
	db := &DB{logger: slog.New(slog.DiscardHandler)}
	ctx := context.Background()

	calls := 0
	err := db.retryConflicts(ctx, "escalate", func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = db.retryConflicts(ctx, "close run", func() error {
		calls++
		return ErrRunClosed
	})
	require.ErrorIs(t, err, ErrRunClosed)
	assert.Equal(t, 1, calls, "only conflicts are retried")

	calls = 0
	err = db.retryConflicts(ctx, "return to chat", func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, conflictRetries+1, calls)
}
