package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/testutil"
)

type memWriter struct {
	mu     sync.Mutex
	events []model.Event
	fail   int
}

func (w *memWriter) InsertEvents(_ context.Context, events []model.Event) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return 0, errors.New("db down")
	}
	w.events = append(w.events, events...)
	return int64(len(events)), nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestBuffer_FlushOnSize(t *testing.T) {
	w := &memWriter{}
	b := NewBuffer(w, testutil.TestLogger(), 3, time.Hour)
	b.Start(context.Background())
	defer b.Drain(context.Background())

	for range 3 {
		require.NoError(t, b.Append(context.Background(), model.Event{Type: model.EventMessageAppended}))
	}
	assert.Eventually(t, func() bool { return w.count() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestBuffer_DrainFlushesRemainder(t *testing.T) {
	w := &memWriter{}
	b := NewBuffer(w, testutil.TestLogger(), 100, time.Hour)
	b.Start(context.Background())

	require.NoError(t, b.Append(context.Background(), model.Event{Type: model.EventSessionCreated}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Drain(ctx)

	assert.Equal(t, 1, w.count())
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_RequeuesOnFailure(t *testing.T) {
	w := &memWriter{fail: 1}
	b := NewBuffer(w, testutil.TestLogger(), 100, time.Hour)

	require.NoError(t, b.Append(context.Background(), model.Event{Type: model.EventSessionCreated}))
	b.flush(context.Background())
	assert.Equal(t, 1, b.Len(), "failed batch is put back")

	b.flush(context.Background())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 1, w.count())
}

type failingSink struct{ calls int }

func (f *failingSink) Append(context.Context, model.Event) error {
	f.calls++
	return errors.New("sink unavailable")
}

func TestMirror_SwallowsErrors(t *testing.T) {
	s := &failingSink{}
	Mirror(context.Background(), s, testutil.TestLogger(), model.Event{Type: model.EventCouncilEscalated})
	assert.Equal(t, 1, s.calls)

	Mirror(context.Background(), nil, testutil.TestLogger(), model.Event{})
	Mirror(context.Background(), Nop{}, testutil.TestLogger(), model.Event{})
}
