package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashita-ai/kaigi/internal/storage"
	"github.com/ashita-ai/kaigi/internal/testutil"
)

func recv(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(testutil.TestLogger())

	// Subscribe two clients.
	ch1 := broker.Subscribe("")
	ch2 := broker.Subscribe("")

	payload := `{"run_id":"council-1","session_id":"s1","status":"running"}`
	want := string(formatSSE(storage.ChannelRuns, payload))
	_ = broker.Notify(context.Background(), storage.ChannelRuns, payload)

	if got := string(recv(t, ch1)); got != want {
		t.Errorf("ch1: got %q, want %q", got, want)
	}
	if got := string(recv(t, ch2)); got != want {
		t.Errorf("ch2: got %q, want %q", got, want)
	}

	// Unsubscribe ch1, broadcast again; only ch2 should receive.
	broker.Unsubscribe(ch1)
	_ = broker.Notify(context.Background(), storage.ChannelRuns, `{"session_id":"s1","status":"completed"}`)
	recv(t, ch2)

	broker.Unsubscribe(ch2)
	if n := broker.Subscribers(); n != 0 {
		t.Errorf("subscribers after unsubscribe: got %d, want 0", n)
	}
}

func TestBrokerSessionFilter(t *testing.T) {
	broker := NewBroker(testutil.TestLogger())
	mine := broker.Subscribe("s1")
	defer broker.Unsubscribe(mine)

	_ = broker.Notify(context.Background(), storage.ChannelRuns, `{"session_id":"s2","status":"running"}`)
	_ = broker.Notify(context.Background(), storage.ChannelRuns, `{"session_id":"s1","status":"running"}`)

	got := string(recv(t, mine))
	if want := string(formatSSE(storage.ChannelRuns, `{"session_id":"s1","status":"running"}`)); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	select {
	case extra := <-mine:
		t.Errorf("unexpected event for another session: %q", extra)
	default:
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("kaigi_runs", `{"id":"123"}`))
	want := "event: kaigi_runs\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(testutil.TestLogger())

	// Create a slow subscriber (small buffer that we won't read from).
	slow := broker.Subscribe("")
	fast := broker.Subscribe("")

	// Fill the slow subscriber's buffer.
	for range 65 {
		broker.publish("test", "fill")
	}

	// Fast subscriber should still get events.
	broker.publish("test", "after-fill")
	recv(t, fast)

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

// scriptedListener replays notifications, then blocks until cancelled.
type scriptedListener struct {
	listened []string
	events   chan [2]string
}

func (l *scriptedListener) Listen(_ context.Context, channel string) error {
	l.listened = append(l.listened, channel)
	return nil
}

func (l *scriptedListener) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case ev, ok := <-l.events:
		if !ok {
			return "", "", errors.New("connection lost")
		}
		return ev[0], ev[1], nil
	}
}

func TestBrokerStart(t *testing.T) {
	broker := NewBroker(testutil.TestLogger())
	sub := broker.Subscribe("")
	defer broker.Unsubscribe(sub)

	l := &scriptedListener{events: make(chan [2]string, 1)}
	l.events <- [2]string{storage.ChannelRuns, `{"session_id":"s1"}`}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Start(ctx, l)
		close(done)
	}()

	recv(t, sub)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if len(l.listened) == 0 || l.listened[0] != storage.ChannelRuns {
		t.Errorf("expected LISTEN on %s, got %v", storage.ChannelRuns, l.listened)
	}
}
