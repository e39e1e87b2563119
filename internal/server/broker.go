package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kaigi/internal/storage"
)

// Listener delivers store notifications. *storage.DB implements it over
// Postgres LISTEN/NOTIFY.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out run progress notifications to SSE subscribers.
//
// With Postgres, Start listens on the runs channel so every replica sees
// every run. Without it, the engine publishes through Notify directly and the
// broker only reaches subscribers of this process.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]string // channel -> session filter ("" = all)
}

// NewBroker creates a new SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]string),
	}
}

// Start listens for run notifications on l. It blocks, so call it in a
// goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context, l Listener) {
	if err := b.listen(ctx, l); err != nil {
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelRuns)

	backoff := 100 * time.Millisecond
	for {
		channel, payload, err := l.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			// The notify connection may have been replaced; LISTEN again.
			_ = b.listen(ctx, l)
			continue
		}
		backoff = 100 * time.Millisecond
		b.publish(channel, payload)
	}
}

func (b *Broker) listen(ctx context.Context, l Listener) error {
	if err := l.Listen(ctx, storage.ChannelRuns); err != nil {
		b.logger.Error("broker: listen runs", "error", err)
		return err
	}
	return nil
}

// Notify publishes to local subscribers. It lets the broker stand in for the
// store's notifier when there is no Postgres.
func (b *Broker) Notify(_ context.Context, channel, payload string) error {
	b.publish(channel, payload)
	return nil
}

func (b *Broker) publish(channel, payload string) {
	var head struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal([]byte(payload), &head)
	b.broadcast(head.SessionID, formatSSE(channel, payload))
}

// Subscribe returns a channel that receives SSE-formatted events. A non-empty
// sessionID restricts delivery to that session's runs. The caller must call
// Unsubscribe when done.
func (b *Broker) Subscribe(sessionID string) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = sessionID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Subscribers returns the number of connected subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to matching subscribers. Subscribers with a full
// buffer miss the event rather than block the others.
func (b *Broker) broadcast(sessionID string, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if filter != "" && filter != sessionID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
