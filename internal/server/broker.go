package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/tane/internal/corpus"
)

// EventCheckpoint is the SSE event type for committed checkpoints.
const EventCheckpoint = "checkpoint"

// NotificationSource yields database notifications, such as a
// storage.Listener.
type NotificationSource interface {
	Wait(ctx context.Context) (channel, payload string, err error)
}

// Broker fans checkpoint announcements out to SSE subscribers. Events come
// either from the engine in-process (Publish) or from Postgres NOTIFY
// (Relay), which also carries checkpoints committed by other instances.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a broker with no subscribers.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{logger: logger, subscribers: make(map[chan []byte]struct{})}
}

// PublishCheckpoint announces cp to subscribers.
func (b *Broker) PublishCheckpoint(cp corpus.Checkpoint) {
	data, err := json.Marshal(cp.Summary())
	if err != nil {
		b.logger.Warn("broker: encode checkpoint", "error", err)
		return
	}
	b.broadcast(formatSSE(EventCheckpoint, string(data)))
}

// Relay forwards notifications from src until ctx is done. The payload is
// passed through as the event data.
func (b *Broker) Relay(ctx context.Context, src NotificationSource) {
	for {
		_, payload, err := src.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.broadcast(formatSSE(EventCheckpoint, payload))
	}
}

// Subscribe returns a channel of SSE-formatted events. Call Unsubscribe
// when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast drops the event for subscribers whose buffer is full.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
