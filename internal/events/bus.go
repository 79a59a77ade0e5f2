package events

import (
	"context"
	"log/slog"
	"sync"

	"EgoMarket/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Hook is invoked synchronously for every emitted event.
type Hook func(ctx context.Context, e Event)

// Bus appends events to a Log, runs hooks and fans out to subscribers.
// A slow subscriber drops events rather than blocking emitters.
type Bus struct {
	log   Log
	clock clock.Clock

	mu    sync.RWMutex
	hooks []Hook
	subs  map[chan Event]struct{}
}

// NewBus creates a Bus. A nil log keeps events in memory only for fan-out.
func NewBus(log Log, clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{log: log, clock: clk, subs: make(map[chan Event]struct{})}
}

// OnEvent registers a hook.
func (b *Bus) OnEvent(h Hook) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.hooks = append(b.hooks, h)
	b.mu.Unlock()
}

// Subscribe returns a buffered channel that receives every new event.
func (b *Bus) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Emit records and broadcasts an event. Persisting is best effort: a log
// failure is reported but never fails the caller's operation.
func (b *Bus) Emit(ctx context.Context, kind Kind, subject, actor string, data map[string]any) Event {
	if b == nil {
		return Event{}
	}
	e := Event{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Kind:       kind,
		Subject:    subject,
		Actor:      actor,
		Data:       data,
		OccurredAt: b.clock.Now().UTC(),
	}
	if b.log != nil {
		if err := b.log.Append(ctx, &e); err != nil {
			logger.L().Error("事件持久化失败",
				slog.String("event_id", e.ID),
				slog.String("kind", string(kind)),
				slog.Any("error", err))
		}
	}

	b.mu.RLock()
	hooks := append([]Hook(nil), b.hooks...)
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.RUnlock()

	for _, h := range hooks {
		h(ctx, e)
	}
	return e
}

// Log returns the underlying log, if any.
func (b *Bus) Log() Log {
	if b == nil {
		return nil
	}
	return b.log
}
