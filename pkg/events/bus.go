package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultHistorySize = 1000

type subscription struct {
	name    string
	handler Handler
}

// Bus is a synchronous publish/subscribe event bus. Handlers run on the
// publishing goroutine, outside the bus lock, in subscription order.
// Consumers that need a specific goroutine must hand events off themselves.
type Bus struct {
	mu          sync.Mutex
	subscribers map[EventType][]subscription
	history     []Event
	maxHistory  int

	now    func() time.Time
	logger *slog.Logger
}

// NewBus creates a bus keeping the most recent historySize events.
func NewBus(historySize int, logger *slog.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[EventType][]subscription),
		history:     make([]Event, 0, min(historySize, 128)),
		maxHistory:  historySize,
		now:         time.Now,
		logger:      logger.With("component", "event_bus"),
	}
}

// Subscribe registers h under name for events of type t. Registering the same
// (t, name) pair twice keeps the first registration.
func (b *Bus) Subscribe(t EventType, name string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscribers[t] {
		if s.name == name {
			return
		}
	}
	b.subscribers[t] = append(b.subscribers[t], subscription{name: name, handler: h})
	b.logger.Debug("subscribed", "event_type", t, "subscriber", name)
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(name string, h Handler) {
	for _, t := range AllTypes {
		b.Subscribe(t, name, h)
	}
}

// Unsubscribe removes the (t, name) registration if present.
func (b *Bus) Unsubscribe(t EventType, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, s := range subs {
		if s.name == name {
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.subscribers[t] = next
			b.logger.Debug("unsubscribed", "event_type", t, "subscriber", name)
			return
		}
	}
}

// Publish records the event in history and delivers it to the current
// subscribers of its type. It returns the published event.
func (b *Bus) Publish(t EventType, payload map[string]any, source string) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	if source == "" {
		source = "unknown"
	}
	ev := Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: b.now(),
		Payload:   payload,
		Source:    source,
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if over := len(b.history) - b.maxHistory; over > 0 {
		copy(b.history, b.history[over:])
		clear(b.history[len(b.history)-over:])
		b.history = b.history[:len(b.history)-over]
	}
	// Unsubscribe replaces the slice rather than editing it, so this
	// reference stays a stable snapshot after the lock is released.
	subs := b.subscribers[t]
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
	return ev
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"subscriber", s.name,
				"event_type", ev.Type,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	if err := s.handler(ev); err != nil {
		b.logger.Error("event handler failed", "subscriber", s.name, "event_type", ev.Type, "error", err)
	}
}

// History returns up to limit of the most recent events in chronological
// order. An empty t matches every type; limit <= 0 means no limit.
func (b *Bus) History(t EventType, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []Event
	if t == "" {
		matched = b.history
	} else {
		for _, ev := range b.history {
			if ev.Type == t {
				matched = append(matched, ev)
			}
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]Event, len(matched))
	copy(out, matched)
	return out
}

func (b *Bus) SubscriberCount(t EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[t])
}

func (b *Bus) ClearSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[EventType][]subscription)
	b.logger.Debug("all subscribers cleared")
}

func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = b.history[:0]
	b.logger.Debug("event history cleared")
}
