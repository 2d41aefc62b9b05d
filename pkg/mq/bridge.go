package mq

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"channel-relay/pkg/events"
)

type Publisher interface {
	PublishEvent(ctx context.Context, ev events.Event) error
}

// Bridge forwards bus events to a Publisher. The bus handler only enqueues,
// so a slow or unreachable broker never stalls a publisher on the bus; when
// the buffer is full the event is dropped.
type Bridge struct {
	pub     Publisher
	buf     chan events.Event
	logger  *slog.Logger
	dropped atomic.Int64
	skip    map[events.EventType]bool
}

// NewBridge creates a bridge buffering up to size events. Events of the
// types in skip are not forwarded.
func NewBridge(pub Publisher, size int, logger *slog.Logger, skip ...events.EventType) *Bridge {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		pub:    pub,
		buf:    make(chan events.Event, size),
		logger: logger.With("component", "mq_bridge"),
		skip:   make(map[events.EventType]bool),
	}
	for _, t := range skip {
		b.skip[t] = true
	}
	return b
}

// Attach subscribes the bridge to every event type.
func (b *Bridge) Attach(bus *events.Bus) {
	bus.SubscribeAll("mq_bridge", b.Handle)
}

func (b *Bridge) Handle(ev events.Event) error {
	if b.skip[ev.Type] {
		return nil
	}
	select {
	case b.buf <- ev:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("event buffer full, dropping events", "dropped_total", n)
		}
	}
	return nil
}

func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// Run publishes buffered events until ctx is cancelled, then flushes what is
// left with a short deadline.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.flush()
			return
		case ev := <-b.buf:
			b.publish(ctx, ev)
		}
	}
}

func (b *Bridge) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-b.buf:
			b.publish(ctx, ev)
		default:
			return
		}
	}
}

func (b *Bridge) publish(ctx context.Context, ev events.Event) {
	if err := b.pub.PublishEvent(ctx, ev); err != nil {
		b.logger.Error("failed to publish event", "event_id", ev.ID, "event_type", ev.Type, "error", err)
	}
}
