package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/loanpay/server/internal/port/outbound"
	"go.uber.org/zap"
)

// Bus is a synchronous in-process event bus for domain events.
//
// Events published on a context returned by Defer are buffered and
// dispatched when the matching flush runs, so handlers never execute while
// the publisher still holds locks on the aggregate that emitted them.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger.Named("event-bus"),
	}
}

// Register registers a handler for the events it handles.
func (b *Bus) Register(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, eventType := range handler.Handles() {
		b.handlers[eventType] = append(b.handlers[eventType], handler)
		b.logger.Debug("registered event handler",
			zap.String("event_type", eventType),
		)
	}
}

// Publish dispatches an event to all registered handlers, or buffers it when
// ctx carries a deferred queue. Handler failures are logged, never returned.
func (b *Bus) Publish(ctx context.Context, event interface{}) error {
	e, ok := event.(Event)
	if !ok {
		return fmt.Errorf("publish: unsupported event type %T", event)
	}

	if q := queueFrom(ctx); q != nil {
		q.push(e)
		return nil
	}

	b.dispatch(ctx, e)
	return nil
}

// Defer returns a context that buffers published events and a flush func
// that dispatches them in publish order.
func (b *Bus) Defer(ctx context.Context) (context.Context, func()) {
	q := &queue{}
	deferred := context.WithValue(ctx, queueKey{}, q)

	return deferred, func() {
		for _, e := range q.drain() {
			b.dispatch(ctx, e)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.EventType()]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no handlers registered for event",
			zap.String("event_type", event.EventType()),
			zap.String("event_id", event.EventID().String()),
		)
		return
	}

	b.logger.Debug("publishing event",
		zap.String("event_type", event.EventType()),
		zap.String("event_id", event.EventID().String()),
		zap.String("aggregate_id", event.AggregateID().String()),
		zap.Int("handler_count", len(handlers)),
	)

	for _, handler := range handlers {
		if err := handler.Handle(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("event_type", event.EventType()),
				zap.String("event_id", event.EventID().String()),
				zap.String("aggregate_id", event.AggregateID().String()),
				zap.Error(err),
			)
		}
	}
}

type queueKey struct{}

type queue struct {
	mu     sync.Mutex
	events []Event
}

func (q *queue) push(e Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
}

func (q *queue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

func queueFrom(ctx context.Context) *queue {
	q, _ := ctx.Value(queueKey{}).(*queue)
	return q
}

// Compile-time check
var _ outbound.EventPublisherPort = (*Bus)(nil)
