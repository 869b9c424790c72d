package outbound

import "context"

// EventPublisherPort defines event publishing operations.
type EventPublisherPort interface {
	// Publish publishes a domain event. Events published inside a deferred
	// context are held until that context is flushed.
	Publish(ctx context.Context, event interface{}) error

	// Defer returns a context that buffers published events and a flush
	// func that dispatches them in publish order.
	Defer(ctx context.Context) (context.Context, func())
}
