package events

import "context"

// Handler processes the event types it declares.
type Handler interface {
	Handles() []string

	// Handle processes the event. Handling the same event twice must not
	// move money twice.
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	eventTypes []string
	fn         func(context.Context, Event) error
}

// NewHandlerFunc creates a HandlerFunc for the given event types.
func NewHandlerFunc(eventTypes []string, fn func(context.Context, Event) error) *HandlerFunc {
	return &HandlerFunc{
		eventTypes: eventTypes,
		fn:         fn,
	}
}

func (h *HandlerFunc) Handles() []string {
	return h.eventTypes
}

func (h *HandlerFunc) Handle(ctx context.Context, event Event) error {
	return h.fn(ctx, event)
}
