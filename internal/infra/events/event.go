package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is implemented by every domain event dispatched on the bus.
type Event interface {
	EventID() uuid.UUID
	// EventType is the name handlers subscribe to (e.g. "TransferCompleted").
	EventType() string
	OccurredAt() time.Time
	AggregateID() uuid.UUID
	// AggregateType names the entity that emitted the event (e.g. "LoanPayment").
	AggregateType() string
}

// BaseEvent carries the envelope shared by all lending events.
type BaseEvent struct {
	ID            uuid.UUID `json:"id"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateUUID uuid.UUID `json:"aggregate_id"`
	AggregateName string    `json:"aggregate_type"`
}

func (e BaseEvent) EventID() uuid.UUID     { return e.ID }
func (e BaseEvent) EventType() string      { return e.Type }
func (e BaseEvent) OccurredAt() time.Time  { return e.Timestamp }
func (e BaseEvent) AggregateID() uuid.UUID { return e.AggregateUUID }
func (e BaseEvent) AggregateType() string  { return e.AggregateName }

// NewBaseEvent creates an envelope stamped with a fresh ID and the current time.
func NewBaseEvent(eventType string, aggregateID uuid.UUID, aggregateType string) BaseEvent {
	return BaseEvent{
		ID:            uuid.New(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		AggregateUUID: aggregateID,
		AggregateName: aggregateType,
	}
}
